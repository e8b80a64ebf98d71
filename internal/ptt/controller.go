// Package ptt implements push-to-talk speech capture: a capture session
// exists only between press and release, interim and final transcripts are
// buffered, and the best-available snapshot is submitted as a candidate turn
// once the press ends.
package ptt

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxexam/voxexam/internal/observe"
	"github.com/voxexam/voxexam/pkg/capture"
)

// Refusal reasons returned by Press.
var (
	// ErrSpeechBusy means synthesis is playing or loading.
	ErrSpeechBusy = errors.New("ptt: speech playback in progress")
	// ErrPaused means the session is paused.
	ErrPaused = errors.New("ptt: session paused")
	// ErrNotActive means the exam has left the active phase.
	ErrNotActive = errors.New("ptt: exam no longer accepting answers")
	// ErrAlreadyCapturing means a press is already held.
	ErrAlreadyCapturing = errors.New("ptt: already capturing")
)

// Gate reports whether capture may start right now. A nil error permits the
// press; a non-nil error is the refusal reason surfaced to the operator.
type Gate func() error

// Controller manages one push-to-talk capture cycle at a time.
//
// All methods are safe for concurrent use.
type Controller struct {
	engine   capture.Engine
	cfg      capture.Config
	gate     Gate
	logger   *slog.Logger
	metrics  *observe.Metrics
	provider string // capture provider name carried on metric attributes

	settle time.Duration

	onSubmit func(text string)
	onError  func(err error)

	mu        sync.Mutex
	pressed   bool
	pressedAt time.Time
	session   capture.Session
	finals    []string
	interim   string
	gen       uint64 // bumped per press so stale session goroutines bail out
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithSettleDelay sets how long Release waits for the engine's last callback
// before snapshotting the transcript. Defaults to 150ms.
func WithSettleDelay(d time.Duration) Option {
	return func(c *Controller) { c.settle = d }
}

// WithGate sets the predicate consulted before every press.
func WithGate(g Gate) Option {
	return func(c *Controller) { c.gate = g }
}

// WithSubmit registers the callback that receives the non-empty snapshot
// after release. It runs off the caller's goroutine.
func WithSubmit(fn func(text string)) Option {
	return func(c *Controller) { c.onSubmit = fn }
}

// WithError registers the callback for capture faults worth surfacing.
// Aborts from manual stops are filtered out before this is called.
func WithError(fn func(err error)) Option {
	return func(c *Controller) { c.onError = fn }
}

// WithMetrics overrides the metric instruments and sets the provider name
// carried on their attributes. Defaults to the package-wide set under the
// name "capture".
func WithMetrics(m *observe.Metrics, provider string) Option {
	return func(c *Controller) {
		c.metrics = m
		c.provider = provider
	}
}

// NewController creates a push-to-talk controller over engine.
func NewController(engine capture.Engine, cfg capture.Config, opts ...Option) *Controller {
	c := &Controller{
		engine:   engine,
		cfg:      cfg,
		logger:   slog.Default(),
		metrics:  observe.DefaultMetrics(),
		provider: "capture",
		settle:   150 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Capturing reports whether a press is currently held.
func (c *Controller) Capturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pressed
}

// Press begins a capture session. It returns the gate's refusal reason if
// capture is not currently allowed.
func (c *Controller) Press(ctx context.Context) error {
	c.mu.Lock()
	if c.pressed {
		c.mu.Unlock()
		return ErrAlreadyCapturing
	}
	if c.gate != nil {
		if err := c.gate(); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.pressed = true
	c.pressedAt = time.Now()
	c.finals = nil
	c.interim = ""
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	if err := c.startSession(ctx, gen); err != nil {
		c.mu.Lock()
		c.pressed = false
		c.mu.Unlock()
		c.metrics.RecordProviderError(ctx, c.provider, "capture_start")
		return err
	}
	c.metrics.ActiveCaptures.Add(ctx, 1)
	return nil
}

// startSession starts an engine session and consumes its results until it
// ends. If the session ends spontaneously while the press is still held (auto
// time-limited engines), a fresh session is started transparently.
func (c *Controller) startSession(ctx context.Context, gen uint64) error {
	sess, err := c.engine.Start(ctx, c.cfg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		_ = sess.Stop()
		return nil
	}
	c.session = sess
	c.mu.Unlock()

	go c.consume(ctx, sess, gen)
	return nil
}

// consume drains one session's results and handles its end.
func (c *Controller) consume(ctx context.Context, sess capture.Session, gen uint64) {
	for {
		select {
		case r, ok := <-sess.Results():
			if !ok {
				c.sessionEnded(ctx, sess, gen)
				return
			}
			c.apply(r, gen)
		case <-sess.Done():
			// Drain results buffered before the session closed.
			for r := range sess.Results() {
				c.apply(r, gen)
			}
			c.sessionEnded(ctx, sess, gen)
			return
		}
	}
}

// apply folds one recognition result into the transcript buffer.
func (c *Controller) apply(r capture.Result, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	if r.Final {
		if t := strings.TrimSpace(r.Text); t != "" {
			c.finals = append(c.finals, t)
		}
		c.interim = ""
	} else {
		c.interim = r.Text
	}
}

// sessionEnded handles an engine session closing, restarting capture if the
// press is still held and the end was not operator-initiated.
func (c *Controller) sessionEnded(ctx context.Context, sess capture.Session, gen uint64) {
	err := sess.Err()

	c.mu.Lock()
	stale := gen != c.gen
	held := c.pressed
	if c.session == sess {
		c.session = nil
	}
	onError := c.onError
	c.mu.Unlock()

	if stale {
		return
	}

	// A stop-initiated abort is expected noise, never a fault.
	if err != nil && !errors.Is(err, capture.ErrAborted) && onError != nil {
		onError(err)
	}

	if held && (err == nil || errors.Is(err, capture.ErrAborted)) {
		// Spontaneous end while the key is still down: restart so the
		// candidate's tail end is not lost.
		if err := c.startSession(ctx, gen); err != nil {
			c.logger.Warn("capture restart failed", "error", err)
			c.metrics.RecordProviderError(ctx, c.provider, "capture_restart")
			if onError != nil {
				onError(err)
			}
		}
	}
}

// Release ends the press, stops the engine session, and after the settle
// delay submits the best-available transcript if it is non-empty. The
// finalized transcript is preferred; the last interim fragment is the
// fallback when no final ever arrived.
func (c *Controller) Release() {
	c.mu.Lock()
	if !c.pressed {
		c.mu.Unlock()
		return
	}
	c.pressed = false
	sess := c.session
	gen := c.gen
	c.mu.Unlock()

	if sess != nil {
		if err := sess.Stop(); err != nil {
			c.logger.Debug("capture stop", "error", err)
		}
	}
	c.metrics.ActiveCaptures.Add(context.Background(), -1)

	time.AfterFunc(c.settle, func() { c.submit(gen) })
}

// Abort ends the press and discards the transcript without submitting.
func (c *Controller) Abort() {
	c.mu.Lock()
	wasPressed := c.pressed
	c.pressed = false
	sess := c.session
	c.session = nil
	c.finals = nil
	c.interim = ""
	c.gen++
	c.mu.Unlock()

	if sess != nil {
		_ = sess.Stop()
	}
	if wasPressed {
		c.metrics.ActiveCaptures.Add(context.Background(), -1)
	}
}

// submit snapshots the transcript and hands it to the submit callback.
func (c *Controller) submit(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	text := strings.TrimSpace(strings.Join(c.finals, " "))
	if text == "" {
		text = strings.TrimSpace(c.interim)
	}
	c.finals = nil
	c.interim = ""
	fn := c.onSubmit
	held := time.Since(c.pressedAt)
	c.mu.Unlock()

	if text == "" || fn == nil {
		return
	}
	c.metrics.CaptureDuration.Record(context.Background(), held.Seconds())
	fn(text)
}
