// Package speech plays finalized sentence chunks through a synthesis
// provider, preserving per-message FIFO order and exposing speaking/loading
// status for gating decisions elsewhere in the session.
package speech

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voxexam/voxexam/internal/observe"
	"github.com/voxexam/voxexam/pkg/synth"
)

// chunk is one queued unit of speech.
type chunk struct {
	messageID string
	text      string
}

// Queue accepts text chunks tagged with a message identity and plays them in
// arrival order. Chunks for an older message are dropped, never deferred, once
// a newer message becomes active.
//
// All methods are safe for concurrent use.
type Queue struct {
	provider synth.Provider
	output   synth.Output
	voice    synth.VoiceProfile
	logger   *slog.Logger
	metrics  *observe.Metrics

	onChunkPlayed func(messageID string)
	onIdle        func()

	mu        sync.Mutex
	pending   []chunk
	messageID string // active message identity
	loading   bool
	speaking  bool
	running   bool
	gen       uint64             // bumped on Reset so a stale worker pass is discarded
	cancel    context.CancelFunc // cancels the in-flight synthesize/play pair
	closed    bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithChunkPlayed registers a callback invoked after each chunk has fully
// played. The callback runs on the queue's worker goroutine.
func WithChunkPlayed(fn func(messageID string)) Option {
	return func(q *Queue) { q.onChunkPlayed = fn }
}

// WithIdle registers a callback invoked when the queue drains completely.
// The callback runs on the queue's worker goroutine.
func WithIdle(fn func()) Option {
	return func(q *Queue) { q.onIdle = fn }
}

// WithMetrics overrides the metric instruments. Defaults to the package-wide
// set; the voice profile's provider name is carried on their attributes.
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// NewQueue creates a Queue that synthesizes with provider using voice and
// plays the resulting audio through output.
func NewQueue(provider synth.Provider, output synth.Output, voice synth.VoiceProfile, opts ...Option) *Queue {
	q := &Queue{
		provider: provider,
		output:   output,
		voice:    voice,
		logger:   slog.Default(),
		metrics:  observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue appends text to the playback queue under messageID. If messageID
// differs from the currently active message, everything queued or playing for
// the old message is discarded first.
func (q *Queue) Enqueue(text, messageID string) {
	if text == "" {
		return
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if messageID != q.messageID {
		q.dropLocked()
		q.messageID = messageID
	}
	q.pending = append(q.pending, chunk{messageID: messageID, text: text})
	start := !q.running
	if start {
		q.running = true
	}
	q.mu.Unlock()

	if start {
		go q.run()
	}
}

// Reset discards all queued chunks and stops any playing audio. The next
// Enqueue starts fresh.
func (q *Queue) Reset() {
	q.mu.Lock()
	q.dropLocked()
	q.messageID = ""
	q.mu.Unlock()
}

// Close resets the queue and rejects all further enqueues.
func (q *Queue) Close() {
	q.mu.Lock()
	q.dropLocked()
	q.closed = true
	q.mu.Unlock()
}

// dropLocked clears pending work and cancels in-flight playback.
// Caller must hold q.mu.
func (q *Queue) dropLocked() {
	q.pending = nil
	q.gen++
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
}

// Speaking reports whether a chunk is currently playing.
func (q *Queue) Speaking() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.speaking
}

// Loading reports whether a chunk is currently being synthesized.
func (q *Queue) Loading() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loading
}

// Busy reports whether the queue has any work in flight or pending.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.speaking || q.loading || len(q.pending) > 0
}

// run drains the pending queue on a single worker goroutine.
func (q *Queue) run() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 || q.closed {
			q.running = false
			idle := q.onIdle
			q.mu.Unlock()
			if idle != nil {
				idle()
			}
			return
		}
		c := q.pending[0]
		q.pending = q.pending[1:]
		gen := q.gen
		ctx, cancel := context.WithCancel(context.Background())
		q.cancel = cancel
		q.loading = true
		q.mu.Unlock()

		played := q.playChunk(ctx, c)
		cancel()

		q.mu.Lock()
		q.loading = false
		q.speaking = false
		if q.cancel != nil {
			q.cancel = nil
		}
		stale := gen != q.gen
		fn := q.onChunkPlayed
		q.mu.Unlock()

		if played && !stale && fn != nil {
			fn(c.messageID)
		}
	}
}

// playChunk synthesizes and plays one chunk, returning whether it played to
// completion.
func (q *Queue) playChunk(ctx context.Context, c chunk) bool {
	start := time.Now()
	pcm, err := q.provider.Synthesize(ctx, c.text, q.voice)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			q.logger.Warn("speech synthesis failed", "error", err, "message_id", c.messageID)
			q.metrics.RecordProviderError(ctx, q.voice.Provider, "synthesize")
		}
		return false
	}
	q.metrics.SynthesisDuration.Record(ctx, time.Since(start).Seconds())
	q.metrics.RecordProviderRequest(ctx, q.voice.Provider, "synthesize", "ok")

	q.mu.Lock()
	q.loading = false
	q.speaking = true
	q.mu.Unlock()

	if err := q.output.Play(ctx, pcm); err != nil {
		if !errors.Is(err, context.Canceled) {
			q.logger.Warn("speech playback failed", "error", err, "message_id", c.messageID)
		}
		return false
	}
	return true
}
