// Package deepgram provides a Deepgram-backed capture engine using the
// Deepgram streaming WebSocket API. It implements the capture.Engine
// interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/voxexam/voxexam/pkg/capture"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Deepgram Engine.
type Option func(*Engine)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(e *Engine) { e.model = model }
}

// WithLanguage sets the BCP-47 language code for recognition.
func WithLanguage(language string) Option {
	return func(e *Engine) { e.language = language }
}

// WithSampleRate sets the default audio sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(e *Engine) { e.sampleRate = rate }
}

// Engine implements capture.Engine backed by the Deepgram streaming API.
type Engine struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
}

// Compile-time check that *Engine satisfies [capture.Engine].
var _ capture.Engine = (*Engine)(nil)

// New creates a new Deepgram Engine. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	e := &Engine{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Start opens a streaming recognition session with Deepgram.
func (e *Engine) Start(ctx context.Context, cfg capture.Config) (capture.Session, error) {
	wsURL, err := e.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+e.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sess := &session{
		conn:    conn,
		results: make(chan capture.Result, 64),
		audio:   make(chan []byte, 256),
		done:    make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the config.
func (e *Engine) buildURL(cfg capture.Config) (string, error) {
	u, err := url.Parse(deepgramEndpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = e.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = e.sampleRate
	}

	q := u.Query()
	q.Set("model", e.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	q.Set("sample_rate", strconv.Itoa(sr))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements capture.Session.
type session struct {
	conn    *websocket.Conn
	results chan capture.Result
	audio   chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("deepgram: session is closed")
	}
}

// Results returns the channel of recognition updates.
func (s *session) Results() <-chan capture.Result { return s.results }

// Done returns a channel closed when the session has ended.
func (s *session) Done() <-chan struct{} { return s.done }

// Err returns the terminal session error.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Stop terminates the session cleanly. Deepgram flushes buffered audio on
// CloseStream, so trailing finals may still arrive before Results closes.
func (s *session) Stop() error {
	s.once.Do(func() {
		s.errMu.Lock()
		if s.err == nil {
			s.err = capture.ErrAborted
		}
		s.errMu.Unlock()

		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		close(s.done)
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			// Drain buffered audio so CloseStream flushes everything.
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram and dispatches recognition
// results.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.results)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancellation — exit gracefully.
			return
		}

		r, ok := parseResponse(msg)
		if !ok {
			continue
		}
		select {
		case s.results <- r:
		case <-s.done:
		}
	}
}

// parseResponse parses a raw Deepgram WebSocket message into a Result.
// Returns (zero, false) if the message should be ignored.
func parseResponse(data []byte) (capture.Result, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return capture.Result{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return capture.Result{}, false
	}

	alt := resp.Channel.Alternatives[0]
	return capture.Result{
		Text:       alt.Transcript,
		Final:      resp.IsFinal,
		Confidence: alt.Confidence,
	}, true
}
