// Package mock provides test doubles for the capture.Engine and
// capture.Session interfaces.
//
// The mock session is scriptable: tests push interim/final results with
// Emit, end the session spontaneously with End, and inspect how many
// sessions an Engine has opened.
package mock

import (
	"context"
	"sync"

	"github.com/voxexam/voxexam/pkg/capture"
)

// Engine is a mock implementation of capture.Engine. Each Start call returns
// a fresh scriptable [Session], recorded in Sessions.
type Engine struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned from Start.
	StartErr error

	// Sessions records every session opened, in order.
	Sessions []*Session
}

// Compile-time check that *Engine satisfies [capture.Engine].
var _ capture.Engine = (*Engine)(nil)

// Start records and returns a new scriptable session.
func (e *Engine) Start(_ context.Context, _ capture.Config) (capture.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.StartErr != nil {
		return nil, e.StartErr
	}
	s := NewSession()
	e.Sessions = append(e.Sessions, s)
	return s, nil
}

// StartCount returns the number of sessions opened so far.
func (e *Engine) StartCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Sessions)
}

// Last returns the most recently opened session, or nil.
func (e *Engine) Last() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.Sessions) == 0 {
		return nil
	}
	return e.Sessions[len(e.Sessions)-1]
}

// Session is a scriptable capture session.
type Session struct {
	mu      sync.Mutex
	results chan capture.Result
	done    chan struct{}
	err     error
	ended   bool

	// Audio records chunks passed to SendAudio.
	Audio [][]byte
}

// Compile-time check that *Session satisfies [capture.Session].
var _ capture.Session = (*Session)(nil)

// NewSession creates an open scriptable session.
func NewSession() *Session {
	return &Session{
		results: make(chan capture.Result, 64),
		done:    make(chan struct{}),
	}
}

// Emit delivers a recognition result to the session consumer.
func (s *Session) Emit(text string, final bool) {
	s.results <- capture.Result{Text: text, Final: final, Confidence: 0.9}
}

// End terminates the session as the engine would on its own (e.g., a
// backend time limit), with the given terminal error.
func (s *Session) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.results)
	close(s.done)
}

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return capture.ErrAborted
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.Audio = append(s.Audio, cp)
	return nil
}

// Results returns the recognition stream.
func (s *Session) Results() <-chan capture.Result { return s.results }

// Done returns the end-of-session channel.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the terminal error set by End or Stop.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop ends the session with [capture.ErrAborted].
func (s *Session) Stop() error {
	s.End(capture.ErrAborted)
	return nil
}

// Stopped reports whether the session has ended.
func (s *Session) Stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
