// Package capture defines the speech capture capability consumed by the
// push-to-talk controller.
//
// An Engine wraps a real-time speech-to-text backend. Each push-to-talk press
// opens one Session; the session emits interim and final Result values while
// held and ends on Stop or spontaneously when the backend enforces its own
// time limit. The controller tolerates spontaneous ends by reopening a
// session while the press is still held, so implementations only need to
// signal the end via the Done channel.
//
// Implementations must be safe for concurrent use.
package capture

import (
	"context"
	"errors"
)

// ErrAborted is the expected error when a session ends because of a manual
// Stop call. It is noise, not a fault, and must not be surfaced to the
// candidate.
var ErrAborted = errors.New("capture: aborted")

// Result is one recognition update from the engine.
type Result struct {
	// Text is the transcribed speech. For interim results this is the
	// engine's current best guess for the in-flight utterance; for final
	// results it is authoritative.
	Text string

	// Final indicates whether Text is committed.
	Final bool

	// Confidence is the recognition confidence (0.0–1.0), when reported.
	Confidence float64
}

// Config describes the audio format and recognition hints for a session.
type Config struct {
	// Language is the BCP-47 language tag for recognition.
	Language string

	// SampleRate is the audio sample rate in Hz.
	SampleRate int

	// InterimResults requests low-latency interim transcripts.
	InterimResults bool
}

// Session is one open capture session.
//
// Callers must call Stop when the session is no longer needed and must drain
// Results to avoid blocking the engine. All methods are safe for concurrent
// use.
type Session interface {
	// SendAudio delivers a chunk of raw PCM audio to the engine.
	SendAudio(chunk []byte) error

	// Results returns the interleaved interim/final recognition stream. The
	// channel is closed when the session ends.
	Results() <-chan Result

	// Done is closed when the session has ended, whether by Stop, engine
	// time limit, or a transport fault. Check Err afterwards.
	Done() <-chan struct{}

	// Err returns the terminal session error. It is nil for a clean end and
	// [ErrAborted] for a manual stop; any other value is a genuine fault.
	Err() error

	// Stop ends the session, flushing pending audio so trailing finals can
	// still arrive on Results before it closes. Safe to call multiple times.
	Stop() error
}

// Engine is the abstraction over any speech capture backend.
type Engine interface {
	// Start opens a new capture session. The returned Session is ready to
	// accept audio immediately.
	Start(ctx context.Context, cfg Config) (Session, error)
}
