// Package synth defines the speech synthesis capability consumed by the
// voxexam speech queue.
//
// A Provider wraps a TTS backend (e.g., ElevenLabs or a local engine) and
// synthesises one utterance at a time into a stream of raw PCM chunks. An
// Output is the playback half: it drains a PCM stream into the candidate's
// audio surface and returns when playback is finished. The speech queue
// composes the two, which is what gives the orchestrator its "played"
// completion signal per sentence chunk.
//
// Implementations must be safe for concurrent use.
package synth

import (
	"context"
	"io"
)

// VoiceProfile identifies a synthesis voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider names the backend this profile belongs to.
	Provider string

	// SpeedFactor adjusts speaking rate in the range [0.5, 2.0]. Zero means
	// the provider default.
	SpeedFactor float64
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts one utterance to a stream of raw PCM chunks. The
	// returned channel is closed by the implementation when synthesis
	// completes or ctx is cancelled; callers must drain it.
	//
	// A non-nil error is returned only when the stream cannot be started.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) (<-chan []byte, error)

	// ListVoices returns the voices available from this backend.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}

// Output plays a PCM stream. Play blocks until the stream is fully played
// (the channel is drained and the device has flushed) or ctx is cancelled.
type Output interface {
	Play(ctx context.Context, pcm <-chan []byte) error
}

// WriterOutput adapts an io.Writer into an [Output]. It is used when the
// playback device is remote: PCM is forwarded as fast as the writer accepts
// it (e.g., the session's WebSocket audio lane).
type WriterOutput struct {
	W io.Writer
}

// Play copies every chunk to the underlying writer.
func (o WriterOutput) Play(ctx context.Context, pcm <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-pcm:
			if !ok {
				return nil
			}
			if _, err := o.W.Write(chunk); err != nil {
				return err
			}
		}
	}
}
