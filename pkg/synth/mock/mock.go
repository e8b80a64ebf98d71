// Package mock provides test doubles for the synth.Provider and synth.Output
// interfaces.
//
// Use Provider to feed controlled audio chunks to consumers and to verify
// which utterances reached the backend, and Output to observe or delay
// playback completion.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voxexam/voxexam/pkg/synth"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Text  string
	Voice synth.VoiceProfile
}

// Provider is a mock implementation of synth.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks is the sequence of PCM byte slices emitted per Synthesize call.
	Chunks [][]byte

	// Err, if non-nil, is returned from Synthesize instead of a channel.
	Err error

	// Voices is returned by ListVoices.
	Voices []synth.VoiceProfile

	// Calls records every Synthesize invocation in order.
	Calls []SynthesizeCall
}

// Compile-time check that *Provider satisfies [synth.Provider].
var _ synth.Provider = (*Provider)(nil)

// Synthesize records the call and returns a channel emitting Chunks.
func (p *Provider) Synthesize(ctx context.Context, text string, voice synth.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, SynthesizeCall{Text: text, Voice: voice})
	err := p.Err
	chunks := make([][]byte, len(p.Chunks))
	copy(chunks, p.Chunks)
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}

	ch := make(chan []byte, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// ListVoices returns the configured voices.
func (p *Provider) ListVoices(context.Context) ([]synth.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Voices, nil
}

// Texts returns the utterances passed to Synthesize so far, in call order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Calls))
	for i, c := range p.Calls {
		out[i] = c.Text
	}
	return out
}

// Output is a mock implementation of synth.Output. Each Play call drains the
// PCM stream, optionally sleeping Delay per chunk to simulate playback time.
type Output struct {
	mu sync.Mutex

	// Delay is how long each PCM chunk "plays" for.
	Delay time.Duration

	// Err, if non-nil, is returned from Play after draining.
	Err error

	// Played counts completed Play calls.
	Played int
}

// Compile-time check that *Output satisfies [synth.Output].
var _ synth.Output = (*Output)(nil)

// Play drains pcm, sleeping Delay per chunk.
func (o *Output) Play(ctx context.Context, pcm <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-pcm:
			if !ok {
				o.mu.Lock()
				o.Played++
				err := o.Err
				o.mu.Unlock()
				return err
			}
			if o.Delay > 0 {
				select {
				case <-time.After(o.Delay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// PlayedCount returns the number of completed Play calls.
func (o *Output) PlayedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Played
}
