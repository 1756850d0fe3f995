// Package mock provides a test double for the tts.Provider interface.
//
// The mock synthesises each text fragment into a fixed-size fake PCM chunk
// with a configurable per-chunk delay, which lets barge-in tests verify that
// playback stops within the interruption deadline when the context is
// cancelled mid-stream.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/lumora-ai/lumora/pkg/provider/tts"
)

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// ChunkDelay is an optional pause before each audio chunk is emitted.
	ChunkDelay time.Duration

	// ChunkBytes is the size of each fake PCM chunk. Defaults to 320 (10ms
	// of 16kHz mono 16-bit audio) if zero.
	ChunkBytes int

	// Err, if non-nil, is returned by SynthesizeStream before any audio.
	Err error

	// VoicesResult is returned by ListVoices.
	VoicesResult []tts.Voice

	// Synthesised records every text fragment received, in order.
	Synthesised []string

	// CancelledStreams counts streams that ended due to context cancellation.
	CancelledStreams int
}

// SynthesizeStream implements tts.Provider. Each text fragment becomes one
// fake audio chunk of ChunkBytes zero bytes.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	p.mu.Lock()
	err := p.Err
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	size := p.ChunkBytes
	if size <= 0 {
		size = 320
	}

	audioCh := make(chan []byte, 16)
	go func() {
		defer close(audioCh)
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				p.mu.Lock()
				p.Synthesised = append(p.Synthesised, fragment)
				p.mu.Unlock()

				if p.ChunkDelay > 0 {
					select {
					case <-time.After(p.ChunkDelay):
					case <-ctx.Done():
						p.markCancelled()
						return
					}
				}
				select {
				case audioCh <- make([]byte, size):
				case <-ctx.Done():
					p.markCancelled()
					return
				}
			case <-ctx.Done():
				p.markCancelled()
				return
			}
		}
	}()
	return audioCh, nil
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.VoicesResult != nil {
		return p.VoicesResult, nil
	}
	return []tts.Voice{{ID: "mock-voice", Name: "Mock Voice", Language: "en"}}, nil
}

// SynthesisedTexts returns a copy of every fragment received so far.
func (p *Provider) SynthesisedTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Synthesised))
	copy(out, p.Synthesised)
	return out
}

// Cancelled returns how many streams ended due to cancellation.
func (p *Provider) Cancelled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CancelledStreams
}

func (p *Provider) markCancelled() {
	p.mu.Lock()
	p.CancelledStreams++
	p.mu.Unlock()
}
