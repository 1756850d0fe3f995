// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service and presents a uniform
// streaming interface. The primary entry point is SynthesizeStream, which
// accepts a channel of text fragments and returns a channel of raw PCM audio
// bytes as they become available, enabling low-latency pipelining between LLM
// output and voice playback. Synthesize is a convenience wrapper for the
// chat-with-audio path, where the full reply text is known up front.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"bytes"
	"context"
)

// Voice describes a synthesis voice configuration.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Language is the BCP 47 tag of the voice's primary language, if known.
	Language string

	// SpeedFactor adjusts speaking rate (0.5-2.0, 1.0 = default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes (gender, accent, ...).
	Metadata map[string]string
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel that emits raw PCM audio byte slices as they are
	// synthesised. The caller may pipe LLM streaming output directly into
	// synthesis without waiting for the full text.
	//
	// The returned audio channel is closed by the implementation when all
	// text has been synthesised or when ctx is cancelled. Cancelling ctx is
	// the barge-in mechanism: playback must stop within the interruption
	// deadline, so implementations must honour cancellation on every send.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// during synthesis are signalled by closing the audio channel early;
	// callers check ctx.Err() to distinguish cancellation from failure.
	SynthesizeStream(ctx context.Context, text <-chan string, voice Voice) (<-chan []byte, error)

	// ListVoices returns all voices available from this provider.
	ListVoices(ctx context.Context) ([]Voice, error)
}

// Synthesize renders the whole text in one call by streaming it through p and
// collecting the audio. Used by the chat service when a reply is returned as a
// single payload rather than played live.
func Synthesize(ctx context.Context, p Provider, text string, voice Voice) ([]byte, error) {
	in := make(chan string, 1)
	in <- text
	close(in)

	audio, err := p.SynthesizeStream(ctx, in, voice)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	for chunk := range audio {
		buf.Write(chunk)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
