// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service and exposes a
// uniform streaming interface. The central abstraction is SessionHandle: once
// opened, a session accepts raw PCM audio frames and emits a single ordered
// stream of Event values. Low-latency partials drive barge-in detection and
// live captions; finals are authoritative and become the user's message text.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"time"
)

// EventType discriminates the events a transcription session emits.
type EventType string

const (
	// SpeechStarted fires when the provider's voice-activity detection first
	// hears speech. The voice orchestrator uses it to trigger barge-in.
	SpeechStarted EventType = "speech_started"

	// Partial carries a low-latency interim transcript. Partials may be
	// revised by later events and must not be stored as message text.
	Partial EventType = "partial"

	// Final carries an authoritative transcript segment.
	Final EventType = "final"

	// SilenceTimeout fires when no speech has been detected for the
	// configured silence window, marking the end of the user's utterance.
	SilenceTimeout EventType = "silence_timeout"

	// Error carries a transcription failure. The session ends after it.
	Error EventType = "error"
)

// Event is a single item in a transcription session's event stream.
type Event struct {
	// Type discriminates the event.
	Type EventType

	// Text is the transcript for Partial and Final events.
	Text string

	// Confidence is the provider's confidence in [0,1] for Final events.
	Confidence float64

	// Err is set on Error events.
	Err error
}

// StreamConfig describes the audio format and recognition hints for a new
// transcription session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. 16000 is the usual value
	// for speech-optimised mono input.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP 47 language tag for recognition (e.g. "en-US").
	// Empty lets the provider auto-detect, if supported.
	Language string

	// SilenceTimeout is the window of continuous silence after which the
	// provider emits a SilenceTimeout event. Zero uses the provider default.
	SilenceTimeout time.Duration
}

// SessionHandle represents an open streaming transcription session.
//
// Callers must call Close when the session is no longer needed; failing to do
// so leaks goroutines and network connections inside the provider. All
// methods are safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes for transcription.
	// The chunk must match the format agreed in StreamConfig. Calling
	// SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Events returns the session's ordered event stream. The channel is
	// closed when the session ends, after any final Error event.
	Events() <-chan Event

	// Close terminates the session, flushes pending audio, and releases all
	// resources. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend. Multiple sessions may be
// open simultaneously, one per connected voice client.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately; the caller owns it
	// and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
