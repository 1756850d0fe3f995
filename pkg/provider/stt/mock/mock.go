// Package mock provides a scriptable test double for the stt.Provider
// interface.
//
// Tests inject events into an open session with Emit, simulating partials,
// finals, VAD triggers, and silence timeouts at whatever pace the scenario
// requires. The voice orchestrator tests drive barge-in through it.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/lumora-ai/lumora/pkg/provider/stt"
)

// Ensure the mocks implement the interfaces at compile time.
var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*Session)(nil)
)

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned by StartStream.
	StartErr error

	// Sessions records every session opened, in order.
	Sessions []*Session

	// Configs records the StreamConfig of every StartStream call.
	Configs []stt.StreamConfig
}

// StartStream implements stt.Provider.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	s := NewSession()
	p.Sessions = append(p.Sessions, s)
	p.Configs = append(p.Configs, cfg)
	return s, nil
}

// Last returns the most recently opened session, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

// Session is a scriptable stt.SessionHandle.
type Session struct {
	mu     sync.Mutex
	events chan stt.Event
	closed bool

	// Audio records every chunk passed to SendAudio.
	Audio [][]byte
}

// NewSession returns an open session ready to receive injected events.
func NewSession() *Session {
	return &Session{events: make(chan stt.Event, 64)}
}

// SendAudio implements stt.SessionHandle.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock stt: session is closed")
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.Audio = append(s.Audio, cp)
	return nil
}

// AudioChunks returns how many chunks SendAudio has received.
func (s *Session) AudioChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Audio)
}

// Events implements stt.SessionHandle.
func (s *Session) Events() <-chan stt.Event { return s.events }

// Close implements stt.SessionHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Emit injects an event into the session's stream. Emitting on a closed
// session is a no-op so scripted scenarios can race Close safely.
func (s *Session) Emit(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// Say is shorthand for a partial stream followed by a final and a silence
// timeout, the shape of one complete user utterance.
func (s *Session) Say(text string) {
	s.Emit(stt.Event{Type: stt.SpeechStarted})
	s.Emit(stt.Event{Type: stt.Partial, Text: text})
	s.Emit(stt.Event{Type: stt.Final, Text: text, Confidence: 0.99})
	s.Emit(stt.Event{Type: stt.SilenceTimeout})
}
