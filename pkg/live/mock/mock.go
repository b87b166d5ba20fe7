// Package mock provides in-memory mock implementations of the [live.Provider]
// and [live.Session] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values. The zero value of each mock
// is ready to use.
//
// Typical usage:
//
//	sess := &mock.Session{}
//	provider := &mock.Provider{ConnectResult: sess}
//	// ... start the code under test ...
//	sess.Emit(live.AudioChunk{Data: pcm})
//	sess.Finish(nil)
package mock

import (
	"context"
	"sync"

	"github.com/verba-ai/verba/pkg/live"
)

var (
	_ live.Session  = (*Session)(nil)
	_ live.Provider = (*Provider)(nil)
)

// ─── Session ──────────────────────────────────────────────────────────────────

// Session is a mock implementation of [live.Session].
// Set the exported Result fields before use; inspect the recorded fields after.
// Drive the event stream from the test with [Session.Emit] and [Session.Finish].
type Session struct {
	mu sync.Mutex

	// SendAudioError is returned by [Session.SendAudio].
	SendAudioError error

	// CloseError is returned by [Session.Close].
	CloseError error

	// ErrResult is returned by [Session.Err].
	ErrResult error

	// SentAudio records a copy of every frame passed to SendAudio, in order.
	SentAudio [][]byte

	// CallCountClose records how many times Close was called.
	CallCountClose int

	events   chan live.Event
	finished bool
}

// eventsLocked lazily creates the event channel. Callers must hold mu.
func (s *Session) eventsLocked() chan live.Event {
	if s.events == nil {
		s.events = make(chan live.Event, 64)
	}
	return s.events
}

// SendAudio implements [live.Session]. Records a copy of pcm and returns
// SendAudioError.
func (s *Session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	s.SentAudio = append(s.SentAudio, buf)
	return s.SendAudioError
}

// Sent returns a snapshot of the frames recorded by SendAudio. Unlike
// reading SentAudio directly it is safe while the session is in use.
func (s *Session) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.SentAudio))
	copy(out, s.SentAudio)
	return out
}

// Events implements [live.Session].
func (s *Session) Events() <-chan live.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventsLocked()
}

// Err implements [live.Session]. Returns ErrResult.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrResult
}

// Close implements [live.Session]. Records the call and returns CloseError.
// Unlike a real session it does not finish the event stream; tests that need
// the terminal [live.Closed] event call [Session.Finish] explicitly.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return s.CloseError
}

// Emit delivers ev on the session's event stream. Events emitted after
// [Session.Finish] are dropped.
func (s *Session) Emit(ev live.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	select {
	case s.eventsLocked() <- ev:
	default:
	}
}

// Finish emits a final [live.Closed] event carrying err and closes the event
// stream, mirroring how a real session terminates. Safe to call more than once.
func (s *Session) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	if err != nil {
		s.ErrResult = err
	}
	ch := s.eventsLocked()
	select {
	case ch <- live.Closed{Err: err}:
	default:
	}
	close(ch)
}

// ─── Provider ─────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of a single [Provider.Connect] invocation.
type ConnectCall struct {
	// Config is the session configuration passed to Connect.
	Config live.SessionConfig
}

// Provider is a mock implementation of [live.Provider].
type Provider struct {
	mu sync.Mutex

	// ConnectResult is the [live.Session] returned by Connect.
	ConnectResult live.Session

	// ConnectError is the error returned by Connect.
	ConnectError error

	// ConnectCalls records all Connect invocations.
	ConnectCalls []ConnectCall
}

// Connect implements [live.Provider]. Records the call and returns
// ConnectResult / ConnectError.
func (p *Provider) Connect(_ context.Context, cfg live.SessionConfig) (live.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Config: cfg})
	return p.ConnectResult, p.ConnectError
}
