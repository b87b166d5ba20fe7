// Package live defines the duplex streaming session abstraction for
// realtime speech models: microphone audio flows up over one connection
// while model audio, transcripts, and turn boundaries flow back as a typed
// event stream.
package live

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by [Session.SendAudio] after the session has
// been closed.
var ErrSessionClosed = errors.New("live: session closed")

// ErrConnection marks transport-level failures: a dial that could not reach
// the service, or an established stream dropping without a clean close. The
// wrapped chain carries the underlying cause.
var ErrConnection = errors.New("live: connection failed")

// State describes where a session-owning component is in its lifecycle.
type State int32

const (
	// StateIdle means no session exists yet.
	StateIdle State = iota
	// StateConnecting means the connection and devices are being acquired.
	StateConnecting
	// StateOpen means the session is established and streaming.
	StateOpen
	// StateClosing means teardown is in progress.
	StateClosing
	// StateClosed means the session ended and all resources were released.
	StateClosed
	// StateError means the session failed terminally.
	StateError
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// SessionConfig carries the per-session parameters sent to the service.
type SessionConfig struct {
	// Model overrides the provider's default model when non-empty.
	Model string
	// Voice selects the service voice for audio output. Empty uses the
	// service default.
	Voice string
	// Instructions is the system prompt for the session.
	Instructions string
}

// Session is one established duplex stream.
//
// Implementations must be safe for concurrent use.
type Session interface {
	// SendAudio delivers one frame of little-endian PCM16 mono audio at the
	// capture rate. It returns [ErrSessionClosed] once the session is down.
	SendAudio(pcm []byte) error

	// Events returns the session's event stream. Events arrive in the order
	// the service produced them. The channel delivers a final [Closed] event
	// and is then closed when the session ends, for any reason.
	Events() <-chan Event

	// Err returns the terminal session error, if any. Sessions closed
	// locally or by a clean remote shutdown report nil.
	Err() error

	// Close tears the session down. It is idempotent and safe to call at
	// any time, including concurrently with SendAudio.
	Close() error
}

// Provider establishes live sessions against one service backend.
type Provider interface {
	// Connect dials the service and performs the session handshake. When it
	// returns a non-nil Session, the stream is open and ready for audio.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
