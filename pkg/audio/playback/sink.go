// Package playback schedules decoded model audio for gapless output.
//
// A [Sink] abstracts the output device: it exposes a monotonic playback
// clock and plays buffers at requested clock times. A [Scheduler] sits on
// top and lines incoming audio chunks up back to back on that clock, so
// arbitrarily sized chunks play as one continuous stream.
package playback

import (
	"time"

	"github.com/verba-ai/verba/pkg/audio"
)

// Source is a handle to one buffer scheduled on a [Sink].
type Source interface {
	// Stop silences the source immediately. The completion callback passed
	// to Schedule still fires, exactly once.
	Stop()
}

// Sink is an output device that plays PCM buffers against its own monotonic
// clock.
//
// Implementations must be safe for concurrent use. The onEnded callback
// passed to Schedule fires exactly once per source, when it finishes playing
// or is stopped. It is never delivered synchronously from within Schedule,
// so callers may hold locks across Schedule that onEnded also takes.
type Sink interface {
	// Now returns the current reading of the playback clock. The clock
	// starts at zero when the sink is opened and only moves forward.
	Now() time.Duration

	// Schedule queues buf to begin playing at start on the sink clock.
	// A start time already in the past begins playback immediately.
	Schedule(buf audio.Buffer, start time.Duration, onEnded func()) (Source, error)

	// Close stops all playback and releases the output device.
	Close() error
}

// Opener acquires an output [Sink] at a given sample rate.
type Opener interface {
	Open(sampleRate int) (Sink, error)
}
