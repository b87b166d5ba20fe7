package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/verba-ai/verba/pkg/audio"
)

// ErrClosed is returned by [Scheduler.Play] after the scheduler is closed.
var ErrClosed = errors.New("playback: scheduler closed")

// Scheduler lines incoming audio chunks up gaplessly on a [Sink]'s clock.
//
// Each chunk is decoded and scheduled to start exactly when the previous one
// ends, or immediately if the stream has fallen behind the clock; the
// scheduler never places a chunk in the past. Every in-flight source is held
// in a registry so that an interruption can silence all of them at once.
type Scheduler struct {
	sink      Sink
	onPlaying func(bool)

	mu      sync.Mutex
	next    time.Duration
	sources map[uint64]Source
	lastID  uint64
	closed  bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPlayingFunc installs a callback invoked with true when playback starts
// and with false when the last in-flight source drains or is interrupted.
// The callback runs outside the scheduler's lock and may call back into it.
func WithPlayingFunc(fn func(bool)) Option {
	return func(s *Scheduler) { s.onPlaying = fn }
}

// NewScheduler returns a Scheduler feeding sink.
func NewScheduler(sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:    sink,
		sources: make(map[uint64]Source),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Play decodes one PCM chunk and schedules it after everything already
// queued. A chunk that fails to decode or schedule is dropped; the returned
// error reports the drop and playback of other chunks is unaffected.
func (s *Scheduler) Play(chunk []byte) error {
	buf, err := audio.DecodeBuffer(chunk, audio.PlaybackRate, 1)
	if err != nil {
		return fmt.Errorf("playback: decode chunk: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if now := s.sink.Now(); s.next < now {
		s.next = now
	}
	s.lastID++
	id := s.lastID
	src, err := s.sink.Schedule(buf, s.next, func() { s.sourceEnded(id) })
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("playback: schedule chunk: %w", err)
	}
	s.sources[id] = src
	s.next += buf.Duration()
	first := len(s.sources) == 1
	s.mu.Unlock()

	if first {
		s.notify(true)
	}
	return nil
}

// Interrupt stops every in-flight source, clears the registry, and rewinds
// the schedule to the sink's current clock so the next chunk plays
// immediately instead of after audio that was just discarded.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	stopped := make([]Source, 0, len(s.sources))
	for _, src := range s.sources {
		stopped = append(stopped, src)
	}
	s.sources = make(map[uint64]Source)
	s.next = s.sink.Now()
	s.mu.Unlock()

	for _, src := range stopped {
		src.Stop()
	}
	if len(stopped) > 0 {
		s.notify(false)
	}
}

// Playing reports whether any source is still in flight.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sources) > 0
}

// Close interrupts playback and rejects further chunks. It does not close
// the underlying sink, which outlives the scheduler. Close is idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.Interrupt()
	return nil
}

// sourceEnded retires one source. Sources already cleared by Interrupt are
// ignored, so each registry slot is removed exactly once.
func (s *Scheduler) sourceEnded(id uint64) {
	s.mu.Lock()
	if _, ok := s.sources[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sources, id)
	drained := len(s.sources) == 0
	s.mu.Unlock()

	if drained {
		s.notify(false)
	}
}

func (s *Scheduler) notify(playing bool) {
	if s.onPlaying != nil {
		s.onPlaying(playing)
	}
}
