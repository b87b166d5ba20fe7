// Package capture implements the microphone front end. A [Recorder] owns an
// input [Device], reads fixed-size PCM frames from it on a dedicated
// goroutine, tags every frame with its RMS loudness, and hands the frames to
// a consumer callback in capture order.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/verba-ai/verba/pkg/audio"
)

// ErrDeviceUnavailable indicates that the input device could not be acquired
// or initialised. Device implementations wrap it so callers can distinguish
// hardware problems from other failures with [errors.Is].
var ErrDeviceUnavailable = errors.New("capture: device unavailable")

// ErrAlreadyStarted is returned by [Recorder.Start] when capture is running.
var ErrAlreadyStarted = errors.New("capture: already started")

// Stream is an open microphone stream delivering PCM samples.
// Implementations must allow Close to be called while Read is blocked;
// the pending Read then returns an error.
type Stream interface {
	// Read fills buf with the next full buffer of samples, blocking until
	// the hardware delivers them.
	Read(buf []int16) error
	// Close stops the stream and releases the device.
	Close() error
}

// Device opens microphone streams at a fixed sample rate and frame size.
type Device interface {
	Open(sampleRate, frameSize int) (Stream, error)
}

// Recorder reads frames from a [Device] and forwards them to a callback.
//
// The callback runs on the capture goroutine and must not block: slow
// consumers should hand frames off to a buffered channel and drop on
// overflow rather than stall the device. Frames observed after [Recorder.Stop]
// are dropped, never queued.
type Recorder struct {
	dev     Device
	onFrame func(audio.Frame)

	mu     sync.Mutex
	stream Stream
	done   chan struct{}
	active bool
}

// New returns a Recorder that forwards frames from dev to onFrame.
func New(dev Device, onFrame func(audio.Frame)) *Recorder {
	return &Recorder{dev: dev, onFrame: onFrame}
}

// Start acquires the device and begins forwarding frames. It returns
// [ErrAlreadyStarted] if capture is already running. A Recorder may be
// started again after [Recorder.Stop].
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active {
		return ErrAlreadyStarted
	}
	stream, err := r.dev.Open(audio.CaptureRate, audio.FrameSamples)
	if err != nil {
		return fmt.Errorf("capture: open device: %w", err)
	}

	done := make(chan struct{})
	r.stream = stream
	r.done = done
	r.active = true
	go r.loop(stream, done)
	return nil
}

// Stop halts capture and releases the device. Calling Stop on a recorder
// that is not running is a no-op, so Stop is safe to call multiple times
// and before Start.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return
	}
	r.active = false
	close(r.done)
	stream := r.stream
	r.stream = nil
	r.mu.Unlock()

	if err := stream.Close(); err != nil {
		slog.Warn("capture: close stream", "error", err)
	}
}

// loop reads frames until the stream fails or the recorder is stopped.
func (r *Recorder) loop(stream Stream, done chan struct{}) {
	buf := make([]int16, audio.FrameSamples)
	var elapsed time.Duration
	for {
		if err := stream.Read(buf); err != nil {
			select {
			case <-done:
				// Stopped; the read failure is the stream closing.
			default:
				slog.Warn("capture: stream read failed, capture halted", "error", err)
			}
			return
		}

		// A frame that raced with Stop is dropped, not forwarded.
		select {
		case <-done:
			return
		default:
		}

		samples := make([]int16, len(buf))
		copy(samples, buf)
		frame := audio.Frame{
			Samples:   samples,
			Level:     audio.Level(samples),
			Timestamp: elapsed,
		}
		elapsed += frame.Duration()
		r.onFrame(frame)
	}
}
