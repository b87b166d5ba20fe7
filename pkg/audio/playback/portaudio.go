package playback

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/verba-ai/verba/pkg/audio"
)

// sinkFramesPerBuffer is the render callback granularity. At 24 kHz this is
// just over 21 ms per callback.
const sinkFramesPerBuffer = 512

// Compile-time assertions for the PortAudio-backed implementations.
var (
	_ Opener = (*PortAudioOpener)(nil)
	_ Sink   = (*PortAudioSink)(nil)
	_ Source = (*paSource)(nil)
)

// PortAudioOpener opens [PortAudioSink] instances on a host output device.
type PortAudioOpener struct {
	name string
}

// NewPortAudioOpener returns an opener. A non-empty deviceName selects the
// first output device whose name contains it (case-insensitive); an empty
// name selects the host default.
func NewPortAudioOpener(deviceName string) *PortAudioOpener {
	return &PortAudioOpener{name: deviceName}
}

// Open implements [Opener]. The sink renders mono.
func (o *PortAudioOpener) Open(sampleRate int) (Sink, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("playback: initialize: %w", err)
	}
	dev, err := o.outputDevice()
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}

	params := portaudio.LowLatencyParameters(nil, dev)
	params.Output.Channels = 1
	params.SampleRate = float64(sampleRate)
	params.FramesPerBuffer = sinkFramesPerBuffer

	s := &PortAudioSink{
		rate: sampleRate,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	stream, err := portaudio.OpenStream(params, s.render)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("playback: open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("playback: start stream: %w", err)
	}
	s.stream = stream
	go s.dispatch()
	return s, nil
}

func (o *PortAudioOpener) outputDevice() (*portaudio.DeviceInfo, error) {
	if o.name == "" {
		dev, err := portaudio.DefaultOutputDevice()
		if err != nil {
			return nil, fmt.Errorf("playback: default output: %w", err)
		}
		return dev, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("playback: list devices: %w", err)
	}
	want := strings.ToLower(o.name)
	for _, dev := range devices {
		if dev.MaxOutputChannels > 0 && strings.Contains(strings.ToLower(dev.Name), want) {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("playback: no output device matching %q", o.name)
}

// PortAudioSink mixes scheduled mono buffers into a PortAudio callback
// stream. The playback clock counts samples rendered since Open, so it
// advances in lockstep with the hardware.
type PortAudioSink struct {
	stream *portaudio.Stream
	rate   int
	wake   chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	clock   int64
	active  []*paSource
	pending []func()
	closed  bool
}

// paSource is one scheduled buffer. All fields after construction are
// guarded by the sink mutex.
type paSource struct {
	sink    *PortAudioSink
	buf     audio.Buffer
	startAt int64
	offset  int
	onEnded func()
	retired bool
}

// Now implements [Sink].
func (s *PortAudioSink) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.clock) * time.Second / time.Duration(s.rate)
}

// Schedule implements [Sink]. The buffer's rate must match the rate the
// sink was opened with; the sink does not resample.
func (s *PortAudioSink) Schedule(buf audio.Buffer, start time.Duration, onEnded func()) (Source, error) {
	if buf.Rate != s.rate {
		return nil, fmt.Errorf("playback: buffer rate %d does not match sink rate %d", buf.Rate, s.rate)
	}
	if buf.Channels != 1 {
		return nil, fmt.Errorf("playback: sink renders mono, got %d channels", buf.Channels)
	}
	startAt := int64(start) * int64(s.rate) / int64(time.Second)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("playback: sink closed")
	}
	src := &paSource{sink: s, buf: buf, startAt: startAt, onEnded: onEnded}
	s.active = append(s.active, src)
	return src, nil
}

// Close implements [Sink]. Sources still in flight are retired and their
// completion callbacks fire before the dispatcher exits.
func (s *PortAudioSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, src := range s.active {
		src.retired = true
		s.pending = append(s.pending, src.onEnded)
	}
	s.active = nil
	s.mu.Unlock()

	err := s.stream.Abort()
	if cerr := s.stream.Close(); err == nil {
		err = cerr
	}
	close(s.done)
	if terr := portaudio.Terminate(); err == nil {
		err = terr
	}
	return err
}

// Stop implements [Source].
func (src *paSource) Stop() {
	s := src.sink
	s.mu.Lock()
	if src.retired {
		s.mu.Unlock()
		return
	}
	src.retired = true
	for i, a := range s.active {
		if a == src {
			s.active = append(s.active[:i], s.active[i+1:]...)
			break
		}
	}
	s.pending = append(s.pending, src.onEnded)
	s.mu.Unlock()
	s.nudge()
}

// render is the PortAudio callback. It mixes every due source into out,
// advances the clock, and queues completion callbacks for the dispatcher.
func (s *PortAudioSink) render(out []int16) {
	for i := range out {
		out[i] = 0
	}

	s.mu.Lock()
	start := s.clock
	s.clock += int64(len(out))

	remaining := s.active[:0]
	finished := 0
	for _, src := range s.active {
		if mixSource(out, start, src) {
			src.retired = true
			s.pending = append(s.pending, src.onEnded)
			finished++
		} else {
			remaining = append(remaining, src)
		}
	}
	s.active = remaining
	s.mu.Unlock()

	if finished > 0 {
		s.nudge()
	}
}

// mixSource adds src's due samples into out and reports whether the source
// has played to completion. A source whose start time has already passed
// plays immediately rather than skipping content.
func mixSource(out []int16, clockStart int64, src *paSource) bool {
	samples := src.buf.Samples
	if src.offset >= len(samples) {
		return true
	}

	pos := src.startAt + int64(src.offset)
	outIdx := 0
	if pos > clockStart {
		if pos >= clockStart+int64(len(out)) {
			return false
		}
		outIdx = int(pos - clockStart)
	}

	n := len(out) - outIdx
	if rem := len(samples) - src.offset; n > rem {
		n = rem
	}
	for i := range n {
		v := int32(out[outIdx+i]) + int32(samples[src.offset+i])
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[outIdx+i] = int16(v)
	}
	src.offset += n
	return src.offset >= len(samples)
}

// dispatch delivers queued completion callbacks off the audio thread.
func (s *PortAudioSink) dispatch() {
	for {
		select {
		case <-s.wake:
			s.drainPending()
		case <-s.done:
			s.drainPending()
			return
		}
	}
}

func (s *PortAudioSink) drainPending() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		fns := s.pending
		s.pending = nil
		s.mu.Unlock()
		for _, fn := range fns {
			if fn != nil {
				fn()
			}
		}
	}
}

func (s *PortAudioSink) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
