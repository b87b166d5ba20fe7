package capture

import (
	"fmt"
	"strings"

	"github.com/gordonklaus/portaudio"
)

// Compile-time assertion that PortAudio satisfies the Device interface.
var _ Device = (*PortAudio)(nil)

// PortAudio is a [Device] backed by the host's PortAudio input devices.
type PortAudio struct {
	name string
}

// NewPortAudio returns a PortAudio device. A non-empty deviceName selects
// the first input device whose name contains it (case-insensitive); an empty
// name selects the host default.
func NewPortAudio(deviceName string) *PortAudio {
	return &PortAudio{name: deviceName}
}

// Open implements [Device]. The returned stream is mono.
func (p *PortAudio) Open(sampleRate, frameSize int) (Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialize: %v", ErrDeviceUnavailable, err)
	}
	dev, err := p.inputDevice()
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(sampleRate)
	params.FramesPerBuffer = frameSize

	buf := make([]int16, frameSize)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: open stream: %v", ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: start stream: %v", ErrDeviceUnavailable, err)
	}
	return &paStream{stream: stream, buf: buf}, nil
}

// inputDevice resolves the configured device name to a PortAudio device.
func (p *PortAudio) inputDevice() (*portaudio.DeviceInfo, error) {
	if p.name == "" {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: default input: %v", ErrDeviceUnavailable, err)
		}
		return dev, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: list devices: %v", ErrDeviceUnavailable, err)
	}
	want := strings.ToLower(p.name)
	for _, dev := range devices {
		if dev.MaxInputChannels > 0 && strings.Contains(strings.ToLower(dev.Name), want) {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("%w: no input device matching %q", ErrDeviceUnavailable, p.name)
}

// paStream adapts a blocking PortAudio stream to the [Stream] interface.
type paStream struct {
	stream *portaudio.Stream
	buf    []int16
}

func (s *paStream) Read(buf []int16) error {
	if err := s.stream.Read(); err != nil {
		return err
	}
	copy(buf, s.buf)
	return nil
}

// Close aborts the stream so a blocked Read returns promptly, then releases
// the device and the PortAudio host.
func (s *paStream) Close() error {
	err := s.stream.Abort()
	if cerr := s.stream.Close(); err == nil {
		err = cerr
	}
	if terr := portaudio.Terminate(); err == nil {
		err = terr
	}
	return err
}
