// Package audio defines the PCM sample types shared by the capture and
// playback pipelines, together with the stateless codec helpers that move
// samples between their in-memory, wire, and playable representations.
//
// All audio in this project is 16-bit little-endian PCM. The microphone side
// runs at [CaptureRate] in fixed frames of [FrameSamples] samples; the model
// side produces audio at [PlaybackRate]. Both are mono.
package audio

import "time"

const (
	// CaptureRate is the sample rate of microphone input in Hz.
	CaptureRate = 16000

	// PlaybackRate is the sample rate of model output audio in Hz.
	PlaybackRate = 24000

	// FrameSamples is the number of samples in one capture frame.
	// At CaptureRate this is 128 ms of audio.
	FrameSamples = 2048
)

// Frame is one fixed-size buffer of mono PCM samples read from the
// microphone. Frames are immutable once produced: consumers must not
// modify Samples.
type Frame struct {
	// Samples holds exactly FrameSamples mono samples at CaptureRate.
	Samples []int16

	// Level is the RMS loudness of the frame, normalized to [0, 1].
	Level float64

	// Timestamp is the capture time of the frame's first sample,
	// relative to the start of the recording.
	Timestamp time.Duration
}

// Duration returns the play time of the frame.
func (f Frame) Duration() time.Duration {
	return samplesDuration(len(f.Samples), CaptureRate, 1)
}

// Buffer is a decoded block of PCM audio ready for playback scheduling.
type Buffer struct {
	// Samples holds interleaved PCM samples.
	Samples []int16

	// Rate is the sample rate in Hz.
	Rate int

	// Channels is the channel count. Model output is mono.
	Channels int
}

// Duration returns the play time of the buffer.
func (b Buffer) Duration() time.Duration {
	return samplesDuration(len(b.Samples), b.Rate, b.Channels)
}

// samplesDuration converts a sample count to wall-clock play time.
func samplesDuration(samples, rate, channels int) time.Duration {
	if rate <= 0 || channels <= 0 {
		return 0
	}
	frames := samples / channels
	return time.Duration(frames) * time.Second / time.Duration(rate)
}
