package audio

import (
	"encoding/base64"
	"fmt"
	"math"
)

// FloatToPCM16 converts normalized float samples to 16-bit PCM. Values are
// scaled by 32768 and saturate at the int16 range instead of wrapping, so
// +1.0 maps to 32767 and -1.0 to -32768.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := math.Round(float64(s) * 32768)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

// PCM16ToFloat converts 16-bit PCM samples to normalized floats in [-1, 1).
// The scaling is the exact inverse of [FloatToPCM16]: converting PCM to float
// and back reproduces every sample bit for bit.
func PCM16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}

// PCM16ToBytes packs int16 samples into little-endian PCM bytes.
func PCM16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// BytesToPCM16 unpacks little-endian PCM bytes into int16 samples. It returns
// an error if the byte count is odd, since that indicates a truncated or
// corrupt buffer.
func BytesToPCM16(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("audio: odd byte count %d in PCM data", len(data))
	}
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return out, nil
}

// EncodeChunk encodes raw PCM bytes as standard base64 for transport.
func EncodeChunk(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeChunk decodes a base64 transport chunk back into raw PCM bytes.
func DecodeChunk(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode chunk: %w", err)
	}
	return data, nil
}

// DecodeBuffer interprets raw little-endian PCM bytes as a playable [Buffer]
// at the given rate and channel count. It rejects empty data, odd byte
// counts, and non-positive formats.
func DecodeBuffer(data []byte, rate, channels int) (Buffer, error) {
	if rate <= 0 || channels <= 0 {
		return Buffer{}, fmt.Errorf("audio: invalid format %dHz %dch", rate, channels)
	}
	if len(data) == 0 {
		return Buffer{}, fmt.Errorf("audio: empty PCM data")
	}
	samples, err := BytesToPCM16(data)
	if err != nil {
		return Buffer{}, err
	}
	return Buffer{Samples: samples, Rate: rate, Channels: channels}, nil
}

// Level computes the RMS loudness of a block of PCM samples, normalized so
// that digital silence yields 0 and a full-scale square wave yields 1.
// An empty block yields 0.
func Level(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / 32768
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}
