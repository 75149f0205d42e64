package audio

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/skypro1111/live-interpreter/internal/protocol"
)

// BytesToSamples decodes little-endian PCM16. A trailing odd byte is ignored.
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/protocol.BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// SamplesToBytes encodes samples as little-endian PCM16
func SamplesToBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*protocol.BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

// Duration returns the playback length of n PCM16 mono bytes at sampleRate
func Duration(n int, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := n / protocol.BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// FrameSize returns the byte size of a PCM16 mono frame of duration d
func FrameSize(sampleRate int, d time.Duration) int {
	samples := int(int64(sampleRate) * int64(d) / int64(time.Second))
	return samples * protocol.BytesPerSample
}

// RMS returns the root-mean-square amplitude of samples
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	return math.Sqrt(energy / float64(len(samples)))
}
