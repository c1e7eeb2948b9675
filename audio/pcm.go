package audio

import (
	"encoding/binary"
	"time"
)

// Discord delivers 48 kHz stereo; after Opus decoding every frame is two
// little-endian int16 samples.
const (
	SampleRate     = 48000
	Channels       = 2
	BytesPerFrame  = Channels * 2
	BytesPerSecond = SampleRate * BytesPerFrame

	// FrameSamples is the per-channel sample count of a 20 ms Opus packet.
	FrameSamples = 960
)

// Seconds is the duration in seconds of n bytes of stereo PCM.
func Seconds(n int) float64 {
	return float64(n) / SampleRate / BytesPerFrame
}

func Duration(n int) time.Duration {
	return time.Duration(float64(time.Second) * Seconds(n))
}

func Int16ToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
