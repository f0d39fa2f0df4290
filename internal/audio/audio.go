// Package audio carries microphone capture and PCM helpers for the live session.
package audio

import (
	"context"
	"encoding/binary"
	"math"
)

// Chunk is a block of little-endian 16-bit PCM.
type Chunk struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Source opens the capture device. Each Open is a scoped acquisition that
// ends with Stream.Close.
type Source interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream yields consecutive chunks until the context ends or the device fails.
type Stream interface {
	Read(ctx context.Context) (Chunk, error)
	Close() error
}

// Sink accepts ordered model audio for playback.
type Sink interface {
	Play(chunk Chunk)
}

// Level returns the RMS amplitude of 16-bit PCM normalized to 0.0-1.0.
func Level(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < samples; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(samples))
	if rms > 1 {
		return 1
	}
	return rms
}

// ChunkBytes is the byte size of one chunk of the given duration.
func ChunkBytes(sampleRate, channels, durationMS int) int {
	n := sampleRate * channels * 2 * durationMS / 1000
	if n%2 != 0 {
		n++
	}
	return n
}
