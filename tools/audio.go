package tools

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// DefaultChunkDuration is the capture chunk size the relay expects.
const DefaultChunkDuration = 100 * time.Millisecond

// Chunker re-slices arbitrarily sized capture blocks into fixed-size chunks.
// Samples that do not fill a chunk stay buffered until the next Write.
type Chunker struct {
	mu     sync.Mutex
	buffer []float32
	size   int
}

func NewChunker(sampleRate int, chunk time.Duration) (*Chunker, error) {
	size := FrameSamples(chunk, sampleRate, 1)
	if size <= 0 {
		return nil, fmt.Errorf("chunk of %s at %d Hz holds no samples", chunk, sampleRate)
	}
	return &Chunker{
		buffer: make([]float32, 0, size*2),
		size:   size,
	}, nil
}

// ChunkSize is the number of samples in every emitted chunk.
func (c *Chunker) ChunkSize() int {
	return c.size
}

// Write appends block and returns every chunk that is now complete, in order.
func (c *Chunker) Write(block []float32) [][]float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer = append(c.buffer, block...)
	var chunks [][]float32
	for len(c.buffer) >= c.size {
		chunk := make([]float32, c.size)
		copy(chunk, c.buffer[:c.size])
		chunks = append(chunks, chunk)
		c.buffer = c.buffer[c.size:]
	}
	// compact so the backing array does not grow without bound
	if len(c.buffer) > 0 && cap(c.buffer) > c.size*4 {
		c.buffer = append(make([]float32, 0, c.size*2), c.buffer...)
	}
	return chunks
}

func (c *Chunker) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// Flush returns the buffered remainder, if any, and empties the buffer.
func (c *Chunker) Flush() []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffer) == 0 {
		return nil
	}
	out := make([]float32, len(c.buffer))
	copy(out, c.buffer)
	c.buffer = c.buffer[:0]
	return out
}

// Reset drops the buffered remainder.
func (c *Chunker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer = c.buffer[:0]
}

// EncodePCM16 converts float samples in [-1, 1] to little-endian PCM16 and
// base64 encodes the result. Out of range samples are clipped.
func EncodePCM16(samples []float32) string {
	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(floatToPCM16(s)))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func floatToPCM16(s float32) int16 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7FFF)
}

// DecodePCM16 is the inverse of EncodePCM16 at the byte level.
func DecodePCM16(b64 string) ([]int16, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 audio: %w", err)
	}
	if len(raw)%2 != 0 {
		return nil, errors.New("odd number of bytes in PCM16 payload")
	}
	out := make([]int16, len(raw)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return out, nil
}

// PCM16Bytes returns the decoded byte length of a base64 payload without
// decoding it.
func PCM16Bytes(b64 string) int {
	n := len(b64)
	if n == 0 || n%4 != 0 {
		return base64.StdEncoding.DecodedLen(n)
	}
	pad := len(b64) - len(strings.TrimRight(b64, "="))
	return n/4*3 - pad
}
