package process

import (
	"strings"
	"sync"
	"time"
)

// OutputChunk is one piece of session output.
type OutputChunk struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    EventType `json:"stream"`
	Content   string    `json:"content"`
}

// OutputBuffer is a ring buffer holding the most recent output of a session.
type OutputBuffer struct {
	chunks []OutputChunk
	size   int
	head   int
	count  int
	bytes  map[EventType]int64
	mu     sync.RWMutex
}

// NewOutputBuffer creates a buffer retaining up to size chunks.
func NewOutputBuffer(size int) *OutputBuffer {
	if size < 1 {
		size = 1
	}
	return &OutputBuffer{
		chunks: make([]OutputChunk, size),
		size:   size,
		bytes:  make(map[EventType]int64),
	}
}

// Add appends a chunk, evicting the oldest when full.
func (b *OutputBuffer) Add(chunk OutputChunk) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := (b.head + b.count) % b.size
	if b.count < b.size {
		b.count++
	} else {
		b.head = (b.head + 1) % b.size
	}
	b.chunks[idx] = chunk
	b.bytes[chunk.Stream] += int64(len(chunk.Content))
}

// GetLast returns the last n chunks, oldest first.
func (b *OutputBuffer) GetLast(n int) []OutputChunk {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > b.count {
		n = b.count
	}
	result := make([]OutputChunk, n)
	start := b.count - n
	for i := 0; i < n; i++ {
		result[i] = b.chunks[(b.head+start+i)%b.size]
	}
	return result
}

// Tail concatenates the retained content of one stream.
func (b *OutputBuffer) Tail(stream EventType) string {
	var sb strings.Builder
	for _, c := range b.GetLast(b.Count()) {
		if c.Stream == stream {
			sb.WriteString(c.Content)
		}
	}
	return sb.String()
}

// Bytes returns the total bytes ever written to stream, evicted chunks included.
func (b *OutputBuffer) Bytes(stream EventType) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bytes[stream]
}

// Count returns the number of retained chunks.
func (b *OutputBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}
