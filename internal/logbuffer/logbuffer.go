// Package logbuffer keeps the most recent output lines of a supervised process.
package logbuffer

import "sync"

// DefaultCapacity is the number of lines kept per supervised process
const DefaultCapacity = 20

// Buffer is a bounded FIFO of text lines. When full, the oldest line is
// dropped. It is written by the output pump and read concurrently by
// readiness polling and the Logs command.
type Buffer struct {
	mu    sync.RWMutex
	lines []string
	start int // index of the oldest line in lines
	count int
}

// New creates a buffer holding at most capacity lines
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{lines: make([]string, capacity)}
}

// Capacity returns the maximum number of lines kept
func (b *Buffer) Capacity() int {
	return len(b.lines)
}

// Append adds a line, evicting the oldest one when full
func (b *Buffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count < len(b.lines) {
		b.lines[(b.start+b.count)%len(b.lines)] = line
		b.count++
		return
	}
	b.lines[b.start] = line
	b.start = (b.start + 1) % len(b.lines)
}

// Len returns the number of lines currently held
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Last returns up to n most recent lines, oldest first.
// n <= 0 or n larger than what is held returns everything.
func (b *Buffer) Last(n int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || n > b.count {
		n = b.count
	}
	out := make([]string, n)
	offset := b.count - n
	for i := 0; i < n; i++ {
		out[i] = b.lines[(b.start+offset+i)%len(b.lines)]
	}
	return out
}

// Snapshot returns every held line, oldest first
func (b *Buffer) Snapshot() []string {
	return b.Last(0)
}

// Reset drops all lines
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.lines {
		b.lines[i] = ""
	}
	b.start = 0
	b.count = 0
}
