package session

import (
	"bytes"
	"strings"
	"sync"
	"unicode/utf8"
)

// DefaultBufferLimit is the per-session output cap.
const DefaultBufferLimit = 10 * 1024 * 1024

// Buffer holds a session's recent output as a list of chunks capped at a
// byte limit. Whole chunks are evicted from the front; a chunk is never
// split unless it alone exceeds the limit.
type Buffer struct {
	mu      sync.RWMutex
	chunks  [][]byte
	size    int
	limit   int
	written int64
	cols    int
	rows    int
}

func NewBuffer(limit int) *Buffer {
	if limit <= 0 {
		limit = DefaultBufferLimit
	}
	return &Buffer{limit: limit, cols: DefaultCols, rows: DefaultRows}
}

// Write appends a copy of p. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.written += int64(n)

	if n > b.limit {
		p = p[n-b.limit:]
		for len(p) > 0 && !utf8.RuneStart(p[0]) {
			p = p[1:]
		}
		b.chunks = b.chunks[:0]
		b.size = 0
	}

	for len(b.chunks) > 0 && b.size+len(p) > b.limit {
		b.size -= len(b.chunks[0])
		b.chunks[0] = nil
		b.chunks = b.chunks[1:]
	}

	chunk := make([]byte, len(p))
	copy(chunk, p)
	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)
	return n, nil
}

// Content returns the last lines lines of output. A trailing newline ends
// the final line rather than starting an empty one. lines <= 0, or more
// lines than are held, returns everything.
func (b *Buffer) Content(lines int) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if lines <= 0 {
		return b.joinFrom(0, 0)
	}

	remaining := lines
	last := true
	for ci := len(b.chunks) - 1; ci >= 0; ci-- {
		c := b.chunks[ci]
		for i := len(c) - 1; i >= 0; i-- {
			if c[i] != '\n' {
				last = false
				continue
			}
			if last {
				last = false
				continue
			}
			remaining--
			if remaining == 0 {
				return b.joinFrom(ci, i+1)
			}
		}
	}
	return b.joinFrom(0, 0)
}

func (b *Buffer) joinFrom(chunk, offset int) string {
	var sb strings.Builder
	n := 0
	for ci := chunk; ci < len(b.chunks); ci++ {
		n += len(b.chunks[ci])
	}
	sb.Grow(n - offset)
	for ci := chunk; ci < len(b.chunks); ci++ {
		c := b.chunks[ci]
		if ci == chunk {
			c = c[offset:]
		}
		sb.Write(c)
	}
	return sb.String()
}

// Bytes returns a copy of everything held.
func (b *Buffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return bytes.Join(b.chunks, nil)
}

// Since returns output written after the absolute offset off, and the offset
// to pass next time. Output that was already evicted is skipped.
func (b *Buffer) Since(off int64) ([]byte, int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	start := b.written - int64(b.size)
	if off < start {
		off = start
	}
	if off >= b.written {
		return nil, b.written
	}

	skip := int(off - start)
	out := make([]byte, 0, int(b.written-off))
	for _, c := range b.chunks {
		if skip >= len(c) {
			skip -= len(c)
			continue
		}
		out = append(out, c[skip:]...)
		skip = 0
	}
	return out, b.written
}

// Len is the number of bytes currently held.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Written is the total number of bytes ever written, evicted ones included.
func (b *Buffer) Written() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.written
}

// Resize records the terminal size. Buffered content is not reflowed.
func (b *Buffer) Resize(cols, rows int) {
	b.mu.Lock()
	b.cols, b.rows = cols, rows
	b.mu.Unlock()
}

func (b *Buffer) Size() (cols, rows int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cols, b.rows
}
