// Package ring provides the byte ring used by device backends to emulate an
// endpoint buffer between the streaming loop and an audio callback.
package ring

import "sync/atomic"

// Buffer is a lock-free single-producer, single-consumer byte ring.
//
// Two monotonically increasing counters track the total bytes written and
// read. The producer publishes its counter after copying, the consumer loads
// it before copying, so the consumer always sees complete data. Unlike a
// power-of-two ring the capacity is exact, because backends report the fill
// level as the endpoint padding.
//
// Write and Free belong to the producer; Read and Available to the consumer.
type Buffer struct {
	writePos atomic.Uint64
	_pad1    [56]byte
	readPos  atomic.Uint64
	_pad2    [56]byte

	buf []byte
}

// New creates a ring holding exactly size bytes.
func New(size int) *Buffer {
	return &Buffer{buf: make([]byte, size)}
}

// Cap returns the capacity in bytes.
func (b *Buffer) Cap() int { return len(b.buf) }

// Write copies as much of p as fits and returns the bytes copied.
func (b *Buffer) Write(p []byte) int {
	w := b.writePos.Load()
	r := b.readPos.Load()

	n := min(uint64(len(p)), uint64(len(b.buf))-(w-r))
	if n == 0 {
		return 0
	}
	b.copyIn(w, p[:n])
	b.writePos.Store(w + n)
	return int(n)
}

// Read copies up to len(p) buffered bytes into p and returns the count.
func (b *Buffer) Read(p []byte) int {
	r := b.readPos.Load()
	w := b.writePos.Load()

	n := min(uint64(len(p)), w-r)
	if n == 0 {
		return 0
	}
	b.copyOut(r, p[:n])
	b.readPos.Store(r + n)
	return int(n)
}

// Available returns the bytes ready to read.
func (b *Buffer) Available() int {
	return int(b.writePos.Load() - b.readPos.Load())
}

// Free returns the bytes that can be written without overrunning.
func (b *Buffer) Free() int {
	return len(b.buf) - b.Available()
}

// TotalRead returns the bytes consumed since creation or the last Reset.
func (b *Buffer) TotalRead() uint64 { return b.readPos.Load() }

// TotalWritten returns the bytes produced since creation or the last Reset.
func (b *Buffer) TotalWritten() uint64 { return b.writePos.Load() }

// Reset drops all buffered bytes. Neither side may be active.
func (b *Buffer) Reset() {
	b.readPos.Store(0)
	b.writePos.Store(0)
}

func (b *Buffer) copyIn(pos uint64, p []byte) {
	off := int(pos % uint64(len(b.buf)))
	n := copy(b.buf[off:], p)
	copy(b.buf, p[n:])
}

func (b *Buffer) copyOut(pos uint64, p []byte) {
	off := int(pos % uint64(len(b.buf)))
	n := copy(p, b.buf[off:])
	copy(p[n:], b.buf)
}
