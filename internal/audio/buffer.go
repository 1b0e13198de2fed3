package audio

import (
	"sync"
)

// RingBuffer is a fixed-size, thread-safe byte ring used to pace synthesized
// audio out to a client connection. When the ring is full, Write drops the
// overflow and reports how much was accepted; playback paths prefer dropping
// late audio over blocking the synthesis pump.
type RingBuffer struct {
	mu   sync.Mutex
	buf  []byte
	size int
	r, w int
	full bool
}

// NewRingBuffer creates a ring holding up to size bytes.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		buf:  make([]byte, size),
		size: size,
	}
}

// Write copies data into the ring and returns the number of bytes accepted,
// which may be less than len(data) when the ring fills.
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	written := 0
	for written < len(data) && !rb.full {
		n := copy(rb.buf[rb.w:rb.writableEnd()], data[written:])
		if n == 0 {
			break
		}
		rb.w = (rb.w + n) % rb.size
		written += n
		if rb.w == rb.r {
			rb.full = true
		}
	}
	return written
}

// Read copies up to len(data) bytes out of the ring and returns the count.
func (rb *RingBuffer) Read(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	read := 0
	for read < len(data) && (rb.full || rb.r != rb.w) {
		end := rb.size
		if rb.r < rb.w {
			end = rb.w
		}
		n := copy(data[read:], rb.buf[rb.r:end])
		if n == 0 {
			break
		}
		rb.r = (rb.r + n) % rb.size
		rb.full = false
		read += n
	}
	return read
}

// writableEnd returns the end of the contiguous writable region starting at
// the write cursor. Caller holds mu.
func (rb *RingBuffer) writableEnd() int {
	if rb.w < rb.r {
		return rb.r
	}
	return rb.size
}

// Available returns the number of bytes buffered for reading.
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.availableLocked()
}

func (rb *RingBuffer) availableLocked() int {
	if rb.full {
		return rb.size
	}
	if rb.w >= rb.r {
		return rb.w - rb.r
	}
	return rb.size - rb.r + rb.w
}

// Space returns the number of bytes that can be written without dropping.
func (rb *RingBuffer) Space() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size - rb.availableLocked()
}

// Clear discards all buffered data. Used when a speaking turn is cancelled.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.r = 0
	rb.w = 0
	rb.full = false
}

// IsEmpty reports whether no data is buffered.
func (rb *RingBuffer) IsEmpty() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return !rb.full && rb.r == rb.w
}
