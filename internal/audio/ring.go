package audio

import (
	"sync"
	"time"
)

// ringBuffer is a bounded byte FIFO between a device callback and the
// capture loop. Writes never block; bytes that do not fit are dropped and
// counted.
type ringBuffer struct {
	mu       sync.Mutex
	buf      []byte
	readPos  int
	writePos int
	count    int
	dropped  int

	notify chan struct{}
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{
		buf:    make([]byte, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Write appends p and returns the number of bytes stored.
func (rb *ringBuffer) Write(p []byte) int {
	rb.mu.Lock()
	written := 0
	for written < len(p) && rb.count < len(rb.buf) {
		n := min(len(p)-written, len(rb.buf)-rb.count, len(rb.buf)-rb.writePos)
		copy(rb.buf[rb.writePos:rb.writePos+n], p[written:written+n])
		rb.writePos = (rb.writePos + n) % len(rb.buf)
		rb.count += n
		written += n
	}
	rb.dropped += len(p) - written
	rb.mu.Unlock()

	if written > 0 {
		select {
		case rb.notify <- struct{}{}:
		default:
		}
	}
	return written
}

// Read copies up to len(p) bytes, waiting at most timeout for data to
// arrive. It also returns how many bytes were dropped since the previous
// Read.
func (rb *ringBuffer) Read(p []byte, timeout time.Duration) (n, dropped int) {
	n, dropped = rb.tryRead(p)
	if n > 0 || len(p) == 0 {
		return n, dropped
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-rb.notify:
	case <-timer.C:
	}

	n, d := rb.tryRead(p)
	return n, dropped + d
}

func (rb *ringBuffer) tryRead(p []byte) (n, dropped int) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for n < len(p) && rb.count > 0 {
		c := min(len(p)-n, rb.count, len(rb.buf)-rb.readPos)
		copy(p[n:n+c], rb.buf[rb.readPos:rb.readPos+c])
		rb.readPos = (rb.readPos + c) % len(rb.buf)
		rb.count -= c
		n += c
	}

	dropped = rb.dropped
	rb.dropped = 0
	return n, dropped
}

// Reset discards all buffered bytes.
func (rb *ringBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.readPos, rb.writePos, rb.count, rb.dropped = 0, 0, 0, 0
}

// Available returns the number of buffered bytes.
func (rb *ringBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Capacity returns the buffer size in bytes.
func (rb *ringBuffer) Capacity() int {
	return len(rb.buf)
}
