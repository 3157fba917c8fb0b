package audio

import "sync/atomic"

// DefaultRingCapacity is the ring size used when none is configured. It
// absorbs roughly one second of scheduling jitter at 16 kHz.
const DefaultRingCapacity = 16384

// RingBuffer is a fixed-capacity single-producer/single-consumer sample
// queue between a device callback and a processing goroutine.
//
// Push is called only by the producer and PopInto/Reset only by the
// consumer. Neither locks, blocks or allocates. When the buffer is full,
// Push discards the excess rather than overwriting unread samples.
type RingBuffer struct {
	buf []float32

	// head is the next index to read, tail the next index to write. Both only
	// increase; positions are taken modulo len(buf).
	head atomic.Uint64
	tail atomic.Uint64

	dropped atomic.Uint64
}

// NewRingBuffer allocates a ring that holds up to capacity samples.
// A non-positive capacity selects [DefaultRingCapacity].
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &RingBuffer{buf: make([]float32, capacity)}
}

// Push appends as many samples as fit and returns how many were accepted.
// Samples that do not fit are counted in [RingBuffer.Dropped].
func (r *RingBuffer) Push(samples []float32) int {
	tail := r.tail.Load()
	head := r.head.Load()
	free := uint64(len(r.buf)) - (tail - head)

	n := uint64(len(samples))
	if n > free {
		r.dropped.Add(n - free)
		n = free
	}
	if n == 0 {
		return 0
	}

	start := int(tail % uint64(len(r.buf)))
	first := copy(r.buf[start:], samples[:n])
	copy(r.buf, samples[first:n])

	r.tail.Store(tail + n)
	return int(n)
}

// PopInto moves up to len(dst) queued samples into dst and returns the
// count. It returns 0 immediately when the ring is empty.
func (r *RingBuffer) PopInto(dst []float32) int {
	head := r.head.Load()
	tail := r.tail.Load()

	n := min(tail-head, uint64(len(dst)))
	if n == 0 {
		return 0
	}

	start := int(head % uint64(len(r.buf)))
	first := copy(dst[:n], r.buf[start:])
	copy(dst[first:n], r.buf)

	r.head.Store(head + n)
	return int(n)
}

// Discard counts n samples lost before they reached the ring, so that
// [RingBuffer.Dropped] covers every loss on the producer side.
func (r *RingBuffer) Discard(n int) {
	if n > 0 {
		r.dropped.Add(uint64(n))
	}
}

// Len returns the number of samples currently queued.
func (r *RingBuffer) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Cap returns the fixed capacity.
func (r *RingBuffer) Cap() int { return len(r.buf) }

// Dropped returns the total number of samples discarded by Push and Discard.
func (r *RingBuffer) Dropped() uint64 { return r.dropped.Load() }

// Reset discards everything queued. Consumer side only.
func (r *RingBuffer) Reset() {
	r.head.Store(r.tail.Load())
}
