// Package framebuf implements the bounded frame store between a transport
// reader goroutine and the consumer tick.
//
// A Buffer holds at most Capacity frames of at most FrameSize bytes each. All
// storage is allocated up front. When the buffer is full, Give overwrites the
// oldest unread frame and counts a drop, so a slow consumer sees bounded
// staleness rather than unbounded growth. Neither side ever blocks beyond the
// short critical section guarding the cursors.
package framebuf

import (
	"fmt"
	"sync"
)

// Frame is one captured payload and its capture time in monotonic
// milliseconds since the owning session started.
type Frame struct {
	Data        []byte
	TimestampMs int64
}

// Stats is a point-in-time copy of the buffer counters.
type Stats struct {
	Capacity  int    `json:"capacity"`
	FrameSize int    `json:"frame_size"`
	Buffered  int    `json:"buffered"`
	Given     uint64 `json:"given"`
	Taken     uint64 `json:"taken"`
	Dropped   uint64 `json:"dropped"`
	Truncated uint64 `json:"truncated"`
}

// Buffer is a fixed-capacity ring of fixed-size frames.
type Buffer struct {
	capacity  int
	frameSize int

	mu         sync.Mutex
	data       []byte
	lengths    []int
	timestamps []int64
	write      int
	read       int
	full       bool

	given     uint64
	taken     uint64
	dropped   uint64
	truncated uint64
}

// New allocates a buffer of capacity frames, each frameSize bytes.
func New(capacity, frameSize int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %d", capacity)
	}
	if frameSize <= 0 {
		return nil, fmt.Errorf("frame size must be positive, got %d", frameSize)
	}
	return &Buffer{
		capacity:   capacity,
		frameSize:  frameSize,
		data:       make([]byte, capacity*frameSize),
		lengths:    make([]int, capacity),
		timestamps: make([]int64, capacity),
	}, nil
}

// Capacity returns the number of frames the buffer retains.
func (b *Buffer) Capacity() int { return b.capacity }

// FrameSize returns the maximum payload of one frame.
func (b *Buffer) FrameSize() int { return b.frameSize }

func (b *Buffer) slot(i int) []byte {
	return b.data[i*b.frameSize : (i+1)*b.frameSize]
}

// Give copies frame into the buffer. Payloads longer than FrameSize are
// truncated. If the buffer is full the oldest frame is overwritten.
func (b *Buffer) Give(frame []byte, timestampMs int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(frame) > b.frameSize {
		frame = frame[:b.frameSize]
		b.truncated++
	}
	n := copy(b.slot(b.write), frame)
	b.lengths[b.write] = n
	b.timestamps[b.write] = timestampMs
	b.given++

	if b.full {
		// oldest frame lived at the write cursor; step the reader past it
		b.read = (b.read + 1) % b.capacity
		b.dropped++
	}
	b.write = (b.write + 1) % b.capacity
	b.full = b.write == b.read
}

// TakeInto copies the oldest frame into dst and removes it. It returns the
// number of bytes copied, the capture timestamp and whether a frame was
// available. dst shorter than the frame receives a prefix.
func (b *Buffer) TakeInto(dst []byte) (n int, timestampMs int64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full && b.read == b.write {
		return 0, 0, false
	}
	n = copy(dst, b.slot(b.read)[:b.lengths[b.read]])
	timestampMs = b.timestamps[b.read]
	b.read = (b.read + 1) % b.capacity
	b.full = false
	b.taken++
	return n, timestampMs, true
}

// Take removes and returns the oldest frame as a fresh copy.
func (b *Buffer) Take() (Frame, bool) {
	dst := make([]byte, b.frameSize)
	n, ts, ok := b.TakeInto(dst)
	if !ok {
		return Frame{}, false
	}
	return Frame{Data: dst[:n], TimestampMs: ts}, true
}

// Len returns the number of unread frames.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lenLocked()
}

func (b *Buffer) lenLocked() int {
	if b.full {
		return b.capacity
	}
	return (b.write - b.read + b.capacity) % b.capacity
}

// Clear discards every buffered frame. Counters are kept.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.read = b.write
	b.full = false
}

// Stats returns a snapshot of the buffer counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Capacity:  b.capacity,
		FrameSize: b.frameSize,
		Buffered:  b.lenLocked(),
		Given:     b.given,
		Taken:     b.taken,
		Dropped:   b.dropped,
		Truncated: b.truncated,
	}
}
