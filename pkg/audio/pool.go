package audio

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceExhausted is returned by [Pool.Acquire] when every frame of
	// the pool is outstanding. Callers drop the unit of work instead of
	// waiting.
	ErrResourceExhausted = errors.New("audio: frame pool exhausted")

	// ErrNotOwned is returned by [Pool.Release] for frames that do not belong
	// to the pool or that have already been released.
	ErrNotOwned = errors.New("audio: frame not owned by pool")
)

// Pool is a fixed-size set of preallocated frames shared by the sender and
// receiver loops. Acquire never blocks and never allocates; once the pool is
// exhausted it fails until a frame is released.
//
// Pool is safe for concurrent use.
type Pool struct {
	free     chan *AudioFrame
	size     int
	capacity int
}

// NewPool preallocates size frames of capacity bytes each.
func NewPool(size, capacity int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		free:     make(chan *AudioFrame, size),
		size:     size,
		capacity: capacity,
	}
	for range size {
		f := NewFrame(capacity)
		f.pool = p
		p.free <- f
	}
	return p
}

// Acquire hands out a free frame with a byte length of zero. It returns
// [ErrResourceExhausted] when no frame is available.
func (p *Pool) Acquire() (*AudioFrame, error) {
	select {
	case f := <-p.free:
		f.Reset()
		f.inUse.Store(true)
		return f, nil
	default:
		return nil, ErrResourceExhausted
	}
}

// Release returns f to the pool. Releasing a nil frame is a no-op. A frame
// from another pool, or one that is already free, yields [ErrNotOwned] and
// leaves the pool untouched.
func (p *Pool) Release(f *AudioFrame) error {
	if f == nil {
		return nil
	}
	if f.pool != p {
		return fmt.Errorf("release foreign frame: %w", ErrNotOwned)
	}
	if !f.inUse.CompareAndSwap(true, false) {
		return fmt.Errorf("release free frame: %w", ErrNotOwned)
	}
	p.free <- f
	return nil
}

// Size returns the total number of frames owned by the pool.
func (p *Pool) Size() int { return p.size }

// FrameCapacity returns the byte capacity of every frame in the pool.
func (p *Pool) FrameCapacity() int { return p.capacity }

// Outstanding returns the number of frames currently acquired.
func (p *Pool) Outstanding() int { return p.size - len(p.free) }

// Owns reports whether f was allocated by p.
func (p *Pool) Owns(f *AudioFrame) bool { return f != nil && f.pool == p }
