// Package null provides audio backends that produce nothing and discard
// everything. They keep a session running without sound hardware, e.g. a
// receive-only relay whose playout is observed through metrics.
package null

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxlane/pkg/audio"
)

// DefaultIdle is how long a Read waits before reporting that no frame is
// available.
const DefaultIdle = 20 * time.Millisecond

// Capture never yields a frame. Read returns a nil frame after each idle
// period, so callers keep servicing their other duties.
type Capture struct {
	idle time.Duration
	once sync.Once
	done chan struct{}
}

var _ audio.Capture = (*Capture)(nil)

// NewCapture returns a silent capture device that idles for d per Read.
// A non-positive d selects [DefaultIdle].
func NewCapture(d time.Duration) *Capture {
	if d <= 0 {
		d = DefaultIdle
	}
	return &Capture{idle: d, done: make(chan struct{})}
}

// Read implements [audio.Capture].
func (c *Capture) Read(ctx context.Context) (*audio.AudioFrame, error) {
	t := time.NewTimer(c.idle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, audio.ErrClosed
	case <-t.C:
		return nil, nil
	}
}

// Finish implements [audio.Capture].
func (c *Capture) Finish() { c.once.Do(func() { close(c.done) }) }

// Close implements [audio.Capture].
func (c *Capture) Close() error {
	c.Finish()
	return nil
}

// maxSpare bounds the frames a Playback keeps for reuse.
const maxSpare = 8

// Playback accepts every format and drops every frame. Frames handed back
// through PutFrame are lent out again by GetFrame.
type Playback struct {
	capacity int

	mu     sync.Mutex
	format audio.Format
	spare  []*audio.AudioFrame

	played atomic.Uint64
	ticks  atomic.Uint64
}

var _ audio.Playback = (*Playback)(nil)

// NewPlayback returns a playback device that lends frames of capacity bytes.
func NewPlayback(f audio.Format, capacity int) *Playback {
	return &Playback{
		format:   f,
		capacity: capacity,
		spare:    make([]*audio.AudioFrame, 0, maxSpare),
	}
}

// GetFrame implements [audio.Playback].
func (p *Playback) GetFrame() (*audio.AudioFrame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var f *audio.AudioFrame
	if n := len(p.spare); n > 0 {
		f = p.spare[n-1]
		p.spare = p.spare[:n-1]
		f.Reset()
	} else {
		f = audio.NewFrame(p.capacity)
	}
	f.Format = p.format
	return f, nil
}

// PutFrame implements [audio.Playback].
func (p *Playback) PutFrame(_ context.Context, f *audio.AudioFrame) error {
	p.played.Add(1)
	p.ticks.Add(uint64(f.Duration()))
	if f.Cap() != p.capacity {
		return nil
	}
	p.mu.Lock()
	if len(p.spare) < maxSpare {
		p.spare = append(p.spare, f)
	}
	p.mu.Unlock()
	return nil
}

// Reconfigure implements [audio.Playback].
func (p *Playback) Reconfigure(f audio.Format) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.format = f
	return true
}

// Close implements [audio.Playback].
func (p *Playback) Close() error { return nil }

// Played returns the number of frames discarded so far.
func (p *Playback) Played() uint64 { return p.played.Load() }

// PlayedTicks returns the total duration of the discarded frames in
// [audio.ClockRate] ticks.
func (p *Playback) PlayedTicks() uint64 { return p.ticks.Load() }
