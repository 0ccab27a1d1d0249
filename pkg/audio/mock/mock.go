// Package mock provides in-memory mock implementations of the [audio.Capture],
// [audio.Playback] and [audio.EchoCanceller] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	pool := audio.NewPool(8, 1920)
//	capture := &mock.Capture{
//	    Pool:     pool,
//	    Format:   audio.Format{SampleRate: 48000, Channels: 1, BitsPerSample: 16},
//	    Frames:   [][]byte{pcm0, pcm1},
//	    Interval: 20 * time.Millisecond,
//	}
//	playback := &mock.Playback{Format: capture.Format, Capacity: 1920}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxlane/pkg/audio"
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock implementation of [audio.Capture]. It emits Frames in
// order, one per Interval, and then blocks until the context is cancelled or
// Finish is called.
type Capture struct {
	mu sync.Mutex

	// Pool supplies the frames handed out by Read. Required.
	Pool *audio.Pool

	// Format is stamped on every emitted frame.
	Format audio.Format

	// Frames holds the payloads to emit, in order.
	Frames [][]byte

	// Interval paces Read. Zero emits as fast as the caller reads.
	Interval time.Duration

	// ReadError, when set, is returned by every Read.
	ReadError error

	// CallCountRead records how many times Read was called.
	CallCountRead int

	// CallCountFinish records how many times Finish was called.
	CallCountFinish int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	next     int
	finished chan struct{}
	once     sync.Once
}

func (c *Capture) done() chan struct{} {
	c.once.Do(func() { c.finished = make(chan struct{}) })
	return c.finished
}

// Read implements [audio.Capture].
func (c *Capture) Read(ctx context.Context) (*audio.AudioFrame, error) {
	done := c.done()
	c.mu.Lock()
	c.CallCountRead++
	readErr := c.ReadError
	interval := c.Interval
	exhausted := c.next >= len(c.Frames)
	c.mu.Unlock()

	if readErr != nil {
		return nil, readErr
	}
	if exhausted {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-done:
			return nil, audio.ErrClosed
		}
	}
	if interval > 0 {
		t := time.NewTimer(interval)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-done:
			return nil, audio.ErrClosed
		case <-t.C:
		}
	}

	c.mu.Lock()
	payload := c.Frames[c.next]
	c.next++
	c.mu.Unlock()

	f, err := c.Pool.Acquire()
	if err != nil {
		return nil, err
	}
	f.Format = c.Format
	if err := f.SetLen(len(payload)); err != nil {
		_ = c.Pool.Release(f)
		return nil, err
	}
	copy(f.Data, payload)
	return f, nil
}

// Emitted returns how many frames Read has produced so far.
func (c *Capture) Emitted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// Finish implements [audio.Capture].
func (c *Capture) Finish() {
	done := c.done()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CallCountFinish == 0 {
		close(done)
	}
	c.CallCountFinish++
}

// Close implements [audio.Capture].
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	return nil
}

// ─── Playback ─────────────────────────────────────────────────────────────────

// PlayedFrame is a copy of a frame handed to [Playback.PutFrame].
type PlayedFrame struct {
	Format    audio.Format
	Timestamp uint32
	Data      []byte
}

// Playback is a mock implementation of [audio.Playback]. It records a copy of
// every frame passed to PutFrame.
type Playback struct {
	mu sync.Mutex

	// Format is the current device format. Reconfigure updates it unless
	// RejectReconfigure is set.
	Format audio.Format

	// Capacity is the byte capacity of frames returned by GetFrame.
	Capacity int

	// RejectReconfigure makes Reconfigure return false.
	RejectReconfigure bool

	// GetFrameError is returned by GetFrame when set.
	GetFrameError error

	// PutFrameError is returned by PutFrame when set.
	PutFrameError error

	// Played holds a copy of every frame passed to PutFrame, in order.
	Played []PlayedFrame

	// ReconfigureCalls records the formats passed to Reconfigure.
	ReconfigureCalls []audio.Format

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// GetFrame implements [audio.Playback].
func (p *Playback) GetFrame() (*audio.AudioFrame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.GetFrameError != nil {
		return nil, p.GetFrameError
	}
	f := audio.NewFrame(p.Capacity)
	f.Format = p.Format
	return f, nil
}

// PutFrame implements [audio.Playback].
func (p *Playback) PutFrame(_ context.Context, f *audio.AudioFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PutFrameError != nil {
		return p.PutFrameError
	}
	p.Played = append(p.Played, PlayedFrame{
		Format:    f.Format,
		Timestamp: f.Timestamp,
		Data:      append([]byte(nil), f.Data...),
	})
	return nil
}

// Reconfigure implements [audio.Playback].
func (p *Playback) Reconfigure(f audio.Format) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReconfigureCalls = append(p.ReconfigureCalls, f)
	if p.RejectReconfigure {
		return false
	}
	p.Format = f
	return true
}

// Close implements [audio.Playback].
func (p *Playback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountClose++
	return nil
}

// Frames returns a snapshot of the played frames.
func (p *Playback) Frames() []PlayedFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PlayedFrame, len(p.Played))
	copy(out, p.Played)
	return out
}

// ─── EchoCanceller ────────────────────────────────────────────────────────────

// EchoCanceller is a mock implementation of [audio.EchoCanceller].
type EchoCanceller struct {
	mu sync.Mutex

	// Drop makes Cancel report that the frame should be dropped.
	Drop bool

	// CallCountCancel records how many times Cancel was called.
	CallCountCancel int

	// CallCountPlay records how many times Play was called.
	CallCountPlay int
}

// Cancel implements [audio.EchoCanceller]. The frame is returned unchanged.
func (e *EchoCanceller) Cancel(f *audio.AudioFrame) (*audio.AudioFrame, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountCancel++
	return f, !e.Drop
}

// Play implements [audio.EchoCanceller].
func (e *EchoCanceller) Play(*audio.AudioFrame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountPlay++
}

// Counts returns the Cancel and Play call counts.
func (e *EchoCanceller) Counts() (cancel, play int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.CallCountCancel, e.CallCountPlay
}
