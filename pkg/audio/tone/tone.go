// Package tone provides a capture backend that generates a sine wave in real
// time. It stands in for a microphone in tests, demos and link checks.
package tone

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/voxlane/pkg/audio"
)

const (
	// DefaultFrequency is the generated pitch in Hz.
	DefaultFrequency = 440.0

	// DefaultAmplitude is the peak level relative to full scale.
	DefaultAmplitude = 0.25

	// DefaultFrame is the duration of one generated frame.
	DefaultFrame = 20 * time.Millisecond

	// maxLag is how far the generator may fall behind the wall clock before
	// it skips ahead instead of bursting to catch up.
	maxLag = time.Second
)

// Config describes the generated signal.
type Config struct {
	Format    audio.Format
	Frequency float64
	Amplitude float64
	Frame     time.Duration
}

// ConfigFromOptions reads "rate", "channels", "bits", "freq", "amplitude" and
// "frame" from backend options.
func ConfigFromOptions(opts map[string]string) (Config, error) {
	f, err := audio.FormatFromOptions(opts, audio.DefaultFormat)
	if err != nil {
		return Config{}, fmt.Errorf("tone: %w", err)
	}
	cfg := Config{Format: f, Frequency: DefaultFrequency, Amplitude: DefaultAmplitude}
	if v, ok := opts["freq"]; ok {
		if cfg.Frequency, err = strconv.ParseFloat(v, 64); err != nil || cfg.Frequency <= 0 {
			return Config{}, fmt.Errorf("tone: freq=%q must be a positive number", v)
		}
	}
	if v, ok := opts["amplitude"]; ok {
		if cfg.Amplitude, err = strconv.ParseFloat(v, 64); err != nil || cfg.Amplitude < 0 || cfg.Amplitude > 1 {
			return Config{}, fmt.Errorf("tone: amplitude=%q must be in [0,1]", v)
		}
	}
	if cfg.Frame, err = audio.DurationOption(opts, "frame", DefaultFrame); err != nil {
		return Config{}, fmt.Errorf("tone: %w", err)
	}
	return cfg, nil
}

// Capture generates frames paced by the wall clock.
type Capture struct {
	pool    *audio.Pool
	cfg     Config
	samples int
	now     func() time.Time

	// Sender goroutine state.
	phase float64
	next  time.Time

	once sync.Once
	done chan struct{}
}

var _ audio.Capture = (*Capture)(nil)

// NewCapture returns a tone generator drawing frames from pool.
func NewCapture(pool *audio.Pool, cfg Config) (*Capture, error) {
	if cfg.Frame <= 0 {
		cfg.Frame = DefaultFrame
	}
	if err := cfg.Format.Validate(); err != nil {
		return nil, fmt.Errorf("tone: %w", err)
	}
	samples := int(int64(cfg.Format.SampleRate) * int64(cfg.Frame) / int64(time.Second))
	if samples <= 0 {
		return nil, fmt.Errorf("tone: frame %v holds no samples at %d Hz", cfg.Frame, cfg.Format.SampleRate)
	}
	if need := samples * cfg.Format.BytesPerFrame(); need > pool.FrameCapacity() {
		return nil, fmt.Errorf("tone: %v frame needs %d bytes, pool frames hold %d", cfg.Frame, need, pool.FrameCapacity())
	}
	return &Capture{
		pool:    pool,
		cfg:     cfg,
		samples: samples,
		now:     time.Now,
		done:    make(chan struct{}),
	}, nil
}

// Read implements [audio.Capture]. It waits until the next frame is due and
// returns it; pool exhaustion is returned as [audio.ErrResourceExhausted].
func (c *Capture) Read(ctx context.Context) (*audio.AudioFrame, error) {
	now := c.now()
	if c.next.IsZero() || now.Sub(c.next) > maxLag {
		c.next = now
	}
	if wait := c.next.Sub(now); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, audio.ErrClosed
		case <-timer.C:
		}
	} else {
		select {
		case <-c.done:
			return nil, audio.ErrClosed
		default:
		}
	}
	c.next = c.next.Add(c.cfg.Frame)

	f, err := c.pool.Acquire()
	if err != nil {
		return nil, err
	}
	c.generate(f)
	return f, nil
}

func (c *Capture) generate(f *audio.AudioFrame) {
	format := c.cfg.Format
	bps := format.BytesPerSample()
	_ = f.SetLen(c.samples * format.BytesPerFrame())
	f.Format = format

	step := 2 * math.Pi * c.cfg.Frequency / float64(format.SampleRate)
	peak := c.cfg.Amplitude * math.MaxInt32
	for i := range c.samples {
		v := int32(peak * math.Sin(c.phase))
		c.phase += step
		if c.phase >= 2*math.Pi {
			c.phase -= 2 * math.Pi
		}
		for ch := range format.Channels {
			audio.PutSample(f.Data[(i*format.Channels+ch)*bps:], format.BitsPerSample, v)
		}
	}
}

// Finish implements [audio.Capture].
func (c *Capture) Finish() { c.once.Do(func() { close(c.done) }) }

// Close implements [audio.Capture].
func (c *Capture) Close() error {
	c.Finish()
	return nil
}
