package audio

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ClockRate is the rate of the shared stream clock in Hz. Every timestamp
// carried by an [AudioFrame] or exchanged on the wire is expressed in ticks of
// this clock, independent of the audio sample rate.
const ClockRate = 90000

// ErrFrameTooLarge is returned by [AudioFrame.SetLen] when the requested
// length exceeds the frame capacity.
var ErrFrameTooLarge = errors.New("audio: length exceeds frame capacity")

// Format describes the sample layout of a PCM stream. Samples are signed,
// little-endian and interleaved by channel.
type Format struct {
	// SampleRate in Hz (e.g., 48000).
	SampleRate int

	// Channels is the number of interleaved channels.
	Channels int

	// BitsPerSample is one of 8, 16, 24 or 32.
	BitsPerSample int
}

// BytesPerSample returns the width of a single sample of a single channel.
func (f Format) BytesPerSample() int { return f.BitsPerSample / 8 }

// BytesPerFrame returns the width of one sample across all channels.
func (f Format) BytesPerFrame() int { return f.Channels * f.BytesPerSample() }

// Samples returns the number of per-channel samples held in n bytes.
func (f Format) Samples(n int) int {
	bpf := f.BytesPerFrame()
	if bpf == 0 {
		return 0
	}
	return n / bpf
}

// Ticks converts a per-channel sample count into stream clock ticks.
func (f Format) Ticks(samples int) uint32 {
	if f.SampleRate <= 0 {
		return 0
	}
	return uint32(int64(samples) * ClockRate / int64(f.SampleRate))
}

// Validate reports whether f describes a usable PCM layout.
func (f Format) Validate() error {
	var errs []error
	if f.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", f.SampleRate))
	}
	if f.Channels <= 0 || f.Channels > 255 {
		errs = append(errs, fmt.Errorf("channels must be in [1,255], got %d", f.Channels))
	}
	switch f.BitsPerSample {
	case 8, 16, 24, 32:
	default:
		errs = append(errs, fmt.Errorf("bits per sample must be 8, 16, 24 or 32, got %d", f.BitsPerSample))
	}
	return errors.Join(errs...)
}

// String returns a human-readable description, e.g. "48000Hz stereo s16".
func (f Format) String() string {
	return fmt.Sprintf("%s s%d", formatString(f.SampleRate, f.Channels), f.BitsPerSample)
}

// AudioFrame is a contiguous buffer of interleaved PCM samples together with
// the format that describes them. Frames are the atomic unit handed between
// capture, transport and playback.
//
// len(Data) is the number of valid bytes and cap(Data) the fixed capacity set
// at allocation. Code that fills a frame must stay within that capacity; use
// [AudioFrame.SetLen] rather than appending.
type AudioFrame struct {
	Format

	// Data holds the samples. Its capacity never changes after allocation.
	Data []byte

	// Timestamp is the presentation time in ticks of the 90 kHz stream clock.
	Timestamp uint32

	pool  *Pool
	inUse atomic.Bool
}

// NewFrame allocates a standalone frame of the given capacity that does not
// belong to any [Pool].
func NewFrame(capacity int) *AudioFrame {
	return &AudioFrame{Data: make([]byte, 0, capacity)}
}

// Len returns the number of valid bytes.
func (f *AudioFrame) Len() int { return len(f.Data) }

// Cap returns the fixed capacity in bytes.
func (f *AudioFrame) Cap() int { return cap(f.Data) }

// SetLen sets the number of valid bytes. It fails when n exceeds the capacity.
func (f *AudioFrame) SetLen(n int) error {
	if n < 0 || n > cap(f.Data) {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, cap(f.Data))
	}
	f.Data = f.Data[:n]
	return nil
}

// SampleCount returns the number of per-channel samples in the frame.
func (f *AudioFrame) SampleCount() int { return f.Format.Samples(len(f.Data)) }

// Duration returns the frame length in stream clock ticks.
func (f *AudioFrame) Duration() uint32 { return f.Format.Ticks(f.SampleCount()) }

// CopyFrom copies data and format from src. It fails when src holds more
// bytes than f can.
func (f *AudioFrame) CopyFrom(src *AudioFrame) error {
	if err := f.SetLen(len(src.Data)); err != nil {
		return err
	}
	copy(f.Data, src.Data)
	f.Format = src.Format
	f.Timestamp = src.Timestamp
	return nil
}

// Reset zeroes the byte length while keeping the capacity.
func (f *AudioFrame) Reset() {
	f.Data = f.Data[:0]
	f.Format = Format{}
	f.Timestamp = 0
}
