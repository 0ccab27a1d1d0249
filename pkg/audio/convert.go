package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter converts frames to a target format. It logs a warning on
// the first format mismatch and on the first misaligned frame.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert writes src, converted to the target format, into dst. dst keeps its
// capacity; Convert fails with [ErrFrameTooLarge] when the converted samples
// do not fit. Conversion order: bit depth and channel layout are resolved per
// sample while resampling, so every source sample is read exactly once per
// output position.
func (c *FormatConverter) Convert(src, dst *AudioFrame) error {
	if src.BytesPerFrame() == 0 || len(src.Data)%src.BytesPerFrame() != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: misaligned PCM data, dropping frame",
				"bytes", len(src.Data),
				"format", src.Format.String(),
			)
		})
		return fmt.Errorf("audio: convert: %d bytes not aligned to %s", len(src.Data), src.Format)
	}

	// Fast path: source matches target.
	if src.Format == c.Target {
		return dst.CopyFrom(src)
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", src.Format.String(),
			"to", c.Target.String(),
		)
	})

	srcFrames := src.SampleCount()
	dstFrames := srcFrames
	if src.SampleRate != c.Target.SampleRate && src.SampleRate > 0 {
		dstFrames = int(int64(srcFrames) * int64(c.Target.SampleRate) / int64(src.SampleRate))
	}
	if err := dst.SetLen(dstFrames * c.Target.BytesPerFrame()); err != nil {
		return err
	}
	dst.Format = c.Target
	dst.Timestamp = src.Timestamp
	if dstFrames == 0 {
		return nil
	}

	ratio := float64(srcFrames) / float64(dstFrames)
	outBPS := c.Target.BytesPerSample()
	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)
		next := srcIdx + 1
		if next >= srcFrames {
			next = srcIdx
		}
		for ch := range c.Target.Channels {
			s0 := int64(remixedSample(src, srcIdx, ch, c.Target.Channels))
			s1 := int64(remixedSample(src, next, ch, c.Target.Channels))
			v := s0 + int64(float64(s1-s0)*frac)
			off := (i*c.Target.Channels + ch) * outBPS
			PutSample(dst.Data[off:], c.Target.BitsPerSample, clamp32(v))
		}
	}
	return nil
}

// remixedSample returns the value of output channel ch at frame index idx
// when src is mapped onto outChannels channels. Mono output averages every
// input channel, mono input is duplicated, and otherwise channels are copied
// by index with missing inputs rendered as silence.
func remixedSample(src *AudioFrame, idx, ch, outChannels int) int32 {
	inCh := src.Channels
	bps := src.BytesPerSample()
	base := idx * inCh * bps
	switch {
	case outChannels == 1 && inCh > 1:
		var sum int64
		for k := range inCh {
			sum += int64(Sample(src.Data[base+k*bps:], src.BitsPerSample))
		}
		return int32(sum / int64(inCh))
	case inCh == 1:
		return Sample(src.Data[base:], src.BitsPerSample)
	case ch < inCh:
		return Sample(src.Data[base+ch*bps:], src.BitsPerSample)
	default:
		return 0
	}
}

// Sample decodes one signed little-endian sample of the given bit depth and
// returns it scaled to the full int32 range.
func Sample(b []byte, bits int) int32 {
	switch bits {
	case 8:
		return int32(int8(b[0])) << 24
	case 16:
		return int32(int16(binary.LittleEndian.Uint16(b))) << 16
	case 24:
		return int32(uint32(b[0])<<8 | uint32(b[1])<<16 | uint32(b[2])<<24)
	case 32:
		return int32(binary.LittleEndian.Uint32(b))
	default:
		return 0
	}
}

// PutSample encodes a full-range int32 sample at the given bit depth.
func PutSample(b []byte, bits int, v int32) {
	switch bits {
	case 8:
		b[0] = byte(v >> 24)
	case 16:
		binary.LittleEndian.PutUint16(b, uint16(v>>16))
	case 24:
		b[0] = byte(v >> 8)
		b[1] = byte(v >> 16)
		b[2] = byte(v >> 24)
	case 32:
		binary.LittleEndian.PutUint32(b, uint32(v))
	}
}

// clamp32 saturates v to the int32 range.
func clamp32(v int64) int32 {
	if v > 1<<31-1 {
		return 1<<31 - 1
	}
	if v < -1<<31 {
		return -1 << 31
	}
	return int32(v)
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
