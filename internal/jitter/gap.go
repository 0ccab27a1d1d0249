package jitter

import (
	"fmt"
	"strings"

	"github.com/MrWong99/voxlane/pkg/audio"
)

// GapFiller conceals a missing quantum reported by [Buffer.Next].
type GapFiller interface {
	// Fill writes concealment audio for ticks 90 kHz ticks into dst, in
	// format f. prev is the last frame played for the stream and may be nil.
	// It returns false when nothing should be played for the gap.
	Fill(dst *audio.AudioFrame, prev *audio.AudioFrame, f audio.Format, ticks uint32) (bool, error)
}

// Gap policy names accepted by [ParseGapPolicy].
const (
	PolicySilence = "silence"
	PolicyRepeat  = "repeat"
	PolicyNone    = "none"
)

// ParseGapPolicy returns the built-in [GapFiller] registered under name.
// The empty string selects silence.
func ParseGapPolicy(name string) (GapFiller, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicySilence:
		return SilenceFiller{}, nil
	case PolicyRepeat:
		return RepeatFiller{}, nil
	case PolicyNone:
		return NoFiller{}, nil
	default:
		return nil, fmt.Errorf("jitter: unknown gap policy %q", name)
	}
}

// SilenceFiller fills gaps with digital silence.
type SilenceFiller struct{}

// Fill implements [GapFiller].
func (SilenceFiller) Fill(dst, _ *audio.AudioFrame, f audio.Format, ticks uint32) (bool, error) {
	samples := int(int64(ticks) * int64(f.SampleRate) / audio.ClockRate)
	n := samples * f.BytesPerFrame()
	if n > dst.Cap() {
		n = dst.Cap() - dst.Cap()%max(f.BytesPerFrame(), 1)
	}
	if err := dst.SetLen(n); err != nil {
		return false, err
	}
	clear(dst.Data)
	dst.Format = f
	return n > 0, nil
}

// RepeatFiller replays the previous frame, falling back to silence when
// there is none or its format differs.
type RepeatFiller struct{}

// Fill implements [GapFiller].
func (RepeatFiller) Fill(dst, prev *audio.AudioFrame, f audio.Format, ticks uint32) (bool, error) {
	if prev == nil || prev.Len() == 0 || prev.Format != f {
		return SilenceFiller{}.Fill(dst, nil, f, ticks)
	}
	if err := dst.CopyFrom(prev); err != nil {
		return false, err
	}
	return true, nil
}

// NoFiller plays nothing for a gap.
type NoFiller struct{}

// Fill implements [GapFiller].
func (NoFiller) Fill(*audio.AudioFrame, *audio.AudioFrame, audio.Format, uint32) (bool, error) {
	return false, nil
}
