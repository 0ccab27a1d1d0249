package transport

import (
	"math/rand/v2"
	"time"

	"github.com/MrWong99/voxlane/pkg/audio"
)

// ntpEpochOffset is the number of seconds between 1900-01-01 and 1970-01-01.
const ntpEpochOffset = 2208988800

// Clock maps wall-clock time onto the 90 kHz stream clock of a session. It is
// anchored once at session start with a random RTP timestamp offset.
//
// At is safe for concurrent use; Stamp belongs to the sender goroutine.
type Clock struct {
	start time.Time
	base  uint32

	stamped bool
	last    uint32
	lastDur uint32
}

// NewClock anchors a clock at start.
func NewClock(start time.Time) *Clock {
	return &Clock{start: start, base: rand.Uint32()}
}

// At returns the stream timestamp of wall-clock time t.
func (c *Clock) At(t time.Time) uint32 {
	return c.base + uint32(ticksSince(c.start, t))
}

// Stamp returns the timestamp for a frame of dur ticks captured at now. The
// result follows the wall clock but never falls behind the end of the
// previous frame, so consecutive stamps strictly increase even when a
// backend delivers frames faster than real time.
func (c *Clock) Stamp(now time.Time, dur uint32) uint32 {
	ts := c.At(now)
	if c.stamped {
		next := c.last + max(c.lastDur, 1)
		if int32(ts-next) < 0 {
			ts = next
		}
	}
	c.stamped = true
	c.last = ts
	c.lastDur = dur
	return ts
}

// ticksSince converts the elapsed time from start to t into 90 kHz ticks
// without overflowing on long sessions.
func ticksSince(start, t time.Time) int64 {
	d := t.Sub(start)
	return int64(d/time.Second)*audio.ClockRate + int64(d%time.Second)*audio.ClockRate/int64(time.Second)
}

// ntpTime returns t as a 64-bit NTP timestamp.
func ntpTime(t time.Time) uint64 {
	secs := uint64(t.Unix() + ntpEpochOffset)
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return secs<<32 | frac
}
