package jitter

// Unwrapper extends 32-bit RTP timestamps to a monotonic 64-bit timeline.
// Timestamps may arrive out of order; any step of less than half the 32-bit
// range is interpreted as the shorter direction.
//
// The first timestamp maps to 1<<32 + ts so that reordered packets from before
// it never underflow.
type Unwrapper struct {
	init bool
	last uint64
}

// Unwrap returns the 64-bit timestamp for ts.
func (u *Unwrapper) Unwrap(ts uint32) uint64 {
	if !u.init {
		u.init = true
		u.last = 1<<32 | uint64(ts)
		return u.last
	}
	delta := int32(ts - uint32(u.last))
	v := uint64(int64(u.last) + int64(delta))
	if delta > 0 {
		u.last = v
	}
	return v
}
