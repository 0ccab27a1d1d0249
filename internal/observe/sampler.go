package observe

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Sampler rate-limits a repeating hot-path log line, such as a failing send
// or an exhausted pool, to one per interval. Each allowed event reports how
// many were suppressed since the previous one.
//
// Sampler is safe for concurrent use.
type Sampler struct {
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

// NewSampler returns a Sampler that allows one event per interval.
func NewSampler(interval time.Duration) *Sampler {
	return &Sampler{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Allow reports whether an event at now should be logged, together with the
// number of events suppressed since the previous allowed one.
func (s *Sampler) Allow(now time.Time) (ok bool, suppressed int) {
	if !s.limiter.AllowN(now, 1) {
		s.suppressed.Add(1)
		return false, 0
	}
	return true, int(s.suppressed.Swap(0))
}
