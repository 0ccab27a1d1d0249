// Package resilience guards the fan-out destinations of the transport.
//
// A [Breaker] sits in front of the socket writes to one destination. After
// a run of failed writes (unreachable host, no route) it opens and the
// destination is skipped instead of failing once per packet. When the
// cool-down has passed, a few trial writes decide whether it closes again.
//
// The write path asks [Breaker.Allow] before writing and reports the result
// with [Breaker.Record], so no closure is built per packet.
package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every write.
	StateClosed State = iota

	// StateOpen skips writes until the cool-down has passed.
	StateOpen

	// StateHalfOpen admits a limited number of trial writes.
	StateHalfOpen
)

// String returns the state name used in logs and metric attributes.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Defaults for a zero [BreakerConfig].
const (
	DefaultMaxFailures = 5
	DefaultCooldown    = 5 * time.Second
	DefaultTrials      = 3
)

// BreakerConfig tunes a [Breaker]. Zero fields take the defaults.
type BreakerConfig struct {
	// Destination labels logs and transitions, typically "host:port".
	Destination string

	// MaxFailures is the number of consecutive failed writes that open the
	// breaker.
	MaxFailures int

	// Cooldown is how long an open breaker skips writes.
	Cooldown time.Duration

	// Trials is the number of successful half-open writes that close the
	// breaker again.
	Trials int

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(destination string, from, to State)

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Breaker tracks the health of one destination. Safe for concurrent use:
// the sender writes RTP while the receiver writes RTCP.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inFlight int // half-open trials admitted and not yet recorded
	trialsOK int
}

// NewBreaker returns a closed Breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Trials <= 0 {
		cfg.Trials = DefaultTrials
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Allow reports whether the next write may go to the destination. Every
// allowed write must be followed by exactly one [Breaker.Record].
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateOpen:
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			b.mu.Unlock()
			return false
		}
		b.state = StateHalfOpen
		b.inFlight = 0
		b.trialsOK = 0
	case StateHalfOpen:
		if b.inFlight+b.trialsOK >= b.cfg.Trials {
			b.mu.Unlock()
			return false
		}
	}
	if b.state == StateHalfOpen {
		b.inFlight++
	}
	to := b.state
	b.mu.Unlock()

	b.changed(from, to)
	return true
}

// Record reports the outcome of a write admitted by [Breaker.Allow].
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	from := b.state
	switch {
	case b.state == StateHalfOpen && err != nil:
		b.open()
	case b.state == StateHalfOpen:
		b.inFlight = max(b.inFlight-1, 0)
		b.trialsOK++
		if b.trialsOK >= b.cfg.Trials {
			b.state = StateClosed
			b.failures = 0
		}
	case err != nil:
		b.failures++
		if b.state == StateClosed && b.failures >= b.cfg.MaxFailures {
			b.open()
		}
	default:
		b.failures = 0
	}
	to := b.state
	failures := b.failures
	b.mu.Unlock()

	switch {
	case from == to:
	case to == StateOpen:
		slog.Warn("destination unreachable, pausing writes",
			"destination", b.cfg.Destination,
			"consecutive_failures", failures,
			"cooldown", b.cfg.Cooldown,
		)
	case to == StateClosed:
		slog.Info("destination reachable again", "destination", b.cfg.Destination)
	}
	b.changed(from, to)
}

// open trips the breaker. b.mu must be held.
func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.cfg.Now()
	b.inFlight = 0
	b.trialsOK = 0
}

func (b *Breaker) changed(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Destination, from, to)
	}
}

// State returns the current state. An open breaker whose cool-down has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// [Breaker.Allow].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}
