package participant

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxlane/internal/jitter"
)

// DefaultTimeout is the inactivity period after which a participant is
// evicted: five RTCP report intervals of 5 s.
const DefaultTimeout = 25 * time.Second

// Option configures a [Registry] during construction.
type Option func(*Registry)

// WithTimeout sets the inactivity timeout. Zero disables timeout eviction.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d >= 0 {
			r.timeout = d
		}
	}
}

// WithBufferOptions sets the options used for every participant's playout
// buffer.
func WithBufferOptions(opts ...jitter.Option) Option {
	return func(r *Registry) {
		r.bufferOpts = opts
	}
}

// WithJoinHook registers fn to be called when a participant is created.
func WithJoinHook(fn func(*Participant)) Option {
	return func(r *Registry) {
		r.onJoin = fn
	}
}

// WithLeaveHook registers fn to be called after a participant is removed.
func WithLeaveHook(fn func(*Participant)) Option {
	return func(r *Registry) {
		r.onLeave = fn
	}
}

// Registry maps SSRCs to participants.
//
// Only the receiver goroutine creates and removes participants. Lookups,
// listings and snapshots are safe from any goroutine.
type Registry struct {
	timeout    time.Duration
	bufferOpts []jitter.Option
	onJoin     func(*Participant)
	onLeave    func(*Participant)

	mu   sync.RWMutex
	byID map[uint32]*Participant
}

// NewRegistry creates an empty [Registry].
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		timeout: DefaultTimeout,
		byID:    make(map[uint32]*Participant),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Lookup returns the participant for ssrc.
func (r *Registry) Lookup(ssrc uint32) (*Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[ssrc]
	return p, ok
}

// GetOrCreate returns the participant for ssrc, creating it on first sight.
// created reports whether a new participant was added.
func (r *Registry) GetOrCreate(ssrc uint32, now time.Time) (p *Participant, created bool) {
	r.mu.RLock()
	p, ok := r.byID[ssrc]
	r.mu.RUnlock()
	if ok {
		return p, false
	}

	r.mu.Lock()
	if p, ok = r.byID[ssrc]; ok {
		r.mu.Unlock()
		return p, false
	}
	p = newParticipant(ssrc, jitter.New(r.bufferOpts...), now)
	r.byID[ssrc] = p
	r.mu.Unlock()

	slog.Info("participant joined", "ssrc", ssrc)
	if r.onJoin != nil {
		r.onJoin(p)
	}
	return p, true
}

// Remove deletes the participant for ssrc and reports whether it existed.
func (r *Registry) Remove(ssrc uint32) bool {
	r.mu.Lock()
	p, ok := r.byID[ssrc]
	delete(r.byID, ssrc)
	r.mu.Unlock()
	if !ok {
		return false
	}
	if r.onLeave != nil {
		r.onLeave(p)
	}
	return true
}

// List returns the participants ordered by SSRC.
func (r *Registry) List() []*Participant {
	r.mu.RLock()
	out := make([]*Participant, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Participant) int {
		switch {
		case a.SSRC < b.SSRC:
			return -1
		case a.SSRC > b.SSRC:
			return 1
		default:
			return 0
		}
	})
	return out
}

// Len returns the number of participants.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Expire evicts participants that have been silent for longer than the
// timeout, and participants that sent BYE once their buffer has drained.
// It returns the evicted SSRCs.
func (r *Registry) Expire(now time.Time) []uint32 {
	var evicted []uint32
	for _, p := range r.List() {
		reason := ""
		switch {
		case p.Bye() && p.Buffer.Len() == 0:
			reason = "bye"
		case r.timeout > 0 && now.Sub(p.LastSeen()) > r.timeout:
			reason = "timeout"
		default:
			continue
		}
		if r.Remove(p.SSRC) {
			slog.Info("participant left", "ssrc", p.SSRC, "reason", reason)
			evicted = append(evicted, p.SSRC)
		}
	}
	return evicted
}

// Clear removes every participant.
func (r *Registry) Clear() {
	for _, p := range r.List() {
		r.Remove(p.SSRC)
	}
}
