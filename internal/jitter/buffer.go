// Package jitter implements the per-participant playout buffer. Entries are
// inserted in arrival order and retrieved in presentation order once the
// playout cursor, which follows the sender's 90 kHz clock shifted by a fixed
// playout delay, has reached them.
//
// The buffer moves through four states:
//
//	Empty ──insert──▶ Filling ──span ≥ quantum or head due──▶ Ready ──Next──▶ Draining
//	                     ▲                                                     │
//	                     └──────────── underflow below one quantum ────────────┘
//
// Missing quanta are reported as [Gap] outcomes so the caller can conceal
// them; see [GapFiller].
//
// The cursor is wall-clock driven. When the caller stalls, entries the cursor
// has already passed are still returned, in order and back to back, as long
// as they lie after the last output; the caller catches up by draining until
// [Pending]. Nothing already output is repeated, and an entry behind the last
// output is counted as late and dropped.
package jitter

import (
	"container/heap"
	"sync"
	"time"

	"github.com/MrWong99/voxlane/pkg/audio"
)

const (
	// DefaultPlayoutDelay is the delay between a packet's expected arrival
	// and its playout.
	DefaultPlayoutDelay = 60 * time.Millisecond

	// DefaultQuantum is one playout quantum in 90 kHz ticks (20 ms).
	DefaultQuantum uint32 = 1800

	// DefaultMaxDepth bounds the number of queued entries.
	DefaultMaxDepth = 256

	// DefaultMaxGapFill caps consecutive concealed quanta before the buffer
	// stops filling and waits for a new talk spurt.
	DefaultMaxGapFill = 25

	// resyncTicks is the PTS jump (10 s) treated as a new stream.
	resyncTicks = 10 * audio.ClockRate
)

// State is the playout state of a [Buffer].
type State int

const (
	StateEmpty State = iota
	StateFilling
	StateReady
	StateDraining
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateEmpty:
		return "EMPTY"
	case StateFilling:
		return "FILLING"
	case StateReady:
		return "READY"
	case StateDraining:
		return "DRAINING"
	default:
		return "UNKNOWN"
	}
}

// InsertResult classifies the outcome of [Buffer.Insert].
type InsertResult int

const (
	// Inserted means the entry was queued.
	Inserted InsertResult = iota

	// Duplicate means an entry with the same PTS is already queued.
	Duplicate

	// Late means the entry falls inside the region already played or
	// concealed.
	Late

	// Overflow means the buffer is at its depth limit; the entry was dropped.
	Overflow
)

// String returns the human-readable name of the insert result.
func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "INSERTED"
	case Duplicate:
		return "DUPLICATE"
	case Late:
		return "LATE"
	case Overflow:
		return "OVERFLOW"
	default:
		return "UNKNOWN"
	}
}

// Outcome classifies the result of [Buffer.Next].
type Outcome int

const (
	// Pending means nothing is due yet.
	Pending Outcome = iota

	// Due means the returned entry must be played now.
	Due

	// Gap means the quantum described by the returned entry is missing and
	// should be concealed. The entry carries PTS and Duration only.
	Gap
)

// String returns the human-readable name of the outcome.
func (o Outcome) String() string {
	switch o {
	case Pending:
		return "PENDING"
	case Due:
		return "DUE"
	case Gap:
		return "GAP"
	default:
		return "UNKNOWN"
	}
}

// Entry is one unit of received audio awaiting playout.
type Entry struct {
	// PTS is the presentation timestamp in 90 kHz ticks, unwrapped to 64 bits.
	PTS uint64

	// Duration in 90 kHz ticks.
	Duration uint32

	// Payload holds the encoded audio.
	Payload []byte

	// Format describes the PCM the payload decodes to.
	Format audio.Format

	// Codec identifies the payload encoding.
	Codec uint8

	// Samples is the per-channel sample count the payload decodes to.
	Samples int

	// Arrival is the local wall-clock time the entry was received.
	Arrival time.Time
}

// End returns the PTS just past the entry.
func (e Entry) End() uint64 { return e.PTS + uint64(e.Duration) }

// Stats holds cumulative buffer counters.
type Stats struct {
	Inserted   uint64
	Duplicates uint64
	Late       uint64
	Overflows  uint64
	Played     uint64
	Gaps       uint64
	Resyncs    uint64
}

// Option configures a [Buffer] during construction.
type Option func(*Buffer)

// WithPlayoutDelay sets the playout delay. Negative values are ignored.
func WithPlayoutDelay(d time.Duration) Option {
	return func(b *Buffer) {
		if d >= 0 {
			b.delay = d
		}
	}
}

// WithQuantum sets the playout quantum in 90 kHz ticks.
func WithQuantum(ticks uint32) Option {
	return func(b *Buffer) {
		if ticks > 0 {
			b.quantum = ticks
		}
	}
}

// WithMaxDepth sets the maximum number of queued entries.
func WithMaxDepth(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.maxDepth = n
		}
	}
}

// WithMaxGapFill sets how many consecutive quanta are concealed before the
// buffer stops reporting gaps.
func WithMaxGapFill(n int) Option {
	return func(b *Buffer) {
		if n >= 0 {
			b.maxGapFill = n
		}
	}
}

// WithStateHook registers fn to be called on every state transition. fn runs
// with the buffer lock held and must not call back into the buffer.
func WithStateHook(fn func(from, to State)) Option {
	return func(b *Buffer) {
		b.onState = fn
	}
}

// Buffer is a playout buffer for a single participant.
//
// All exported methods are safe for concurrent use.
type Buffer struct {
	delay      time.Duration
	quantum    uint32
	maxDepth   int
	maxGapFill int
	onState    func(from, to State)

	mu     sync.Mutex
	queue  entryHeap
	queued map[uint64]struct{}
	seq    uint64
	span   uint64 // sum of queued durations
	state  State

	anchored      bool
	anchorPTS     uint64
	anchorArrival time.Time

	started   bool   // playedEnd is valid
	playedEnd uint64 // PTS up to which output has been produced
	lastDur   uint32
	gapRun    int

	stats Stats
}

// New creates an empty [Buffer].
func New(opts ...Option) *Buffer {
	b := &Buffer{
		delay:      DefaultPlayoutDelay,
		quantum:    DefaultQuantum,
		maxDepth:   DefaultMaxDepth,
		maxGapFill: DefaultMaxGapFill,
		queued:     make(map[uint64]struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Insert queues e. Duplicates, late entries and overflow are dropped and
// reported by the result; they never disturb queued entries.
func (b *Buffer) Insert(e Entry) InsertResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started && (e.PTS > b.playedEnd+resyncTicks || e.PTS+resyncTicks < b.playedEnd) {
		b.resetLocked()
		b.stats.Resyncs++
	}
	if b.started && e.PTS < b.playedEnd {
		b.stats.Late++
		return Late
	}
	if _, ok := b.queued[e.PTS]; ok {
		b.stats.Duplicates++
		return Duplicate
	}
	if len(b.queue) >= b.maxDepth {
		b.stats.Overflows++
		return Overflow
	}

	b.seq++
	heap.Push(&b.queue, item{entry: e, seq: b.seq})
	b.queued[e.PTS] = struct{}{}
	b.span += uint64(e.Duration)
	b.stats.Inserted++

	if !b.anchored {
		// A new talk spurt after idling; the silence before it is not a gap.
		if b.started && e.PTS > b.playedEnd {
			b.playedEnd = e.PTS
		}
		b.anchorLocked(e.PTS, e.Arrival)
	}
	switch b.state {
	case StateEmpty:
		b.setState(StateFilling)
		fallthrough
	case StateFilling:
		if b.span >= uint64(b.quantum) {
			b.setState(StateReady)
		}
	}
	return Inserted
}

// Next returns the entry due at now, a gap to conceal, or [Pending]. Every
// entry or gap slot the cursor has reached is returned, one per call, even if
// its slot passed earlier; callers drain until [Pending].
func (b *Buffer) Next(now time.Time) (Entry, Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.anchored {
		return Entry{}, Pending
	}
	cursor := b.cursorLocked(now)

	for len(b.queue) > 0 {
		head := b.queue[0].entry
		if int64(head.PTS) > cursor {
			break
		}
		b.popLocked()
		if b.started && head.PTS < b.playedEnd {
			b.stats.Late++
			continue
		}
		if b.state == StateFilling {
			b.setState(StateReady)
		}
		b.setState(StateDraining)
		b.started = true
		b.playedEnd = head.End()
		b.lastDur = head.Duration
		b.gapRun = 0
		b.stats.Played++
		return head, Due
	}

	if !b.started || cursor < int64(b.playedEnd) {
		return Entry{}, Pending
	}

	// The slot starting at playedEnd is due and nothing covers it.
	if b.gapRun >= b.maxGapFill {
		b.idleLocked()
		return Entry{}, Pending
	}
	dur := b.lastDur
	if dur == 0 {
		dur = b.quantum
	}
	if len(b.queue) > 0 {
		if next := b.queue[0].entry.PTS; next-b.playedEnd < uint64(dur) {
			dur = uint32(next - b.playedEnd)
		}
	}
	gap := Entry{PTS: b.playedEnd, Duration: dur}
	b.playedEnd += uint64(dur)
	b.gapRun++
	b.stats.Gaps++
	if b.span < uint64(b.quantum) {
		b.setState(StateFilling)
	}
	return gap, Gap
}

// State returns the current playout state.
func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Len returns the number of queued entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Span returns the total duration of queued entries in 90 kHz ticks.
func (b *Buffer) Span() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.span
}

// Stats returns a snapshot of the cumulative counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Reset drops every queued entry and returns the buffer to [StateEmpty].
// Counters are kept.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

// cursorLocked returns the PTS the playout clock has reached at now. It is
// signed because the cursor lies before the anchor during the initial delay.
func (b *Buffer) cursorLocked(now time.Time) int64 {
	elapsed := now.Sub(b.anchorArrival) - b.delay
	secs, rem := elapsed/time.Second, elapsed%time.Second
	ticks := int64(secs)*audio.ClockRate + int64(rem)*audio.ClockRate/int64(time.Second)
	return int64(b.anchorPTS) + ticks
}

func (b *Buffer) anchorLocked(pts uint64, arrival time.Time) {
	if arrival.IsZero() {
		arrival = time.Now()
	}
	b.anchored = true
	b.anchorPTS = pts
	b.anchorArrival = arrival
}

// idleLocked stops concealment after too many consecutive gaps. The cursor is
// re-anchored on the next queued entry, or on the next insert.
func (b *Buffer) idleLocked() {
	b.gapRun = 0
	b.stats.Resyncs++
	if len(b.queue) > 0 {
		head := b.queue[0].entry
		b.anchorLocked(head.PTS, head.Arrival)
		b.playedEnd = head.PTS
		b.setState(StateFilling)
		return
	}
	b.anchored = false
	b.setState(StateEmpty)
}

func (b *Buffer) popLocked() Entry {
	it := heap.Pop(&b.queue).(item)
	delete(b.queued, it.entry.PTS)
	b.span -= uint64(it.entry.Duration)
	return it.entry
}

func (b *Buffer) resetLocked() {
	clear(b.queue)
	b.queue = b.queue[:0]
	clear(b.queued)
	b.span = 0
	b.anchored = false
	b.started = false
	b.playedEnd = 0
	b.lastDur = 0
	b.gapRun = 0
	b.setState(StateEmpty)
}

func (b *Buffer) setState(s State) {
	if b.state == s {
		return
	}
	from := b.state
	b.state = s
	if b.onState != nil {
		b.onState(from, s)
	}
}
