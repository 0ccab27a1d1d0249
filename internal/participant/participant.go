// Package participant tracks the remote senders of a session. Each sender is
// identified by its RTP SSRC and owns a playout buffer plus the reception
// statistics needed for RTCP receiver reports.
package participant

import (
	"sync"
	"time"

	"github.com/pion/rtcp"

	"github.com/MrWong99/voxlane/internal/jitter"
	"github.com/MrWong99/voxlane/pkg/audio"
)

const (
	seqMod      = 1 << 16
	maxDropout  = 3000
	maxMisorder = 100
)

// Stats is a snapshot of the reception statistics of one participant.
type Stats struct {
	// Received counts valid RTP packets.
	Received uint64

	// Expected is the number of packets implied by the sequence range.
	Expected uint64

	// Lost is Expected minus Received; negative with duplicates.
	Lost int64

	// ExtendedHighestSeq is the highest sequence number including wrap cycles.
	ExtendedHighestSeq uint32

	// Jitter is the interarrival jitter estimate in 90 kHz ticks.
	Jitter uint32
}

// Participant is a remote sender.
//
// The receiver goroutine owns all mutation; the internal mutex only makes
// snapshots from other goroutines safe.
type Participant struct {
	// SSRC identifies the sender.
	SSRC uint32

	// Buffer holds the sender's entries awaiting playout.
	Buffer *jitter.Buffer

	unwrap jitter.Unwrapper

	mu       sync.Mutex
	joined   time.Time
	lastSeen time.Time
	cname    string
	tool     string
	bye      bool

	// RFC 3550 A.1 sequence state.
	seqInit       bool
	baseSeq       uint16
	maxSeq        uint16
	badSeq        uint32
	cycles        uint32
	received      uint64
	expectedPrior uint64
	receivedPrior uint64

	// RFC 3550 A.8 jitter state.
	transit int64
	jitter  float64

	lastSR     uint32
	lastSRTime time.Time
}

func newParticipant(ssrc uint32, buf *jitter.Buffer, now time.Time) *Participant {
	return &Participant{
		SSRC:     ssrc,
		Buffer:   buf,
		joined:   now,
		lastSeen: now,
		badSeq:   seqMod + 1,
	}
}

// Unwrap extends an RTP timestamp from this sender to 64 bits.
func (p *Participant) Unwrap(ts uint32) uint64 { return p.unwrap.Unwrap(ts) }

// RecordPacket updates sequence and jitter statistics for an RTP packet with
// sequence number seq and timestamp ts that arrived at arrival. It reports
// false when the sequence number is implausible; the packet is then held as
// evidence of a possible sender restart and should be dropped.
func (p *Participant) RecordPacket(seq uint16, ts uint32, arrival time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastSeen = arrival
	if !p.updateSeq(seq) {
		return false
	}

	elapsed := arrival.Sub(p.joined)
	arrivalTicks := int64(elapsed/time.Second)*audio.ClockRate +
		int64(elapsed%time.Second)*audio.ClockRate/int64(time.Second)
	transit := arrivalTicks - int64(ts)
	if p.received > 1 {
		d := transit - p.transit
		if d < 0 {
			d = -d
		}
		p.jitter += (float64(d) - p.jitter) / 16
	}
	p.transit = transit
	return true
}

func (p *Participant) updateSeq(seq uint16) bool {
	if !p.seqInit {
		p.initSeq(seq)
		p.received = 1
		return true
	}
	udelta := seq - p.maxSeq
	switch {
	case udelta < maxDropout:
		if seq < p.maxSeq {
			p.cycles += seqMod
		}
		p.maxSeq = seq
	case int(udelta) <= seqMod-maxMisorder:
		if uint32(seq) == p.badSeq {
			// Two sequential packets after a large jump: the sender restarted.
			p.initSeq(seq)
		} else {
			p.badSeq = (uint32(seq) + 1) & (seqMod - 1)
			return false
		}
	default:
		// Duplicate or reordered packet.
	}
	p.received++
	return true
}

func (p *Participant) initSeq(seq uint16) {
	p.seqInit = true
	p.baseSeq = seq
	p.maxSeq = seq
	p.badSeq = seqMod + 1
	p.cycles = 0
	p.received = 0
	p.receivedPrior = 0
	p.expectedPrior = 0
}

// Touch marks the participant as alive at now, e.g. on RTCP traffic.
func (p *Participant) Touch(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSeen = now
}

// RecordSenderReport stores the timing of an RTCP SR for the DLSR field of
// later reception reports.
func (p *Participant) RecordSenderReport(ntp uint64, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSR = uint32(ntp >> 16)
	p.lastSRTime = now
	p.lastSeen = now
}

// SetDescription records SDES items.
func (p *Participant) SetDescription(cname, tool string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cname != "" {
		p.cname = cname
	}
	if tool != "" {
		p.tool = tool
	}
}

// MarkBye records that the sender announced its departure.
func (p *Participant) MarkBye() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bye = true
}

// Bye reports whether the sender announced its departure.
func (p *Participant) Bye() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bye
}

// LastSeen returns the time of the last RTP or RTCP packet.
func (p *Participant) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// CNAME returns the canonical name from SDES, if any.
func (p *Participant) CNAME() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cname
}

// Tool returns the TOOL item from SDES, if any.
func (p *Participant) Tool() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tool
}

// Stats returns a snapshot of the reception statistics.
func (p *Participant) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	ext := p.cycles + uint32(p.maxSeq)
	var expected uint64
	if p.seqInit {
		expected = uint64(ext) - uint64(p.baseSeq) + 1
	}
	return Stats{
		Received:           p.received,
		Expected:           expected,
		Lost:               int64(expected) - int64(p.received),
		ExtendedHighestSeq: ext,
		Jitter:             uint32(p.jitter),
	}
}

// ReceptionReport builds the RTCP report block for this sender and starts a
// new reporting interval.
func (p *Participant) ReceptionReport(now time.Time) rtcp.ReceptionReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	ext := p.cycles + uint32(p.maxSeq)
	expected := uint64(ext) - uint64(p.baseSeq) + 1
	lost := int64(expected) - int64(p.received)
	lost = max(min(lost, 0x7fffff), -0x800000)

	expectedInterval := expected - p.expectedPrior
	receivedInterval := p.received - p.receivedPrior
	p.expectedPrior = expected
	p.receivedPrior = p.received
	var fraction uint8
	if expectedInterval > 0 && expectedInterval > receivedInterval {
		fraction = uint8(((expectedInterval - receivedInterval) << 8) / expectedInterval)
	}

	var dlsr uint32
	if !p.lastSRTime.IsZero() {
		dlsr = uint32(now.Sub(p.lastSRTime).Seconds() * 65536)
	}
	return rtcp.ReceptionReport{
		SSRC:               p.SSRC,
		FractionLost:       fraction,
		TotalLost:          uint32(lost) & 0xffffff,
		LastSequenceNumber: ext,
		Jitter:             uint32(p.jitter),
		LastSenderReport:   p.lastSR,
		Delay:              dlsr,
	}
}
