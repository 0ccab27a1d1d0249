package fec

import (
	"encoding/binary"

	"github.com/pion/rtp"
)

const (
	// dedupWindow is the number of recent sequence numbers remembered for
	// duplicate suppression.
	dedupWindow = 512

	// historySize bounds the data packets kept for XOR recovery.
	historySize = 128

	// maxPendingParity bounds parity packets waiting for more data.
	maxPendingParity = 8
)

// Decoder removes redundancy from one sender's packet stream and rebuilds
// packets lost inside an XOR group. Not safe for concurrent use; the receiver
// goroutine owns it.
type Decoder struct {
	seen     map[uint16]struct{}
	seenRing [dedupWindow]uint16
	seenPos  int
	seenLen  int

	history map[uint16]*rtp.Packet
	order   []uint16

	pending []*rtp.Packet
}

// NewDecoder creates an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{
		seen:    make(map[uint16]struct{}, dedupWindow),
		history: make(map[uint16]*rtp.Packet, historySize),
	}
}

// Result describes what [Decoder.Accept] did with a packet.
type Result struct {
	// Packets are the data packets to deliver, in order: the accepted packet
	// first (unless it was parity or a duplicate), then any recovered one.
	Packets []*rtp.Packet

	// Duplicate is set when the packet's sequence number was already seen.
	Duplicate bool

	// Recovered counts packets rebuilt from parity.
	Recovered int
}

// Accept processes a received packet.
func (d *Decoder) Accept(pkt *rtp.Packet) Result {
	if d.markSeen(pkt.SequenceNumber) {
		return Result{Duplicate: true}
	}
	var res Result
	if pkt.PayloadType == ParityPayloadType {
		if len(pkt.Payload) < parityHeaderLen {
			return res
		}
		if rec := d.tryRecover(pkt); rec != nil {
			res.Packets = append(res.Packets, rec)
			res.Recovered++
		} else if !d.complete(pkt) {
			d.addPending(pkt)
		}
		return res
	}

	d.remember(pkt)
	res.Packets = append(res.Packets, pkt)
	for i := 0; i < len(d.pending); i++ {
		parity := d.pending[i]
		if !covers(parity, pkt.SequenceNumber) {
			continue
		}
		if rec := d.tryRecover(parity); rec != nil {
			res.Packets = append(res.Packets, rec)
			res.Recovered++
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			i--
		} else if d.complete(parity) {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			i--
		}
	}
	return res
}

// markSeen records seq and reports whether it was already present.
func (d *Decoder) markSeen(seq uint16) bool {
	if _, ok := d.seen[seq]; ok {
		return true
	}
	if d.seenLen == dedupWindow {
		delete(d.seen, d.seenRing[d.seenPos])
	} else {
		d.seenLen++
	}
	d.seenRing[d.seenPos] = seq
	d.seenPos = (d.seenPos + 1) % dedupWindow
	d.seen[seq] = struct{}{}
	return false
}

func (d *Decoder) remember(pkt *rtp.Packet) {
	if len(d.order) == historySize {
		delete(d.history, d.order[0])
		d.order = d.order[1:]
	}
	d.history[pkt.SequenceNumber] = pkt
	d.order = append(d.order, pkt.SequenceNumber)
}

func (d *Decoder) addPending(parity *rtp.Packet) {
	if len(d.pending) == maxPendingParity {
		d.pending = d.pending[1:]
	}
	d.pending = append(d.pending, parity)
}

func covers(parity *rtp.Packet, seq uint16) bool {
	base := binary.BigEndian.Uint16(parity.Payload[0:])
	k := uint16(parity.Payload[2])
	return seq-base < k
}

// complete reports whether every data packet of the parity's group is
// present.
func (d *Decoder) complete(parity *rtp.Packet) bool {
	base := binary.BigEndian.Uint16(parity.Payload[0:])
	k := int(parity.Payload[2])
	for i := range k {
		if _, ok := d.history[base+uint16(i)]; !ok {
			return false
		}
	}
	return true
}

// tryRecover rebuilds the single missing packet of the parity's group, or
// returns nil when none or more than one is missing.
func (d *Decoder) tryRecover(parity *rtp.Packet) *rtp.Packet {
	hdr := parity.Payload[:parityHeaderLen]
	body := parity.Payload[parityHeaderLen:]
	base := binary.BigEndian.Uint16(hdr[0:])
	k := int(hdr[2])
	meta := hdr[3]
	length := binary.BigEndian.Uint16(hdr[4:])
	ts := binary.BigEndian.Uint32(hdr[6:])

	missing := -1
	for i := range k {
		p, ok := d.history[base+uint16(i)]
		if !ok {
			if missing >= 0 {
				return nil
			}
			missing = i
			continue
		}
		length ^= uint16(len(p.Payload))
		ts ^= p.Timestamp
		m := p.PayloadType & 0x7f
		if p.Marker {
			m |= 0x80
		}
		meta ^= m
	}
	if missing < 0 || int(length) > len(body) {
		return nil
	}

	payload := make([]byte, len(body))
	copy(payload, body)
	for i := range k {
		if i == missing {
			continue
		}
		xorInto(payload, d.history[base+uint16(i)].Payload)
	}
	seq := base + uint16(missing)
	rec := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         meta&0x80 != 0,
			PayloadType:    meta & 0x7f,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           parity.SSRC,
		},
		Payload: payload[:length],
	}
	d.markSeen(seq)
	d.remember(rec)
	return rec
}
