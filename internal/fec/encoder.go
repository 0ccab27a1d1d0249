package fec

import (
	"encoding/binary"

	"github.com/pion/rtp"
)

// parityHeaderLen is the size of the header prepended to parity payloads:
// base seq (2), group size (1), marker|payload type (1), length XOR (2),
// timestamp XOR (4).
const parityHeaderLen = 10

// Encoder adds redundancy to a sender's packet stream. Not safe for
// concurrent use; the sender goroutine owns it.
type Encoder struct {
	cfg   Config
	group []*rtp.Packet
}

// NewEncoder creates an Encoder for cfg.
func NewEncoder(cfg Config) *Encoder {
	return &Encoder{cfg: cfg}
}

// Protect returns the packets to transmit for pkt, in order. nextSeq
// allocates the sequence number of a parity packet. pkt must not be modified
// afterwards.
func (e *Encoder) Protect(pkt *rtp.Packet, nextSeq func() uint16) []*rtp.Packet {
	switch e.cfg.Scheme {
	case SchemeMult:
		out := make([]*rtp.Packet, e.cfg.N)
		for i := range out {
			out[i] = pkt
		}
		return out
	case SchemeXOR:
		e.group = append(e.group, pkt)
		if len(e.group) < e.cfg.N {
			return []*rtp.Packet{pkt}
		}
		parity := buildParity(e.group, nextSeq())
		clear(e.group)
		e.group = e.group[:0]
		return []*rtp.Packet{pkt, parity}
	default:
		return []*rtp.Packet{pkt}
	}
}

func buildParity(group []*rtp.Packet, seq uint16) *rtp.Packet {
	maxLen := 0
	for _, p := range group {
		maxLen = max(maxLen, len(p.Payload))
	}
	payload := make([]byte, parityHeaderLen+maxLen)
	var lenXOR uint16
	var tsXOR uint32
	var meta byte
	for _, p := range group {
		lenXOR ^= uint16(len(p.Payload))
		tsXOR ^= p.Timestamp
		m := p.PayloadType & 0x7f
		if p.Marker {
			m |= 0x80
		}
		meta ^= m
		xorInto(payload[parityHeaderLen:], p.Payload)
	}
	first := group[0]
	binary.BigEndian.PutUint16(payload[0:], first.SequenceNumber)
	payload[2] = byte(len(group))
	payload[3] = meta
	binary.BigEndian.PutUint16(payload[4:], lenXOR)
	binary.BigEndian.PutUint32(payload[6:], tsXOR)

	last := group[len(group)-1]
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    ParityPayloadType,
			SequenceNumber: seq,
			Timestamp:      last.Timestamp,
			SSRC:           last.SSRC,
		},
		Payload: payload,
	}
}

func xorInto(dst, src []byte) {
	for i := range src {
		dst[i] ^= src[i]
	}
}
