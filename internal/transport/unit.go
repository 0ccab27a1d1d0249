package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/MrWong99/voxlane/pkg/audio"
)

const (
	// unitHeaderLen is the size of the header that precedes every fragment:
	// channels (1), bits per sample (1), codec (1), flags (1), sample rate (4),
	// samples (4), fragment offset (4), unit length (4).
	unitHeaderLen = 20

	// maxUnitLength bounds the size of a reassembled unit.
	maxUnitLength = 1 << 20

	// maxPartialUnits bounds the units under reassembly per sender.
	maxPartialUnits = 8
)

var errMalformedUnit = errors.New("transport: malformed audio unit")

// PayloadDescriptor describes an encoded audio unit handed to [Transport.Send].
type PayloadDescriptor struct {
	// Format is the PCM format the payload decodes to.
	Format audio.Format

	// Codec identifies the payload encoding.
	Codec uint8

	// Samples is the per-channel sample count the payload decodes to.
	Samples int
}

// Duration returns the unit length in 90 kHz ticks.
func (d PayloadDescriptor) Duration() uint32 { return d.Format.Ticks(d.Samples) }

type unitHeader struct {
	PayloadDescriptor
	offset uint32
	length uint32
}

func (h unitHeader) marshalTo(b []byte) {
	b[0] = byte(h.Format.Channels)
	b[1] = byte(h.Format.BitsPerSample)
	b[2] = h.Codec
	b[3] = 0
	binary.BigEndian.PutUint32(b[4:], uint32(h.Format.SampleRate))
	binary.BigEndian.PutUint32(b[8:], uint32(h.Samples))
	binary.BigEndian.PutUint32(b[12:], h.offset)
	binary.BigEndian.PutUint32(b[16:], h.length)
}

func parseUnitHeader(b []byte) (unitHeader, error) {
	if len(b) < unitHeaderLen {
		return unitHeader{}, fmt.Errorf("%w: %d bytes", errMalformedUnit, len(b))
	}
	h := unitHeader{
		PayloadDescriptor: PayloadDescriptor{
			Format: audio.Format{
				Channels:      int(b[0]),
				BitsPerSample: int(b[1]),
				SampleRate:    int(binary.BigEndian.Uint32(b[4:])),
			},
			Codec:   b[2],
			Samples: int(binary.BigEndian.Uint32(b[8:])),
		},
		offset: binary.BigEndian.Uint32(b[12:]),
		length: binary.BigEndian.Uint32(b[16:]),
	}
	if err := h.Format.Validate(); err != nil {
		return unitHeader{}, fmt.Errorf("%w: %w", errMalformedUnit, err)
	}
	frag := uint32(len(b) - unitHeaderLen)
	if h.length > maxUnitLength || h.offset > h.length || frag > h.length-h.offset {
		return unitHeader{}, fmt.Errorf("%w: fragment %d+%d of %d", errMalformedUnit, h.offset, frag, h.length)
	}
	return h, nil
}

// fragment splits payload into fragments of at most maxFrag bytes, each
// prefixed with its unit header. An empty payload yields one fragment.
func fragment(payload []byte, d PayloadDescriptor, maxFrag int) [][]byte {
	var out [][]byte
	total := uint32(len(payload))
	for off := 0; off < len(payload) || off == 0; off += maxFrag {
		end := min(off+maxFrag, len(payload))
		b := make([]byte, unitHeaderLen+end-off)
		unitHeader{PayloadDescriptor: d, offset: uint32(off), length: total}.marshalTo(b)
		copy(b[unitHeaderLen:], payload[off:end])
		out = append(out, b)
		if end == len(payload) {
			break
		}
	}
	return out
}

// Unit is a reassembled audio unit.
type Unit struct {
	PayloadDescriptor
	Timestamp uint32
	Payload   []byte
}

type partialUnit struct {
	hdr     unitHeader
	buf     []byte
	got     uint32
	offsets map[uint32]struct{}
}

// reassembler collects the fragments of one sender's units, keyed by RTP
// timestamp. It is owned by the receiver goroutine.
type reassembler struct {
	partial map[uint32]*partialUnit
	order   []uint32
}

func newReassembler() *reassembler {
	return &reassembler{partial: make(map[uint32]*partialUnit)}
}

// add consumes one fragment. It returns the unit once all of its bytes have
// arrived.
func (r *reassembler) add(ts uint32, b []byte) (Unit, bool, error) {
	h, err := parseUnitHeader(b)
	if err != nil {
		return Unit{}, false, err
	}
	frag := b[unitHeaderLen:]
	if h.offset == 0 && uint32(len(frag)) == h.length {
		return Unit{PayloadDescriptor: h.PayloadDescriptor, Timestamp: ts, Payload: frag}, true, nil
	}

	p, ok := r.partial[ts]
	if !ok {
		if len(r.order) == maxPartialUnits {
			delete(r.partial, r.order[0])
			r.order = r.order[1:]
		}
		p = &partialUnit{hdr: h, buf: make([]byte, h.length), offsets: make(map[uint32]struct{})}
		r.partial[ts] = p
		r.order = append(r.order, ts)
	}
	if p.hdr.length != h.length || p.hdr.PayloadDescriptor != h.PayloadDescriptor {
		return Unit{}, false, fmt.Errorf("%w: fragment header mismatch at ts %d", errMalformedUnit, ts)
	}
	if _, dup := p.offsets[h.offset]; dup {
		return Unit{}, false, nil
	}
	p.offsets[h.offset] = struct{}{}
	copy(p.buf[h.offset:], frag)
	p.got += uint32(len(frag))
	if p.got < p.hdr.length {
		return Unit{}, false, nil
	}

	r.drop(ts)
	return Unit{PayloadDescriptor: p.hdr.PayloadDescriptor, Timestamp: ts, Payload: p.buf}, true, nil
}

func (r *reassembler) drop(ts uint32) {
	delete(r.partial, ts)
	for i, v := range r.order {
		if v == ts {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}
