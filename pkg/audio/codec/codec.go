// Package codec defines how audio frames are encoded for the wire.
//
// Every codec has a stable one-byte [Codec.ID] carried in the unit header,
// so a receiver can decode any stream whose codec it knows regardless of
// what it sends itself. [PCM] is always available; other codecs live in
// subpackages (see codec/opus) and are made available through a [Set].
package codec

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voxlane/pkg/audio"
)

// Wire identifiers of the built-in codecs.
const (
	IDPCM  uint8 = 0
	IDOpus uint8 = 1
)

// ErrUnsupportedFormat is returned when a codec cannot handle a PCM format.
var ErrUnsupportedFormat = errors.New("codec: unsupported format")

// ErrUnknownCodec is returned by [Set] lookups that find nothing.
var ErrUnknownCodec = errors.New("codec: unknown codec")

// Codec creates encoders and decoders for one payload encoding.
type Codec interface {
	// ID is the wire identifier.
	ID() uint8

	// Name is the configuration name, e.g. "pcm".
	Name() string

	// NewEncoder returns an encoder for frames in format f.
	NewEncoder(f audio.Format) (Encoder, error)

	// NewDecoder returns a decoder producing PCM in format f.
	NewDecoder(f audio.Format) (Decoder, error)
}

// Encoder turns PCM frames into payloads. Encoders may keep state between
// frames and are owned by the sender goroutine.
type Encoder interface {
	// Encode appends the encoded form of src to dst and returns the result.
	Encode(dst []byte, src *audio.AudioFrame) ([]byte, error)
}

// Decoder turns payloads back into PCM. Decoders may keep state between
// payloads, so each sender gets its own.
type Decoder interface {
	// Decode writes the PCM for payload, which holds samples per-channel
	// samples, into dst and sets dst.Format.
	Decode(dst *audio.AudioFrame, payload []byte, samples int) error
}

// Set is a collection of codecs addressable by ID and by name. It is safe for
// concurrent use.
type Set struct {
	mu     sync.RWMutex
	byID   map[uint8]Codec
	byName map[string]Codec
}

// NewSet returns a set containing [PCM] and cs.
func NewSet(cs ...Codec) *Set {
	s := &Set{byID: make(map[uint8]Codec), byName: make(map[string]Codec)}
	s.Add(PCM{})
	for _, c := range cs {
		s.Add(c)
	}
	return s
}

// Add registers c, replacing any codec with the same ID or name.
func (s *Set) Add(c Codec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[c.ID()] = c
	s.byName[c.Name()] = c
}

// ByID returns the codec with wire identifier id.
func (s *Set) ByID(id uint8) (Codec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownCodec, id)
	}
	return c, nil
}

// ByName returns the codec configured as name.
func (s *Set) ByName(name string) (Codec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
	return c, nil
}

// Names returns the configured codec names, sorted.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.byName))
	for n := range s.byName {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
