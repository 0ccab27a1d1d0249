// Package opus provides the Opus codec for voxlane, backed by libopus via
// gopus.
//
// Opus accepts 16-bit PCM at 8, 12, 16, 24 or 48 kHz with one or two
// channels, in frames of 2.5, 5, 10, 20, 40 or 60 ms. Capture backends should
// be configured to deliver frames of one of those lengths.
package opus

import (
	"fmt"
	"strconv"

	"layeh.com/gopus"

	"github.com/MrWong99/voxlane/pkg/audio"
	"github.com/MrWong99/voxlane/pkg/audio/codec"
)

const (
	// DefaultBitrate is the encoder target in bits per second.
	DefaultBitrate = 64000

	// maxPacketBytes bounds one encoded frame.
	maxPacketBytes = 4000
)

// Codec is the Opus [codec.Codec].
type Codec struct {
	// Bitrate is the encoder target in bits per second. Zero means
	// [DefaultBitrate].
	Bitrate int

	// Voice tunes the encoder for speech instead of general audio.
	Voice bool
}

var _ codec.Codec = Codec{}

// FromOptions builds a Codec from backend options ("bitrate", "voice").
func FromOptions(opts map[string]string) (Codec, error) {
	var c Codec
	if v, ok := opts["bitrate"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 6000 || n > 510000 {
			return Codec{}, fmt.Errorf("opus: bitrate %q must be in [6000,510000]", v)
		}
		c.Bitrate = n
	}
	if v, ok := opts["voice"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Codec{}, fmt.Errorf("opus: voice %q: %w", v, err)
		}
		c.Voice = b
	}
	return c, nil
}

// ID implements [codec.Codec].
func (Codec) ID() uint8 { return codec.IDOpus }

// Name implements [codec.Codec].
func (Codec) Name() string { return "opus" }

// NewEncoder implements [codec.Codec].
func (c Codec) NewEncoder(f audio.Format) (codec.Encoder, error) {
	if err := supported(f); err != nil {
		return nil, err
	}
	app := gopus.Audio
	if c.Voice {
		app = gopus.Voip
	}
	enc, err := gopus.NewEncoder(f.SampleRate, f.Channels, app)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	bitrate := c.Bitrate
	if bitrate == 0 {
		bitrate = DefaultBitrate
	}
	enc.SetBitrate(bitrate)
	return &encoder{enc: enc, format: f}, nil
}

// NewDecoder implements [codec.Codec].
func (Codec) NewDecoder(f audio.Format) (codec.Decoder, error) {
	if err := supported(f); err != nil {
		return nil, err
	}
	dec, err := gopus.NewDecoder(f.SampleRate, f.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &decoder{dec: dec, format: f}, nil
}

func supported(f audio.Format) error {
	switch f.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("%w: opus sample rate %d", codec.ErrUnsupportedFormat, f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 2 {
		return fmt.Errorf("%w: opus channels %d", codec.ErrUnsupportedFormat, f.Channels)
	}
	if f.BitsPerSample != 16 {
		return fmt.Errorf("%w: opus needs s16, got s%d", codec.ErrUnsupportedFormat, f.BitsPerSample)
	}
	return nil
}

// validFrameSize reports whether samples is an Opus frame length at rate.
func validFrameSize(rate, samples int) bool {
	// Frame lengths in units of 2.5 ms.
	for _, quarters := range []int{1, 2, 4, 8, 16, 24} {
		if samples == rate*quarters/400 {
			return true
		}
	}
	return false
}

// encoder wraps a gopus encoder for one outbound stream.
type encoder struct {
	enc    *gopus.Encoder
	format audio.Format
}

func (e *encoder) Encode(dst []byte, src *audio.AudioFrame) ([]byte, error) {
	if src.Format != e.format {
		return nil, fmt.Errorf("%w: frame is %s, encoder is %s", codec.ErrUnsupportedFormat, src.Format, e.format)
	}
	samples := src.SampleCount()
	if !validFrameSize(e.format.SampleRate, samples) {
		return nil, fmt.Errorf("opus: %d samples at %d Hz is not a valid frame length", samples, e.format.SampleRate)
	}
	packet, err := e.enc.Encode(bytesToInt16s(src.Data), samples, maxPacketBytes)
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return append(dst, packet...), nil
}

// decoder wraps a gopus decoder for a single sender. Each sender gets its own
// decoder to keep decoder state correct across consecutive frames.
type decoder struct {
	dec    *gopus.Decoder
	format audio.Format
}

func (d *decoder) Decode(dst *audio.AudioFrame, payload []byte, samples int) error {
	pcm, err := d.dec.Decode(payload, samples, false)
	if err != nil {
		return fmt.Errorf("opus: decode: %w", err)
	}
	if err := dst.SetLen(len(pcm) * 2); err != nil {
		return err
	}
	putInt16s(dst.Data, pcm)
	dst.Format = d.format
	return nil
}

// putInt16s writes PCM int16 samples to b as little-endian bytes.
func putInt16s(b []byte, pcm []int16) {
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
}

// bytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
