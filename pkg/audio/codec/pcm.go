package codec

import (
	"fmt"

	"github.com/MrWong99/voxlane/pkg/audio"
)

// PCM sends frames uncompressed in their capture format.
type PCM struct{}

var _ Codec = PCM{}

// ID implements [Codec].
func (PCM) ID() uint8 { return IDPCM }

// Name implements [Codec].
func (PCM) Name() string { return "pcm" }

// NewEncoder implements [Codec].
func (PCM) NewEncoder(f audio.Format) (Encoder, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	}
	return pcmEncoder{}, nil
}

// NewDecoder implements [Codec].
func (PCM) NewDecoder(f audio.Format) (Decoder, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	}
	return pcmDecoder{format: f}, nil
}

type pcmEncoder struct{}

func (pcmEncoder) Encode(dst []byte, src *audio.AudioFrame) ([]byte, error) {
	return append(dst, src.Data...), nil
}

type pcmDecoder struct {
	format audio.Format
}

func (d pcmDecoder) Decode(dst *audio.AudioFrame, payload []byte, samples int) error {
	if want := samples * d.format.BytesPerFrame(); len(payload) != want {
		return fmt.Errorf("codec: pcm payload is %d bytes, want %d", len(payload), want)
	}
	if err := dst.SetLen(len(payload)); err != nil {
		return err
	}
	copy(dst.Data, payload)
	dst.Format = d.format
	return nil
}
