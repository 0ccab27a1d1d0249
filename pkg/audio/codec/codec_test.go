package codec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/MrWong99/voxlane/pkg/audio"
)

var mono16 = audio.Format{SampleRate: 48000, Channels: 1, BitsPerSample: 16}

func TestPCM_RoundTrip(t *testing.T) {
	t.Parallel()

	enc, err := PCM{}.NewEncoder(mono16)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	dec, err := PCM{}.NewDecoder(mono16)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	src := audio.NewFrame(64)
	src.Format = mono16
	src.Data = append(src.Data, 1, 2, 3, 4, 5, 6)

	payload, err := enc.Encode([]byte{0xff}, src)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(payload, []byte{0xff, 1, 2, 3, 4, 5, 6}) {
		t.Fatalf("Encode did not append: %v", payload)
	}

	dst := audio.NewFrame(64)
	if err := dec.Decode(dst, payload[1:], 3); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(dst.Data, src.Data) || dst.Format != mono16 {
		t.Errorf("decoded %v %v", dst.Format, dst.Data)
	}
}

func TestPCM_DecodeRejects(t *testing.T) {
	t.Parallel()

	dec, _ := PCM{}.NewDecoder(mono16)
	if err := dec.Decode(audio.NewFrame(64), []byte{1, 2, 3}, 2); err == nil {
		t.Error("expected length mismatch error")
	}
	if err := dec.Decode(audio.NewFrame(2), []byte{1, 2, 3, 4}, 2); !errors.Is(err, audio.ErrFrameTooLarge) {
		t.Errorf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestPCM_RejectsInvalidFormat(t *testing.T) {
	t.Parallel()

	if _, err := (PCM{}).NewEncoder(audio.Format{SampleRate: 48000, Channels: 1, BitsPerSample: 12}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}

type fakeCodec struct {
	PCM
	id   uint8
	name string
}

func (f fakeCodec) ID() uint8 { return f.id }
func (f fakeCodec) Name() string { return f.name }

func TestSet(t *testing.T) {
	t.Parallel()

	s := NewSet(fakeCodec{id: 7, name: "fake"})
	if c, err := s.ByID(IDPCM); err != nil || c.Name() != "pcm" {
		t.Errorf("ByID(pcm) = %v, %v", c, err)
	}
	if c, err := s.ByName("fake"); err != nil || c.ID() != 7 {
		t.Errorf("ByName(fake) = %v, %v", c, err)
	}
	if _, err := s.ByID(42); !errors.Is(err, ErrUnknownCodec) {
		t.Errorf("ByID(42) err = %v, want ErrUnknownCodec", err)
	}
	if got := s.Names(); len(got) != 2 || got[0] != "fake" || got[1] != "pcm" {
		t.Errorf("Names = %v", got)
	}
}
