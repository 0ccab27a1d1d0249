package audio_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/MrWong99/voxlane/pkg/audio"
)

var (
	mono16   = audio.Format{SampleRate: 48000, Channels: 1, BitsPerSample: 16}
	stereo16 = audio.Format{SampleRate: 48000, Channels: 2, BitsPerSample: 16}
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

// frameOf builds a standalone frame holding samples in format f.
func frameOf(f audio.Format, samples []int16) *audio.AudioFrame {
	fr := audio.NewFrame(len(samples) * 2)
	fr.Format = f
	fr.Data = append(fr.Data, samplesToBytes(samples)...)
	return fr
}

func assertSamples(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestSampleRoundTrip(t *testing.T) {
	t.Parallel()
	for _, bits := range []int{8, 16, 24, 32} {
		buf := make([]byte, 4)
		audio.PutSample(buf, bits, -1<<30)
		if got := audio.Sample(buf, bits); got != -1<<30 {
			t.Errorf("%d bits: got %d, want %d", bits, got, -1<<30)
		}
	}
}

func TestFormatConverter_NoOp(t *testing.T) {
	t.Parallel()
	src := frameOf(mono16, []int16{1, 2, 3})
	dst := audio.NewFrame(64)
	conv := audio.FormatConverter{Target: mono16}
	if err := conv.Convert(src, dst); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	assertSamples(t, bytesToSamples(dst.Data), []int16{1, 2, 3})
	if dst.Format != mono16 {
		t.Errorf("format = %s, want %s", dst.Format, mono16)
	}
}

func TestFormatConverter_MonoToStereo(t *testing.T) {
	t.Parallel()
	src := frameOf(mono16, []int16{100, 200, 300})
	dst := audio.NewFrame(64)
	conv := audio.FormatConverter{Target: stereo16}
	if err := conv.Convert(src, dst); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	assertSamples(t, bytesToSamples(dst.Data), []int16{100, 100, 200, 200, 300, 300})
}

func TestFormatConverter_StereoToMono(t *testing.T) {
	t.Parallel()
	src := frameOf(stereo16, []int16{100, 200, -100, -200})
	dst := audio.NewFrame(64)
	conv := audio.FormatConverter{Target: mono16}
	if err := conv.Convert(src, dst); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	assertSamples(t, bytesToSamples(dst.Data), []int16{150, -150})
}

func TestFormatConverter_Upsample(t *testing.T) {
	t.Parallel()
	src := frameOf(audio.Format{SampleRate: 24000, Channels: 1, BitsPerSample: 16}, []int16{0, 100, 200, 300})
	dst := audio.NewFrame(64)
	conv := audio.FormatConverter{Target: mono16}
	if err := conv.Convert(src, dst); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	got := bytesToSamples(dst.Data)
	if len(got) != 8 {
		t.Fatalf("got %d samples, want 8", len(got))
	}
	if got[1] != 50 {
		t.Errorf("interpolated sample = %d, want 50", got[1])
	}
}

func TestFormatConverter_BitDepth(t *testing.T) {
	t.Parallel()
	src := frameOf(mono16, []int16{0x1234, -2})
	dst := audio.NewFrame(64)
	target := audio.Format{SampleRate: 48000, Channels: 1, BitsPerSample: 24}
	conv := audio.FormatConverter{Target: target}
	if err := conv.Convert(src, dst); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if dst.Len() != 6 {
		t.Fatalf("len = %d, want 6", dst.Len())
	}
	if got := audio.Sample(dst.Data[0:], 24) >> 16; got != 0x1234 {
		t.Errorf("sample 0 = %#x, want 0x1234", got)
	}
	if got := audio.Sample(dst.Data[3:], 24) >> 16; got != -2 {
		t.Errorf("sample 1 = %d, want -2", got)
	}
}

func TestFormatConverter_Misaligned(t *testing.T) {
	t.Parallel()
	src := audio.NewFrame(8)
	src.Format = mono16
	src.Data = append(src.Data, 1, 2, 3)
	conv := audio.FormatConverter{Target: stereo16}
	if err := conv.Convert(src, audio.NewFrame(64)); err == nil {
		t.Fatal("expected error for misaligned frame")
	}
}

func TestFormatConverter_DestinationTooSmall(t *testing.T) {
	t.Parallel()
	src := frameOf(mono16, []int16{1, 2, 3, 4})
	conv := audio.FormatConverter{Target: stereo16}
	err := conv.Convert(src, audio.NewFrame(8))
	if !errors.Is(err, audio.ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestFormatTicks(t *testing.T) {
	t.Parallel()
	if got := mono16.Ticks(960); got != 1800 {
		t.Errorf("Ticks(960) = %d, want 1800", got)
	}
	if got := stereo16.Samples(3840); got != 960 {
		t.Errorf("Samples(3840) = %d, want 960", got)
	}
}

func TestFormatValidate(t *testing.T) {
	t.Parallel()
	if err := mono16.Validate(); err != nil {
		t.Errorf("valid format: %v", err)
	}
	if err := (audio.Format{SampleRate: 0, Channels: 0, BitsPerSample: 12}).Validate(); err == nil {
		t.Error("expected error for invalid format")
	}
}
