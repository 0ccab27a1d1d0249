package audio_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/voxlane/pkg/audio"
)

func TestParseChannelMap(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in       string
		channels int
		inputs   [][]int
	}{
		{in: "0:0,1:0", channels: 1, inputs: [][]int{{0, 1}}},
		{in: "0:0,:1", channels: 2, inputs: [][]int{{0}, nil}},
		{in: "0:0,0:1", channels: 2, inputs: [][]int{{0}, {0}}},
		{in: "1:0, 0:1", channels: 2, inputs: [][]int{{1}, {0}}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			m, err := audio.ParseChannelMap(tt.in)
			if err != nil {
				t.Fatalf("ParseChannelMap(%q): %v", tt.in, err)
			}
			if m.Channels() != tt.channels {
				t.Fatalf("Channels = %d, want %d", m.Channels(), tt.channels)
			}
			for o, want := range tt.inputs {
				got := m.Inputs(o)
				if len(got) != len(want) {
					t.Fatalf("Inputs(%d) = %v, want %v", o, got, want)
				}
				for i := range want {
					if got[i] != want[i] {
						t.Errorf("Inputs(%d)[%d] = %d, want %d", o, i, got[i], want[i])
					}
				}
			}
		})
	}
}

func TestParseChannelMap_Invalid(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"0", "a:0", "0:b", "0:-1", "0:0,,1:1"} {
		if _, err := audio.ParseChannelMap(in); !errors.Is(err, audio.ErrInvalidChannelMap) {
			t.Errorf("ParseChannelMap(%q): err = %v, want ErrInvalidChannelMap", in, err)
		}
	}
	m, err := audio.ParseChannelMap("")
	if err != nil || m != nil {
		t.Errorf("ParseChannelMap(\"\") = %v, %v; want nil, nil", m, err)
	}
}

func TestChannelMap_ApplyMixAuto(t *testing.T) {
	t.Parallel()
	m, _ := audio.ParseChannelMap("0:0,1:0")
	src := frameOf(stereo16, []int16{100, 300, 1000, -1000})
	dst := audio.NewFrame(64)
	if err := m.Apply(src, dst, audio.NewScaler(audio.Scale{Mode: audio.ScaleMixAuto})); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if dst.Channels != 1 {
		t.Fatalf("channels = %d, want 1", dst.Channels)
	}
	assertSamples(t, bytesToSamples(dst.Data), []int16{200, 0})
}

func TestChannelMap_ApplySilenceAndSplit(t *testing.T) {
	t.Parallel()
	src := frameOf(mono16, []int16{7, -7})
	dst := audio.NewFrame(64)

	silence, _ := audio.ParseChannelMap("0:0,:1")
	if err := silence.Apply(src, dst, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	assertSamples(t, bytesToSamples(dst.Data), []int16{7, 0, -7, 0})

	split, _ := audio.ParseChannelMap("0:0,0:1")
	if err := split.Apply(src, dst, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	assertSamples(t, bytesToSamples(dst.Data), []int16{7, 7, -7, -7})
}

func TestChannelMap_MissingInputIsSilent(t *testing.T) {
	t.Parallel()
	m, _ := audio.ParseChannelMap("3:0")
	src := frameOf(mono16, []int16{5})
	dst := audio.NewFrame(8)
	if err := m.Apply(src, dst, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	assertSamples(t, bytesToSamples(dst.Data), []int16{0})
}

func TestChannelMap_NilIsIdentity(t *testing.T) {
	t.Parallel()
	var m *audio.ChannelMap
	src := frameOf(stereo16, []int16{1, 2, 3, 4})
	dst := audio.NewFrame(64)
	if err := m.Apply(src, dst, audio.NewScaler(audio.Scale{Mode: audio.ScaleFactor, Factor: 2})); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	assertSamples(t, bytesToSamples(dst.Data), []int16{2, 4, 6, 8})
}
