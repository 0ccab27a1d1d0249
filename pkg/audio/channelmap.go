package audio

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidChannelMap is returned by [ParseChannelMap] for malformed input.
var ErrInvalidChannelMap = errors.New("audio: invalid channel map")

// ChannelMapUsage describes the channel map syntax for CLI help output.
const ChannelMapUsage = `mapping of input audio channels to output audio channels,
comma-separated list of <in>:<out> pairs, e.g.
  0:0,1:0  mixes the first two channels
  0:0,:1   keeps the first channel and sets the second one to silence
  0:0,0:1  splits mono into two channels`

// ChannelMap routes input channels to output channels. Several inputs mapped
// to the same output are mixed; an output with no inputs is silent.
type ChannelMap struct {
	// inputs[out] lists the input channels mixed into output out.
	inputs [][]int
	spec   string
}

// ParseChannelMap parses the "<in>:<out>[,<in>:<out>...]" syntax. An empty
// <in> declares a silent output channel. The empty string yields a nil map,
// which [ChannelMap.Apply] treats as identity.
func ParseChannelMap(s string) (*ChannelMap, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	m := &ChannelMap{spec: s}
	for item := range strings.SplitSeq(s, ",") {
		in, out, ok := strings.Cut(strings.TrimSpace(item), ":")
		if !ok {
			return nil, fmt.Errorf("%w: %q: missing ':' in %q", ErrInvalidChannelMap, s, item)
		}
		o, err := strconv.Atoi(out)
		if err != nil || o < 0 || o > 255 {
			return nil, fmt.Errorf("%w: %q: bad output channel %q", ErrInvalidChannelMap, s, out)
		}
		for len(m.inputs) <= o {
			m.inputs = append(m.inputs, nil)
		}
		if in == "" {
			continue
		}
		i, err := strconv.Atoi(in)
		if err != nil || i < 0 || i > 255 {
			return nil, fmt.Errorf("%w: %q: bad input channel %q", ErrInvalidChannelMap, s, in)
		}
		m.inputs[o] = append(m.inputs[o], i)
	}
	return m, nil
}

// Channels returns the number of output channels.
func (m *ChannelMap) Channels() int { return len(m.inputs) }

// Inputs returns the input channels mixed into output out.
func (m *ChannelMap) Inputs(out int) []int { return m.inputs[out] }

// String returns the map in its textual form.
func (m *ChannelMap) String() string {
	if m == nil {
		return ""
	}
	return m.spec
}

// Apply remaps src into dst, applying the gain chosen by sc to every output
// channel. Input channels that src does not carry contribute silence. A nil
// map copies channels unchanged. dst receives the sample rate and bit depth
// of src.
func (m *ChannelMap) Apply(src, dst *AudioFrame, sc *Scaler) error {
	outChannels := src.Channels
	if m != nil {
		outChannels = m.Channels()
	}
	bps := src.BytesPerSample()
	if bps == 0 || src.Channels == 0 {
		return fmt.Errorf("audio: remap: invalid source format %s", src.Format)
	}
	frames := src.SampleCount()
	if err := dst.SetLen(frames * outChannels * bps); err != nil {
		return err
	}
	dst.Format = Format{SampleRate: src.SampleRate, Channels: outChannels, BitsPerSample: src.BitsPerSample}
	dst.Timestamp = src.Timestamp

	gains := make([]float64, outChannels)
	for o := range gains {
		mixed := 1
		if m != nil {
			mixed = len(m.inputs[o])
		}
		gains[o] = sc.Gain(mixed)
	}

	var peak int64
	for f := range frames {
		inBase := f * src.Channels * bps
		outBase := f * outChannels * bps
		for o := range outChannels {
			var sum int64
			if m == nil {
				sum = int64(Sample(src.Data[inBase+o*bps:], src.BitsPerSample))
			} else {
				for _, in := range m.inputs[o] {
					if in >= src.Channels {
						continue
					}
					sum += int64(Sample(src.Data[inBase+in*bps:], src.BitsPerSample))
				}
			}
			if a := abs64(sum); a > peak {
				peak = a
			}
			if gains[o] != 1 {
				sum = int64(float64(sum) * gains[o])
			}
			PutSample(dst.Data[outBase+o*bps:], src.BitsPerSample, clamp32(sum))
		}
	}
	sc.Observe(peak)
	return nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
