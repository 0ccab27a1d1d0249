package audio

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ScaleMode selects how output channels are scaled after remapping.
type ScaleMode int

const (
	// ScaleMixAuto divides every output channel by the number of inputs
	// mixed into it. This is the default.
	ScaleMixAuto ScaleMode = iota

	// ScaleAuto tracks the output peak and adjusts the gain to keep it just
	// below full scale.
	ScaleAuto

	// ScaleNone leaves samples untouched (mixes may clip).
	ScaleNone

	// ScaleFactor multiplies every output sample by a fixed factor.
	ScaleFactor
)

// ScaleUsage describes the scale syntax for CLI help output.
const ScaleUsage = `[<factor>|<method>]
floating point number giving a static scaling factor for all output channels,
or one of these methods:
  mixauto - automatically adjust volume if using channel mixing/remapping (default)
  auto    - automatically adjust volume
  none    - no scaling will be performed`

const (
	autoTarget  = 0.9 * math.MaxInt32
	autoMaxGain = 4.0
	autoRelease = 0.05
)

// Scale is a parsed scaling rule.
type Scale struct {
	Mode   ScaleMode
	Factor float64
}

// ParseScale parses "mixauto", "auto", "none" or a non-negative float factor.
// The empty string selects [ScaleMixAuto].
func ParseScale(s string) (Scale, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mixauto":
		return Scale{Mode: ScaleMixAuto}, nil
	case "auto":
		return Scale{Mode: ScaleAuto}, nil
	case "none":
		return Scale{Mode: ScaleNone}, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 || math.IsInf(f, 0) || math.IsNaN(f) {
		return Scale{}, fmt.Errorf("audio: invalid scale %q", s)
	}
	return Scale{Mode: ScaleFactor, Factor: f}, nil
}

// String returns the textual form accepted by [ParseScale].
func (s Scale) String() string {
	switch s.Mode {
	case ScaleMixAuto:
		return "mixauto"
	case ScaleAuto:
		return "auto"
	case ScaleNone:
		return "none"
	default:
		return strconv.FormatFloat(s.Factor, 'g', -1, 64)
	}
}

// Scaler applies a [Scale] to a stream. Auto mode keeps state between frames,
// so use one Scaler per stream.
type Scaler struct {
	scale Scale
	gain  float64
}

// NewScaler returns a Scaler for s with unity starting gain.
func NewScaler(s Scale) *Scaler {
	return &Scaler{scale: s, gain: 1}
}

// Gain returns the factor for an output channel fed by mixed inputs.
// A nil Scaler applies no scaling.
func (s *Scaler) Gain(mixed int) float64 {
	if s == nil {
		return 1
	}
	switch s.scale.Mode {
	case ScaleMixAuto:
		if mixed > 1 {
			return 1 / float64(mixed)
		}
		return 1
	case ScaleAuto:
		return s.gain
	case ScaleFactor:
		return s.scale.Factor
	default:
		return 1
	}
}

// Observe feeds the unscaled peak of the last frame. Auto mode cuts the gain
// immediately when the peak would exceed the target and recovers slowly
// otherwise.
func (s *Scaler) Observe(peak int64) {
	if s == nil || s.scale.Mode != ScaleAuto || peak == 0 {
		return
	}
	desired := min(autoTarget/float64(peak), autoMaxGain)
	if desired < s.gain {
		s.gain = desired
		return
	}
	s.gain += (desired - s.gain) * autoRelease
}

// CurrentGain returns the gain auto mode currently applies.
func (s *Scaler) CurrentGain() float64 { return s.gain }
