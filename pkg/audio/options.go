package audio

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// DefaultFormat is the PCM layout backends use when not configured otherwise.
var DefaultFormat = Format{SampleRate: 48000, Channels: 1, BitsPerSample: 16}

// FormatFromOptions reads the "rate", "channels" and "bits" backend options,
// falling back to def for missing keys.
func FormatFromOptions(opts map[string]string, def Format) (Format, error) {
	f := def
	var errs []error
	for key, dst := range map[string]*int{
		"rate":     &f.SampleRate,
		"channels": &f.Channels,
		"bits":     &f.BitsPerSample,
	} {
		v, ok := opts[key]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", key, v, err))
			continue
		}
		*dst = n
	}
	if err := errors.Join(errs...); err != nil {
		return Format{}, err
	}
	if err := f.Validate(); err != nil {
		return Format{}, err
	}
	return f, nil
}

// DurationOption reads a duration option such as "frame=20ms". A bare number
// is taken as milliseconds.
func DurationOption(opts map[string]string, key string, def time.Duration) (time.Duration, error) {
	v, ok := opts[key]
	if !ok {
		return def, nil
	}
	if ms, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(ms * float64(time.Millisecond)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q: %w", key, v, err)
	}
	return d, nil
}
