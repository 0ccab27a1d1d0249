package main

import (
	"context"
	"log/slog"

	"github.com/MrWong99/voxlane/internal/config"
	"github.com/MrWong99/voxlane/pkg/audio"
	"github.com/MrWong99/voxlane/pkg/audio/codec"
	"github.com/MrWong99/voxlane/pkg/audio/codec/opus"
	"github.com/MrWong99/voxlane/pkg/audio/null"
	"github.com/MrWong99/voxlane/pkg/audio/tone"
	"github.com/MrWong99/voxlane/pkg/audio/wsaudio"
)

// registerBuiltinBackends wires all built-in backend factories into reg.
// "none" is handled by the session manager and never reaches the registry.
// No echo canceller ships with voxlane, so requesting one is a
// configuration error.
func registerBuiltinBackends(reg *config.Registry) {
	// ── Capture ───────────────────────────────────────────────────────────────

	reg.RegisterCapture("null", func(_ context.Context, entry config.BackendEntry, _ *audio.Pool) (audio.Capture, error) {
		idle, err := audio.DurationOption(entry.Options, "idle", null.DefaultIdle)
		if err != nil {
			return nil, err
		}
		return null.NewCapture(idle), nil
	})

	reg.RegisterCapture("tone", func(_ context.Context, entry config.BackendEntry, pool *audio.Pool) (audio.Capture, error) {
		cfg, err := tone.ConfigFromOptions(entry.Options)
		if err != nil {
			return nil, err
		}
		c, err := tone.NewCapture(pool, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	})

	reg.RegisterCapture("ws", func(ctx context.Context, entry config.BackendEntry, pool *audio.Pool) (audio.Capture, error) {
		cfg, err := wsaudio.ConfigFromOptions(entry.Options)
		if err != nil {
			return nil, err
		}
		c, err := wsaudio.NewCapture(ctx, pool, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	})

	// ── Playback ──────────────────────────────────────────────────────────────

	reg.RegisterPlayback("null", func(_ context.Context, entry config.BackendEntry, capacity int) (audio.Playback, error) {
		f, err := audio.FormatFromOptions(entry.Options, audio.DefaultFormat)
		if err != nil {
			return nil, err
		}
		return null.NewPlayback(f, capacity), nil
	})

	reg.RegisterPlayback("ws", func(ctx context.Context, entry config.BackendEntry, capacity int) (audio.Playback, error) {
		cfg, err := wsaudio.ConfigFromOptions(entry.Options)
		if err != nil {
			return nil, err
		}
		p, err := wsaudio.NewPlayback(ctx, cfg, capacity)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// ── Codecs ────────────────────────────────────────────────────────────────

	reg.RegisterCodec("pcm", func(config.BackendEntry) (codec.Codec, error) {
		return codec.PCM{}, nil
	})

	reg.RegisterCodec("opus", func(entry config.BackendEntry) (codec.Codec, error) {
		c, err := opus.FromOptions(entry.Options)
		if err != nil {
			return nil, err
		}
		return c, nil
	})

	slog.Debug("registered backends",
		"capture", reg.CaptureNames(),
		"playback", reg.PlaybackNames(),
		"codec", reg.CodecNames(),
	)
}
