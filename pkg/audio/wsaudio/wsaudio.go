// Package wsaudio carries raw PCM over a WebSocket connection, letting a
// browser page or any WebSocket peer act as microphone or speaker.
//
// The protocol has two message kinds:
//
//   - Text messages hold a JSON [FormatMessage] describing the PCM layout of
//     the binary messages that follow.
//   - Binary messages hold interleaved little-endian PCM.
//
// [Capture] dials a URL and reads audio from it; [Playback] dials a URL and
// writes audio to it, announcing its format before the first frame and after
// every reconfiguration.
package wsaudio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxlane/pkg/audio"
)

const (
	// dialTimeout bounds connection setup.
	dialTimeout = 10 * time.Second

	// writeTimeout bounds a single message write.
	writeTimeout = time.Second

	// readTimeout is how long Capture.Read waits before reporting that no
	// audio is available.
	readTimeout = 100 * time.Millisecond

	// queueDepth is the number of received messages buffered by Capture.
	queueDepth = 64
)

// FormatMessage announces the PCM layout of subsequent binary messages.
type FormatMessage struct {
	SampleRate    int `json:"sample_rate"`
	Channels      int `json:"channels"`
	BitsPerSample int `json:"bits_per_sample"`
}

func (m FormatMessage) format() audio.Format {
	return audio.Format{SampleRate: m.SampleRate, Channels: m.Channels, BitsPerSample: m.BitsPerSample}
}

func formatMessage(f audio.Format) FormatMessage {
	return FormatMessage{SampleRate: f.SampleRate, Channels: f.Channels, BitsPerSample: f.BitsPerSample}
}

// Config describes a WebSocket audio endpoint.
type Config struct {
	// URL is the ws:// or wss:// endpoint to dial.
	URL string

	// Format is the initial PCM layout.
	Format audio.Format

	// Fixed makes Playback refuse reconfiguration, so the peer always
	// receives Format.
	Fixed bool
}

// ConfigFromOptions reads "url", "rate", "channels", "bits" and "fixed"
// from backend options.
func ConfigFromOptions(opts map[string]string) (Config, error) {
	url := opts["url"]
	if url == "" {
		return Config{}, errors.New("wsaudio: url option is required")
	}
	f, err := audio.FormatFromOptions(opts, audio.DefaultFormat)
	if err != nil {
		return Config{}, fmt.Errorf("wsaudio: %w", err)
	}
	return Config{URL: url, Format: f, Fixed: opts["fixed"] == "true"}, nil
}

func dial(ctx context.Context, url string) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsaudio: dial %s: %w", url, err)
	}
	return conn, nil
}
