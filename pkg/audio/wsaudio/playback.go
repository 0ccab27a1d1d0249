package wsaudio

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxlane/pkg/audio"
)

// Playback writes PCM to a WebSocket peer.
type Playback struct {
	conn     *websocket.Conn
	capacity int
	fixed    bool

	mu        sync.Mutex
	format    audio.Format
	announced bool
	free      []*audio.AudioFrame

	closeOnce sync.Once
}

var _ audio.Playback = (*Playback)(nil)

// NewPlayback dials cfg.URL. Lent frames hold capacity bytes.
func NewPlayback(ctx context.Context, cfg Config, capacity int) (*Playback, error) {
	if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}
	conn, err := dial(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}
	return &Playback{conn: conn, capacity: capacity, fixed: cfg.Fixed, format: cfg.Format}, nil
}

// GetFrame implements [audio.Playback].
func (p *Playback) GetFrame() (*audio.AudioFrame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var f *audio.AudioFrame
	if n := len(p.free); n > 0 {
		f = p.free[n-1]
		p.free = p.free[:n-1]
		f.Reset()
	} else {
		f = audio.NewFrame(p.capacity)
	}
	f.Format = p.format
	return f, nil
}

// PutFrame implements [audio.Playback]. It sends the frame as one binary
// message, preceded by a format message when the format changed.
func (p *Playback) PutFrame(ctx context.Context, f *audio.AudioFrame) error {
	defer p.recycle(f)

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	p.mu.Lock()
	announce := !p.announced || f.Format != p.format
	if announce {
		p.format = f.Format
		p.announced = true
	}
	p.mu.Unlock()

	if announce {
		msg, err := json.Marshal(formatMessage(f.Format))
		if err != nil {
			return fmt.Errorf("wsaudio: marshal format: %w", err)
		}
		if err := p.conn.Write(ctx, websocket.MessageText, msg); err != nil {
			return fmt.Errorf("wsaudio: write format: %w", err)
		}
	}
	if err := p.conn.Write(ctx, websocket.MessageBinary, f.Data); err != nil {
		return fmt.Errorf("wsaudio: write audio: %w", err)
	}
	return nil
}

func (p *Playback) recycle(f *audio.AudioFrame) {
	if f.Cap() != p.capacity {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) < queueDepth {
		p.free = append(p.free, f)
	}
}

// Reconfigure implements [audio.Playback]. The new format is announced to the
// peer with the next frame.
func (p *Playback) Reconfigure(f audio.Format) bool {
	if p.fixed || f.Validate() != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if f != p.format {
		p.format = f
		p.announced = false
	}
	return true
}

// Close implements [audio.Playback].
func (p *Playback) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.conn.Close(websocket.StatusNormalClosure, "playback closed")
	})
	return err
}
