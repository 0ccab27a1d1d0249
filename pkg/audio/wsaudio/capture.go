package wsaudio

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxlane/pkg/audio"
)

// chunk is a received binary message together with the format in effect.
type chunk struct {
	format audio.Format
	data   []byte
}

// Capture reads PCM from a WebSocket peer.
type Capture struct {
	pool *audio.Pool
	conn *websocket.Conn

	chunks chan chunk
	ended  chan struct{}
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	// Sender goroutine state: the unread remainder of the current chunk.
	pending chunk
}

var _ audio.Capture = (*Capture)(nil)

// NewCapture dials cfg.URL and starts receiving. Frames are drawn from pool.
func NewCapture(ctx context.Context, pool *audio.Pool, cfg Config) (*Capture, error) {
	if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}
	conn, err := dial(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}
	c := &Capture{
		pool:   pool,
		conn:   conn,
		chunks: make(chan chunk, queueDepth),
		ended:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop(cfg.Format)
	return c, nil
}

// readLoop receives messages until the connection closes or Finish is called.
func (c *Capture) readLoop(format audio.Format) {
	defer c.wg.Done()
	defer close(c.ended)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		typ, msg, err := c.conn.Read(ctx)
		if err != nil {
			// Normal close or Finish.
			return
		}
		if typ == websocket.MessageText {
			var m FormatMessage
			if err := json.Unmarshal(msg, &m); err != nil {
				slog.Warn("wsaudio: ignoring malformed format message", "err", err)
				continue
			}
			if err := m.format().Validate(); err != nil {
				slog.Warn("wsaudio: ignoring invalid format", "err", err)
				continue
			}
			format = m.format()
			continue
		}
		select {
		case c.chunks <- chunk{format: format, data: msg}:
		case <-c.done:
			return
		default:
			slog.Debug("wsaudio: capture queue full, dropping message", "bytes", len(msg))
		}
	}
}

// Read implements [audio.Capture]. A received message larger than a pool
// frame is split across consecutive reads.
func (c *Capture) Read(ctx context.Context) (*audio.AudioFrame, error) {
	if len(c.pending.data) == 0 {
		timer := time.NewTimer(readTimeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, audio.ErrClosed
		case <-timer.C:
			return nil, nil
		case c.pending = <-c.chunks:
		case <-c.ended:
			// The peer went away; deliver what is still queued.
			select {
			case c.pending = <-c.chunks:
			default:
				return nil, audio.ErrClosed
			}
		}
	}

	f, err := c.pool.Acquire()
	if err != nil {
		return nil, err
	}
	bpf := c.pending.format.BytesPerFrame()
	n := min(len(c.pending.data), f.Cap()-f.Cap()%bpf)
	n -= n % bpf
	if n == 0 {
		// A trailing partial sample cannot be played.
		c.pending.data = nil
		_ = c.pool.Release(f)
		return nil, nil
	}
	_ = f.SetLen(n)
	copy(f.Data, c.pending.data[:n])
	f.Format = c.pending.format
	c.pending.data = c.pending.data[n:]
	return f, nil
}

// Finish implements [audio.Capture].
func (c *Capture) Finish() { c.once.Do(func() { close(c.done) }) }

// Close implements [audio.Capture]. Finish cancels the pending read, which
// tears the connection down without a close handshake.
func (c *Capture) Close() error {
	c.Finish()
	c.wg.Wait()
	_ = c.conn.CloseNow()
	return nil
}
