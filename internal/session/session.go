// Package session runs the capture/playback goroutine pair on top of a
// [transport.Transport].
//
// The sender goroutine reads frames from the capture device, passes them
// through the optional echo canceller, encodes them and sends them. The
// receiver goroutine reads datagrams, drains every participant's playout
// buffer through a decoder and a format adapter into the playback device,
// and runs the RTCP and eviction housekeeping.
//
// A [Session] is built once with [New], driven by [Session.Run] and torn
// down with [Session.Close].
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxlane/internal/jitter"
	"github.com/MrWong99/voxlane/internal/observe"
	"github.com/MrWong99/voxlane/internal/participant"
	"github.com/MrWong99/voxlane/internal/transport"
	"github.com/MrWong99/voxlane/pkg/audio"
	"github.com/MrWong99/voxlane/pkg/audio/codec"
)

const (
	// DefaultReceiveTimeout is one video frame period at 59.94 Hz.
	DefaultReceiveTimeout = time.Duration(float64(time.Second) / 59.94)

	// DefaultPoolSize is the number of frames in a pool built by [New].
	DefaultPoolSize = 64

	// DefaultFrameCapacity fits 120 ms of 48 kHz 16-bit stereo.
	DefaultFrameCapacity = 23040

	// logInterval rate-limits repeating hot-path warnings.
	logInterval = 5 * time.Second

	// captureRetryDelay paces Read after a transient capture error.
	captureRetryDelay = 10 * time.Millisecond
)

// ErrAlreadyRunning is returned by [Session.Run] when the session is
// already running.
var ErrAlreadyRunning = errors.New("session: already running")

// Config holds the tunables of a [Session].
type Config struct {
	// Transport configures the network side.
	Transport transport.Config

	// Codec names the codec used for outbound audio. Default: "pcm".
	Codec string

	// ChannelMap remaps decoded channels before playout. Nil keeps them.
	ChannelMap *audio.ChannelMap

	// Scale is the gain rule applied while remapping.
	Scale audio.Scale

	// GapFiller conceals missing audio. Nil selects silence.
	GapFiller jitter.GapFiller

	// ReceiveTimeout bounds a single receive wait. Default: 1s/59.94.
	ReceiveTimeout time.Duration

	// PlayoutDelay is the jitter buffer delay. Zero keeps the buffer default.
	PlayoutDelay time.Duration

	// MaxGapFill caps consecutive concealed quanta. Zero keeps the buffer
	// default.
	MaxGapFill int

	// ParticipantTimeout evicts silent participants. Zero keeps the
	// registry default.
	ParticipantTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Codec == "" {
		c.Codec = "pcm"
	}
	if c.GapFiller == nil {
		c.GapFiller = jitter.SilenceFiller{}
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
	return c
}

// Deps holds the devices and shared services a [Session] drives.
type Deps struct {
	// Pool supplies frames to both loops. Nil builds a pool with
	// [DefaultPoolSize] frames of [DefaultFrameCapacity] bytes. Capture
	// backends must draw their frames from the same pool.
	Pool *audio.Pool

	// Capture is the input device. Nil disables the sender loop.
	Capture audio.Capture

	// Reopener, when set, replaces a capture device that ends on its own.
	Reopener *Reopener

	// Playback is the output device. Nil disables the receiver loop.
	Playback audio.Playback

	// Echo is the optional echo canceller.
	Echo audio.EchoCanceller

	// Codecs resolves codec names and IDs. Nil supports PCM only.
	Codecs *codec.Set

	// Metrics records session metrics. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Session is a running capture/playback pair bound to one transport.
type Session struct {
	cfg       Config
	pool      *audio.Pool
	playback  audio.Playback
	echo      audio.EchoCanceller
	codecs    *codec.Set
	codec     codec.Codec
	reopener  *Reopener
	metrics   *observe.Metrics
	registry  *participant.Registry
	transport *transport.Transport

	captureMu sync.Mutex
	capture   audio.Capture

	running   atomic.Bool
	finishing atomic.Bool
	closeOnce sync.Once
	closeErr  error

	// Sender goroutine state.
	encoders map[audio.Format]codec.Encoder
	payload  []byte

	// Receiver goroutine state.
	streams   map[uint32]*playState
	converter audio.FormatConverter
	refused   audio.Format

	sendLog *observe.Sampler
	recvLog *observe.Sampler
	poolLog *observe.Sampler
}

// New builds a session: it resolves the outbound codec, creates the
// participant registry and binds the transport. The devices in deps are
// owned by the session from here on and closed by [Session.Close], also
// when New fails.
func New(ctx context.Context, cfg Config, deps Deps) (*Session, error) {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:      cfg,
		pool:     deps.Pool,
		playback: deps.Playback,
		echo:     deps.Echo,
		codecs:   deps.Codecs,
		reopener: deps.Reopener,
		metrics:  deps.Metrics,
		capture:  deps.Capture,
		encoders: make(map[audio.Format]codec.Encoder),
		streams:  make(map[uint32]*playState),
		sendLog:  observe.NewSampler(logInterval),
		recvLog:  observe.NewSampler(logInterval),
		poolLog:  observe.NewSampler(logInterval),
	}
	if s.pool == nil {
		s.pool = audio.NewPool(DefaultPoolSize, DefaultFrameCapacity)
	}
	if s.codecs == nil {
		s.codecs = codec.NewSet()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	c, err := s.codecs.ByName(cfg.Codec)
	if err != nil {
		_ = s.closeDevices()
		return nil, fmt.Errorf("session: %w", err)
	}
	s.codec = c

	regOpts := []participant.Option{
		participant.WithJoinHook(s.onJoin),
		participant.WithLeaveHook(s.onLeave),
	}
	var bufOpts []jitter.Option
	if cfg.PlayoutDelay > 0 {
		bufOpts = append(bufOpts, jitter.WithPlayoutDelay(cfg.PlayoutDelay))
	}
	if cfg.MaxGapFill > 0 {
		bufOpts = append(bufOpts, jitter.WithMaxGapFill(cfg.MaxGapFill))
	}
	if len(bufOpts) > 0 {
		regOpts = append(regOpts, participant.WithBufferOptions(bufOpts...))
	}
	if cfg.ParticipantTimeout > 0 {
		regOpts = append(regOpts, participant.WithTimeout(cfg.ParticipantTimeout))
	}
	s.registry = participant.NewRegistry(regOpts...)

	t, err := transport.New(ctx, cfg.Transport, s.registry, transport.WithMetrics(s.metrics))
	if err != nil {
		_ = s.closeDevices()
		return nil, fmt.Errorf("session: %w", err)
	}
	s.transport = t

	slog.Info("session ready",
		"ssrc", t.SSRC(),
		"port", t.LocalPort(),
		"codec", c.Name(),
		"send", deps.Capture != nil,
		"receive", deps.Playback != nil,
		"echo", deps.Echo != nil,
	)
	return s, nil
}

// SSRC returns the local synchronization source.
func (s *Session) SSRC() uint32 { return s.transport.SSRC() }

// LocalPort returns the bound RTP port.
func (s *Session) LocalPort() int { return s.transport.LocalPort() }

// Pool returns the frame pool shared by both loops.
func (s *Session) Pool() *audio.Pool { return s.pool }

// Participants returns the currently known remote senders.
func (s *Session) Participants() []*participant.Participant { return s.registry.List() }

// Running reports whether [Session.Run] is active.
func (s *Session) Running() bool { return s.running.Load() }

// Run starts the sender and receiver loops and blocks until ctx is
// cancelled or a loop fails. Cancellation is not an error.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	g, gctx := errgroup.WithContext(ctx)
	// Backends that ignore ctx are unblocked through Finish.
	stop := context.AfterFunc(gctx, s.finishCapture)
	defer stop()

	if s.currentCapture() != nil {
		g.Go(func() error { return s.sendLoop(gctx) })
	}
	if s.playback != nil {
		g.Go(func() error { return s.receiveLoop(gctx) })
	}
	if s.currentCapture() == nil && s.playback == nil {
		<-gctx.Done()
	}
	return g.Wait()
}

// Close tears the session down: playback, capture, transport (sending an
// RTCP goodbye), then the participant registry. Call it after Run returned.
// It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		errs := []error{s.closeDevices()}
		if s.transport != nil {
			errs = append(errs, s.transport.Close())
		}
		if s.registry != nil {
			s.registry.Clear()
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *Session) closeDevices() error {
	s.finishing.Store(true)
	var errs []error
	if s.playback != nil {
		if err := s.playback.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session: close playback: %w", err))
		}
	}
	if c := s.currentCapture(); c != nil {
		c.Finish()
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session: close capture: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Session) currentCapture() audio.Capture {
	s.captureMu.Lock()
	defer s.captureMu.Unlock()
	return s.capture
}

func (s *Session) finishCapture() {
	s.finishing.Store(true)
	if c := s.currentCapture(); c != nil {
		c.Finish()
	}
}

// housekeeping runs RTCP and participant eviction.
func (s *Session) housekeeping(now time.Time) {
	s.transport.Control(now)
	s.transport.Expire(now)
}

func (s *Session) onJoin(*participant.Participant) {
	s.metrics.ActiveParticipants.Add(context.Background(), 1)
}

func (s *Session) onLeave(p *participant.Participant) {
	s.metrics.ActiveParticipants.Add(context.Background(), -1)
	delete(s.streams, p.SSRC)
}

// acquire takes a frame from the pool, recording exhaustion.
func (s *Session) acquire(ctx context.Context, loop string) (*audio.AudioFrame, error) {
	f, err := s.pool.Acquire()
	if err != nil {
		s.poolExhausted(ctx, loop)
		return nil, err
	}
	return f, nil
}

func (s *Session) poolExhausted(ctx context.Context, loop string) {
	s.metrics.RecordPoolExhausted(ctx, loop)
	if ok, suppressed := s.poolLog.Allow(time.Now()); ok {
		slog.Warn("frame pool exhausted, dropping frame", "loop", loop, "suppressed", suppressed)
	}
}

// release returns a pool frame. Frames from elsewhere are ignored.
func (s *Session) release(f *audio.AudioFrame) {
	if f == nil || !s.pool.Owns(f) {
		return
	}
	if err := s.pool.Release(f); err != nil {
		slog.Error("session: release frame", "err", err)
	}
}
