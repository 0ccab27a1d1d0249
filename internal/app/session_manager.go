package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/voxlane/internal/config"
	"github.com/MrWong99/voxlane/internal/fec"
	"github.com/MrWong99/voxlane/internal/health"
	"github.com/MrWong99/voxlane/internal/jitter"
	"github.com/MrWong99/voxlane/internal/observe"
	"github.com/MrWong99/voxlane/internal/session"
	"github.com/MrWong99/voxlane/internal/transport"
	"github.com/MrWong99/voxlane/pkg/audio"
	"github.com/MrWong99/voxlane/pkg/audio/codec"
)

var (
	// ErrSessionActive is returned by [SessionManager.Start] while a session
	// is running.
	ErrSessionActive = errors.New("app: a session is already active")

	// ErrNoSession is returned by [SessionManager.Stop] when nothing runs.
	ErrNoSession = errors.New("app: no active session")
)

// SessionInfo holds metadata about the active session.
type SessionInfo struct {
	// SSRC is the local synchronization source.
	SSRC uint32

	// Port is the bound RTP port.
	Port int

	// Codec names the outbound codec.
	Codec string

	// StartedAt is when the session was started.
	StartedAt time.Time

	// Generation counts the sessions started by this manager, from 1.
	Generation int
}

// SessionManager builds sessions from configuration and owns the one that is
// currently running. All exported methods are safe for concurrent use.
type SessionManager struct {
	mu         sync.Mutex
	sess       *session.Session
	info       SessionInfo
	cancel     context.CancelFunc
	done       chan struct{}
	generation int

	// Dependencies injected at construction.
	registry *config.Registry
	metrics  *observe.Metrics
	tool     string
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	// Registry resolves backend and codec names. Required.
	Registry *config.Registry

	// Metrics is shared by every session. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Tool is announced in RTCP SDES, e.g. "voxlane/1.4.0".
	Tool string
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &SessionManager{
		registry: cfg.Registry,
		metrics:  m,
		tool:     cfg.Tool,
	}
}

// Start builds a session from cfg and runs it in the background until
// [SessionManager.Stop]. The session outlives ctx, which only bounds the
// build.
func (sm *SessionManager) Start(ctx context.Context, cfg *config.Config) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.startLocked(ctx, cfg)
}

func (sm *SessionManager) startLocked(ctx context.Context, cfg *config.Config) error {
	if sm.sess != nil {
		return fmt.Errorf("%w (ssrc=%d)", ErrSessionActive, sm.info.SSRC)
	}

	ctx, span := observe.StartSpan(ctx, "app.session.start")
	defer span.End()

	s, err := sm.build(ctx, cfg)
	if err != nil {
		observe.FailSpan(span, err, "build failed")
		return fmt.Errorf("app: build session: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Run(runCtx); err != nil {
			slog.Error("session loop failed", "ssrc", s.SSRC(), "err", err)
		}
	}()

	sm.generation++
	sm.sess = s
	sm.cancel = cancel
	sm.done = done
	sm.info = SessionInfo{
		SSRC:       s.SSRC(),
		Port:       s.LocalPort(),
		Codec:      cfg.Audio.Codec.Name,
		StartedAt:  time.Now().UTC(),
		Generation: sm.generation,
	}
	span.SetAttributes(
		attribute.Int64("ssrc", int64(sm.info.SSRC)),
		attribute.Int("generation", sm.generation),
	)

	observe.Logger(ctx).Info("session started",
		"ssrc", sm.info.SSRC,
		"port", sm.info.Port,
		"codec", sm.info.Codec,
		"destinations", cfg.Network.Destinations,
		"generation", sm.generation,
	)
	return nil
}

// Stop ends the active session: it cancels both loops, waits for them until
// ctx expires, and closes the devices and the transport.
//
// Returns [ErrNoSession] if no session is active.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.stopLocked(ctx)
}

func (sm *SessionManager) stopLocked(ctx context.Context) error {
	if sm.sess == nil {
		return ErrNoSession
	}
	ssrc := sm.info.SSRC

	sm.cancel()
	select {
	case <-sm.done:
	case <-ctx.Done():
		slog.Warn("session loops still running at close", "ssrc", ssrc, "err", ctx.Err())
	}
	err := sm.sess.Close()
	if err != nil {
		err = fmt.Errorf("app: close session: %w", err)
	}

	sm.sess = nil
	sm.cancel = nil
	sm.done = nil
	sm.info = SessionInfo{}

	slog.Info("session stopped", "ssrc", ssrc)
	return err
}

// Restart replaces the active session with one built from cfg. When the
// new session cannot be built and prev is not nil, a session with prev is
// started again; the build error is returned either way.
func (sm *SessionManager) Restart(ctx context.Context, prev, cfg *config.Config) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "app.session.rebuild")
	defer span.End()

	if sm.sess != nil {
		if err := sm.stopLocked(ctx); err != nil {
			slog.Warn("error closing previous session", "err", err)
		}
	}
	err := sm.startLocked(ctx, cfg)
	if err == nil {
		return nil
	}
	observe.FailSpan(span, err, "rebuild failed")
	if prev == nil {
		return err
	}
	if rerr := sm.startLocked(ctx, prev); rerr != nil {
		return errors.Join(err, fmt.Errorf("app: restore previous session: %w", rerr))
	}
	slog.Warn("kept previous session settings", "err", err)
	return err
}

// IsActive reports whether a session has been started and not stopped.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.sess != nil
}

// Running reports whether the active session's loops are running.
func (sm *SessionManager) Running() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.sess != nil && sm.sess.Running()
}

// Info returns metadata about the active session.
// Returns zero value if no session is active.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// Status reports the active session and its participants for the admin
// status endpoint.
func (sm *SessionManager) Status() (health.Status, bool) {
	sm.mu.Lock()
	s := sm.sess
	sm.mu.Unlock()
	if s == nil {
		return health.Status{}, false
	}

	pool := s.Pool()
	st := health.Status{
		Running:  s.Running(),
		SSRC:     s.SSRC(),
		Port:     s.LocalPort(),
		PoolFree: pool.Size() - pool.Outstanding(),
	}
	for _, p := range s.Participants() {
		stats := p.Stats()
		st.Participants = append(st.Participants, health.ParticipantStatus{
			SSRC:     p.SSRC,
			CNAME:    p.CNAME(),
			Tool:     p.Tool(),
			Received: stats.Received,
			Lost:     stats.Lost,
			JitterMS: float64(stats.Jitter) / audio.ClockRate * 1000,
			Buffered: p.Buffer.Len(),
			State:    p.Buffer.State().String(),
		})
	}
	return st, true
}

// build opens the configured devices and creates a session around them.
// Devices opened before a failure are closed again.
func (sm *SessionManager) build(ctx context.Context, cfg *config.Config) (*session.Session, error) {
	a, n, p := cfg.Audio, cfg.Network, cfg.Playout

	cmap, err := audio.ParseChannelMap(a.ChannelMap)
	if err != nil {
		return nil, err
	}
	scale, err := audio.ParseScale(a.Scale)
	if err != nil {
		return nil, err
	}
	gap, err := jitter.ParseGapPolicy(p.GapPolicy)
	if err != nil {
		return nil, err
	}
	fecCfg, err := fec.Parse(n.FEC)
	if err != nil {
		return nil, err
	}
	codecs, selected, err := sm.codecSet(a.Codec)
	if err != nil {
		return nil, err
	}

	pool := audio.NewPool(a.PoolSize, a.FrameCapacity)
	deps := session.Deps{Pool: pool, Codecs: codecs, Metrics: sm.metrics}

	if !a.EchoCancel.Disabled() {
		echo, err := sm.registry.CreateEcho(a.EchoCancel)
		if err != nil {
			return nil, fmt.Errorf("echo canceller %q: %w", a.EchoCancel.Name, err)
		}
		deps.Echo = echo
	}

	if !a.Playback.Disabled() {
		pb, err := sm.registry.CreatePlayback(ctx, a.Playback, a.FrameCapacity)
		if err != nil {
			return nil, fmt.Errorf("playback %q: %w", a.Playback.Name, err)
		}
		deps.Playback = pb
	}

	if !a.Capture.Disabled() {
		entry := a.Capture
		open := func(ctx context.Context) (audio.Capture, error) {
			return sm.registry.CreateCapture(ctx, entry, pool)
		}
		c, err := open(ctx)
		if err != nil {
			closePlayback(deps.Playback)
			return nil, fmt.Errorf("capture %q: %w", entry.Name, err)
		}
		deps.Capture = c
		if a.ReopenCapture {
			deps.Reopener = session.NewReopener(session.ReopenerConfig{
				Open: open,
				Name: entry.Name,
			})
		}
	}

	sc := session.Config{
		Transport: transport.Config{
			Destinations:       n.Destinations,
			RecvPort:           n.RecvPort,
			SendPort:           n.SendPort,
			IPv6:               n.IPv6,
			MulticastInterface: n.MulticastInterface,
			MTU:                n.MTU,
			FEC:                fecCfg,
			PayloadType:        uint8(n.PayloadType),
			ControlInterval:    n.ControlInterval,
			CNAME:              n.CNAME,
			Tool:               sm.tool,
		},
		Codec:              selected.Name(),
		ChannelMap:         cmap,
		Scale:              scale,
		GapFiller:          gap,
		ReceiveTimeout:     p.ReceiveTimeout,
		PlayoutDelay:       p.Delay,
		MaxGapFill:         p.MaxGapFill,
		ParticipantTimeout: p.ParticipantTimeout,
	}
	return session.New(ctx, sc, deps)
}

// codecSet creates the selected codec with its options plus every other
// registered codec with defaults, so streams from peers using a different
// codec can still be decoded.
func (sm *SessionManager) codecSet(entry config.BackendEntry) (*codec.Set, codec.Codec, error) {
	selected, err := sm.registry.CreateCodec(entry)
	if err != nil {
		return nil, nil, fmt.Errorf("codec %q: %w", entry.Name, err)
	}
	set := codec.NewSet()
	for _, name := range sm.registry.CodecNames() {
		if name == entry.Name {
			continue
		}
		other, err := sm.registry.CreateCodec(config.BackendEntry{Name: name})
		if err != nil {
			slog.Warn("codec unavailable for decoding", "codec", name, "err", err)
			continue
		}
		if other.ID() != selected.ID() {
			set.Add(other)
		}
	}
	set.Add(selected)
	return set, selected, nil
}

func closePlayback(pb audio.Playback) {
	if pb == nil {
		return
	}
	if err := pb.Close(); err != nil {
		slog.Warn("error closing playback", "err", err)
	}
}
