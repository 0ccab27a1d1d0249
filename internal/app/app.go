// Package app wires the voxlane subsystems into a running application.
//
// The App struct owns the full lifecycle: New initialises telemetry, starts
// the audio session and binds the admin endpoint, Run serves until the
// context is cancelled, Reconfigure applies a changed configuration, and
// Shutdown tears everything down in reverse order.
//
// For testing, inject dependencies via functional options (WithProvider,
// WithMetrics, WithLevelVar). When an option is not provided, New creates
// real implementations.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxlane/internal/config"
	"github.com/MrWong99/voxlane/internal/health"
	"github.com/MrWong99/voxlane/internal/observe"
)

const (
	// shutdownTimeout bounds the admin server shutdown when Run returns.
	shutdownTimeout = 5 * time.Second

	// readHeaderTimeout protects the admin endpoint from slow clients.
	readHeaderTimeout = 10 * time.Second
)

// App owns all subsystem lifetimes of a voxlane process.
type App struct {
	version  string
	level    *slog.LevelVar
	registry *config.Registry

	provider     *observe.Provider
	ownsProvider bool
	metrics      *observe.Metrics
	sessions     *SessionManager

	server   *http.Server
	listener net.Listener
	tls      *config.TLSConfig

	// mu guards cfg and serialises Reconfigure.
	mu  sync.Mutex
	cfg *config.Config

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithVersion sets the version announced in RTCP SDES and telemetry.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithLevelVar makes log level changes in reloaded configs take effect on v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithProvider injects a telemetry provider instead of initialising one.
// The caller keeps ownership and must shut it down.
func WithProvider(p *observe.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithMetrics injects the metrics instance shared by all sessions instead of
// creating one from the provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App: it initialises telemetry, starts the audio session
// described by cfg using the backends in reg, and binds the admin endpoint
// when cfg.Server.ListenAddr is set. The endpoint serves once Run is called.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		version:  "dev",
		registry: reg,
		cfg:      cfg,
		tls:      cfg.Server.TLS,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. Session ───────────────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Registry: reg,
		Metrics:  a.metrics,
		Tool:     "voxlane/" + a.version,
	})
	if err := a.sessions.Start(ctx, cfg); err != nil {
		a.shutdownTelemetry(ctx)
		return nil, err
	}

	// ── 3. Admin endpoint ────────────────────────────────────────────────
	if err := a.initAdmin(cfg.Server.ListenAddr); err != nil {
		_ = a.sessions.Stop(ctx)
		a.shutdownTelemetry(ctx)
		return nil, fmt.Errorf("app: init admin endpoint: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTelemetry sets up the OTel providers and the metric instruments or
// uses injected ones.
func (a *App) initTelemetry(ctx context.Context) error {
	if a.provider == nil {
		p, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: a.version})
		if err != nil {
			return err
		}
		a.provider = p
		a.ownsProvider = true
	}
	if a.metrics == nil {
		m, err := observe.NewMetrics(a.provider.MeterProvider)
		if err != nil {
			a.shutdownTelemetry(ctx)
			return err
		}
		a.metrics = m
	}
	return nil
}

// initAdmin binds the admin listener and builds the HTTP server.
func (a *App) initAdmin(addr string) error {
	if addr == "" {
		slog.Info("admin endpoint disabled")
		return nil
	}

	checks := health.New(health.Running("session", a.sessions.Running)).
		WithStatus(a.sessions.Status)

	mux := http.NewServeMux()
	checks.Register(mux)
	mux.Handle("GET /metrics", a.provider.MetricsHandler())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	a.listener = ln
	a.server = &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// AdminAddr returns the bound admin address, or nil when disabled.
func (a *App) AdminAddr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Config returns the configuration the current session was built from.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the admin endpoint and blocks until ctx is cancelled. The
// audio session runs independently from New until Shutdown. When ctx is
// done, Run returns context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	info := a.sessions.Info()
	slog.Info("voxlane running",
		"ssrc", info.SSRC,
		"port", info.Port,
		"admin", a.AdminAddr(),
	)

	if a.server == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if a.tls != nil {
			err = a.server.ServeTLS(a.listener, a.tls.CertFile, a.tls.KeyFile)
		} else {
			err = a.server.Serve(a.listener)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: admin endpoint: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Reconfigure ─────────────────────────────────────────────────────────────

// Reconfigure applies next on top of the running configuration. A changed
// log level takes effect immediately; changed audio, network or playout
// settings rebuild the session. Admin endpoint changes need a restart. If
// the rebuild fails the previous settings stay in effect.
func (a *App) Reconfigure(ctx context.Context, next *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()

	d := config.Diff(a.cfg, next)

	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(d.NewLogLevel.Level())
		}
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ServerChanged {
		slog.Warn("admin endpoint settings changed, restart to apply")
	}
	if !d.SessionChanged {
		a.cfg = next
		return
	}

	slog.Info("session settings changed, rebuilding", "sections", d.Sections)
	if err := a.sessions.Restart(ctx, a.cfg, next); err != nil {
		slog.Error("session rebuild failed", "err", err)
		// Keep diffing against what actually runs.
		prev := *a.cfg
		prev.Server = next.Server
		a.cfg = &prev
		return
	}
	a.cfg = next
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order: the admin
// endpoint, the session, then telemetry. It respects the context deadline
// for each step.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("app: admin endpoint: %w", err))
			}
			// Never served when Run was not called.
			if err := a.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, fmt.Errorf("app: admin listener: %w", err))
			}
		}

		if err := a.sessions.Stop(ctx); err != nil && !errors.Is(err, ErrNoSession) {
			errs = append(errs, err)
		}

		a.shutdownTelemetry(ctx)

		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

func (a *App) shutdownTelemetry(ctx context.Context) {
	if !a.ownsProvider {
		return
	}
	if err := a.provider.Shutdown(ctx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
}
