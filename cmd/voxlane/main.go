// Command voxlane is the main entry point of the voxlane real-time audio
// transport.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/MrWong99/voxlane/internal/app"
	"github.com/MrWong99/voxlane/internal/config"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// shutdownTimeout bounds the graceful shutdown after a signal.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	fs := pflag.NewFlagSet("voxlane", pflag.ContinueOnError)
	f := registerFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "voxlane: %v\n", err)
		return 2
	}
	if f.version {
		fmt.Println("voxlane", version)
		return 0
	}

	// ── Backend registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	if printHelp(os.Stdout, f, reg) {
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxlane: config file %q not found, copy configs/example.yaml to get started\n", f.configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxlane: %v\n", err)
		}
		return 1
	}
	if err := f.apply(cfg, fs); err != nil {
		fmt.Fprintf(os.Stderr, "voxlane: %v\n", err)
		return 2
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("voxlane starting",
		"version", version,
		"config", f.configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(os.Stdout, cfg)

	application, err := app.New(ctx, cfg, reg, app.WithVersion(version), app.WithLevelVar(&level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	var watcher *config.Watcher
	if f.configPath != "" {
		watcher, err = config.NewWatcher(f.configPath, func(_, next *config.Config) {
			if err := f.apply(next, fs); err != nil {
				slog.Warn("reloaded config rejected", "err", err)
				return
			}
			application.Reconfigure(ctx, next)
		})
		if err != nil {
			slog.Warn("config watching disabled", "err", err)
		} else {
			go reloadOnHangup(ctx, watcher)
		}
	}

	slog.Info("voxlane ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	if watcher != nil {
		watcher.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadFromReader(strings.NewReader(""))
	}
	return config.Load(path)
}

// reloadOnHangup forces a config reload on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			slog.Info("SIGHUP received, reloading config")
			if !w.Reload() {
				slog.Info("config unchanged")
			}
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║         voxlane startup summary       ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "Capture", cfg.Audio.Capture.String())
	printRow(w, "Playback", cfg.Audio.Playback.String())
	printRow(w, "Codec", cfg.Audio.Codec.String())
	echo := cfg.Audio.EchoCancel.String()
	if cfg.Audio.EchoCancel.Disabled() {
		echo = "(disabled)"
	}
	printRow(w, "Echo cancel", echo)
	dests := strings.Join(cfg.Network.Destinations, ",")
	if dests == "" {
		dests = "(receive only)"
	}
	printRow(w, "Destinations", dests)
	printRow(w, "RTP port", fmt.Sprint(cfg.Network.RecvPort))
	printRow(w, "FEC", cfg.Network.FEC)
	printRow(w, "Playout delay", cfg.Playout.Delay.String())
	admin := cfg.Server.ListenAddr
	if admin == "" {
		admin = "(disabled)"
	}
	printRow(w, "Admin addr", admin)
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printRow(w io.Writer, key, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Fprintf(w, "║  %-14s  : %-19s ║\n", key, value)
}
