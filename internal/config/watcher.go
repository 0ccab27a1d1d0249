package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling interval of a [Watcher].
const DefaultWatchInterval = 5 * time.Second

// fileStamp identifies one version of the config file on disk.
type fileStamp struct {
	mtime time.Time
	size  int64
}

func stampOf(info os.FileInfo) fileStamp {
	return fileStamp{mtime: info.ModTime(), size: info.Size()}
}

// Watcher polls a config file and hands every effective change to a
// callback. Edits that parse to the same settings (comments, key order,
// spelling out a default) are absorbed, and invalid files are logged and
// skipped so the last valid config stays current.
//
// All file checks run on the watcher's goroutine; [Watcher.Reload] asks it
// for an immediate check.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu      sync.Mutex
	current *Config

	stamp  fileStamp
	reload chan chan bool
	done   chan struct{}
	exited chan struct{}
	stop   sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts watching it. onChange runs on the
// watcher goroutine with the previous and the new config and may be nil.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		reload:   make(chan chan bool),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.stamp = stamp

	go w.loop()
	return w, nil
}

// Current returns the most recently applied config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload checks the file now, even if it looks untouched, and reports
// whether a changed config was applied. It returns false once the watcher
// is stopped.
func (w *Watcher) Reload() bool {
	reply := make(chan bool, 1)
	select {
	case w.reload <- reply:
		return <-reply
	case <-w.exited:
		return false
	}
}

// Stop ends watching and waits for a running callback to return. Safe to
// call more than once.
func (w *Watcher) Stop() {
	w.stop.Do(func() { close(w.done) })
	<-w.exited
}

func (w *Watcher) loop() {
	defer close(w.exited)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check(false)
		case reply := <-w.reload:
			reply <- w.check(true)
		}
	}
}

// check applies the file if it changed. Without force, a file whose
// modification time and size are unchanged is not read.
func (w *Watcher) check(force bool) bool {
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
			return false
		}
		if stampOf(info) == w.stamp {
			return false
		}
	}

	cfg, stamp, err := w.read()
	if err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return false
	}
	w.stamp = stamp

	old := w.Current()
	d := Diff(old, cfg)
	if !d.Changed() {
		slog.Debug("config watcher: file changed, settings did not", "path", w.path)
		return false
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"rebuild", d.Sections,
	)

	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true
}

// read loads and validates the file and returns it with the stamp of the
// version that was read.
func (w *Watcher) read() (*Config, fileStamp, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, stampOf(info), nil
}
