package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voxlane/pkg/audio"
	"github.com/MrWong99/voxlane/pkg/audio/codec"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// CaptureFactory opens a capture device. Frames must be drawn from pool.
type CaptureFactory func(ctx context.Context, entry BackendEntry, pool *audio.Pool) (audio.Capture, error)

// PlaybackFactory opens a playback device lending frames of capacity bytes.
type PlaybackFactory func(ctx context.Context, entry BackendEntry, capacity int) (audio.Playback, error)

// EchoFactory creates an echo canceller.
type EchoFactory func(entry BackendEntry) (audio.EchoCanceller, error)

// CodecFactory creates a codec.
type CodecFactory func(entry BackendEntry) (codec.Codec, error)

// Registry maps backend names to their constructor functions for each
// backend kind. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	capture  map[string]CaptureFactory
	playback map[string]PlaybackFactory
	echo     map[string]EchoFactory
	codec    map[string]CodecFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		capture:  make(map[string]CaptureFactory),
		playback: make(map[string]PlaybackFactory),
		echo:     make(map[string]EchoFactory),
		codec:    make(map[string]CodecFactory),
	}
}

// RegisterCapture registers a capture factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterCapture(name string, factory CaptureFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterPlayback registers a playback factory under name.
func (r *Registry) RegisterPlayback(name string, factory PlaybackFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playback[name] = factory
}

// RegisterEcho registers an echo canceller factory under name.
func (r *Registry) RegisterEcho(name string, factory EchoFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.echo[name] = factory
}

// RegisterCodec registers a codec factory under name.
func (r *Registry) RegisterCodec(name string, factory CodecFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codec[name] = factory
}

// CreateCapture opens a capture device using the factory registered under entry.Name.
// Returns [ErrBackendNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateCapture(ctx context.Context, entry BackendEntry, pool *audio.Pool) (audio.Capture, error) {
	r.mu.RLock()
	factory, ok := r.capture[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrBackendNotRegistered, entry.Name)
	}
	return factory(ctx, entry, pool)
}

// CreatePlayback opens a playback device using the factory registered under entry.Name.
func (r *Registry) CreatePlayback(ctx context.Context, entry BackendEntry, capacity int) (audio.Playback, error) {
	r.mu.RLock()
	factory, ok := r.playback[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: playback/%q", ErrBackendNotRegistered, entry.Name)
	}
	return factory(ctx, entry, capacity)
}

// CreateEcho instantiates an echo canceller using the factory registered under entry.Name.
func (r *Registry) CreateEcho(entry BackendEntry) (audio.EchoCanceller, error) {
	r.mu.RLock()
	factory, ok := r.echo[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: echo/%q", ErrBackendNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateCodec instantiates a codec using the factory registered under entry.Name.
func (r *Registry) CreateCodec(entry BackendEntry) (codec.Codec, error) {
	r.mu.RLock()
	factory, ok := r.codec[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: codec/%q", ErrBackendNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CaptureNames returns the registered capture names, sorted.
func (r *Registry) CaptureNames() []string { return sortedKeys(&r.mu, r.capture) }

// PlaybackNames returns the registered playback names, sorted.
func (r *Registry) PlaybackNames() []string { return sortedKeys(&r.mu, r.playback) }

// EchoNames returns the registered echo canceller names, sorted.
func (r *Registry) EchoNames() []string { return sortedKeys(&r.mu, r.echo) }

// CodecNames returns the registered codec names, sorted.
func (r *Registry) CodecNames() []string { return sortedKeys(&r.mu, r.codec) }

func sortedKeys[V any](mu *sync.RWMutex, m map[string]V) []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
