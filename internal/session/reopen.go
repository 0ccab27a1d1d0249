package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voxlane/pkg/audio"
)

// Default reopen parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ErrReopenFailed is returned by [Reopener.Reopen] when every attempt failed.
var ErrReopenFailed = errors.New("session: capture reopen failed")

// Reopener reopens a capture device that ended unexpectedly, for example a
// WebSocket peer that went away. Attempts back off exponentially.
type Reopener struct {
	open       func(ctx context.Context) (audio.Capture, error)
	name       string
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
}

// ReopenerConfig configures a [Reopener].
type ReopenerConfig struct {
	// Open creates a fresh capture device. Required.
	Open func(ctx context.Context) (audio.Capture, error)

	// Name identifies the device in log output.
	Name string

	// MaxRetries is the maximum number of attempts before giving up.
	// Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the delay before the second attempt. Doubles each attempt
	// up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 30s if zero.
	MaxBackoff time.Duration
}

// NewReopener creates a new [Reopener] with the given configuration.
func NewReopener(cfg ReopenerConfig) *Reopener {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &Reopener{
		open:       cfg.Open,
		name:       cfg.Name,
		maxRetries: maxRetries,
		backoff:    backoff,
		maxBackoff: maxBackoff,
	}
}

// Reopen tries to open the device until it succeeds, ctx is cancelled or
// the retry budget is spent. The first attempt is immediate.
func (r *Reopener) Reopen(ctx context.Context) (audio.Capture, error) {
	currentBackoff := r.backoff
	var lastErr error

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		slog.Info("attempting capture reopen",
			"device", r.name,
			"attempt", attempt,
			"max_retries", r.maxRetries,
		)

		c, err := r.open(ctx)
		if err == nil {
			slog.Info("capture reopened", "device", r.name, "attempt", attempt)
			return c, nil
		}
		lastErr = err

		slog.Warn("capture reopen attempt failed",
			"device", r.name,
			"attempt", attempt,
			"backoff", currentBackoff,
			"err", err,
		)
		if attempt == r.maxRetries {
			break
		}

		timer := time.NewTimer(currentBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	slog.Error("capture reopen failed after max retries",
		"device", r.name,
		"max_retries", r.maxRetries,
	)
	return nil, fmt.Errorf("%w: %s: %w", ErrReopenFailed, r.name, lastErr)
}
