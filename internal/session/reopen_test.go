package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voxlane/pkg/audio"
	"github.com/MrWong99/voxlane/pkg/audio/mock"
)

func TestReopener_Reopen(t *testing.T) {
	t.Parallel()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		t.Parallel()

		want := &mock.Capture{}
		attempts := 0
		r := NewReopener(ReopenerConfig{
			Name:    "mic",
			Backoff: time.Millisecond,
			Open: func(context.Context) (audio.Capture, error) {
				attempts++
				if attempts < 3 {
					return nil, errors.New("device busy")
				}
				return want, nil
			},
		})

		got, err := r.Reopen(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != want {
			t.Error("expected the capture returned by Open")
		}
		if attempts != 3 {
			t.Errorf("expected 3 attempts, got %d", attempts)
		}
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		t.Parallel()

		openErr := errors.New("no such device")
		attempts := 0
		r := NewReopener(ReopenerConfig{
			Name:       "mic",
			MaxRetries: 3,
			Backoff:    time.Millisecond,
			MaxBackoff: 2 * time.Millisecond,
			Open: func(context.Context) (audio.Capture, error) {
				attempts++
				return nil, openErr
			},
		})

		_, err := r.Reopen(context.Background())
		if !errors.Is(err, ErrReopenFailed) {
			t.Errorf("expected ErrReopenFailed, got %v", err)
		}
		if !errors.Is(err, openErr) {
			t.Errorf("expected the last open error to be wrapped, got %v", err)
		}
		if attempts != 3 {
			t.Errorf("expected 3 attempts, got %d", attempts)
		}
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		attempts := 0
		r := NewReopener(ReopenerConfig{
			Backoff: time.Hour,
			Open: func(context.Context) (audio.Capture, error) {
				attempts++
				cancel()
				return nil, errors.New("unplugged")
			},
		})

		_, err := r.Reopen(ctx)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		if attempts != 1 {
			t.Errorf("expected 1 attempt, got %d", attempts)
		}
	})
}

func TestNewReopener_Defaults(t *testing.T) {
	t.Parallel()

	r := NewReopener(ReopenerConfig{})
	if r.maxRetries != defaultMaxRetries {
		t.Errorf("maxRetries = %d, want %d", r.maxRetries, defaultMaxRetries)
	}
	if r.backoff != defaultBackoff {
		t.Errorf("backoff = %v, want %v", r.backoff, defaultBackoff)
	}
	if r.maxBackoff != defaultMaxBackoff {
		t.Errorf("maxBackoff = %v, want %v", r.maxBackoff, defaultMaxBackoff)
	}
}
