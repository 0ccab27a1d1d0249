package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voxlane/internal/transport"
	"github.com/MrWong99/voxlane/pkg/audio"
	"github.com/MrWong99/voxlane/pkg/audio/codec"
)

// sendLoop reads, encodes and sends captured frames until ctx is cancelled
// or the capture device ends. Without a playback device it also owns the
// RTCP housekeeping.
func (s *Session) sendLoop(ctx context.Context) error {
	ownsControl := s.playback == nil
	for {
		if ctx.Err() != nil {
			return nil
		}
		capture := s.currentCapture()
		f, err := capture.Read(ctx)
		now := time.Now()
		if ownsControl {
			s.housekeeping(now)
		}

		switch {
		case ctx.Err() != nil:
			s.release(f)
			return nil
		case errors.Is(err, audio.ErrClosed):
			if s.finishing.Load() || s.reopener == nil {
				slog.Info("capture finished")
				return nil
			}
			if err := s.reopen(ctx, capture); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			continue
		case errors.Is(err, audio.ErrResourceExhausted):
			s.poolExhausted(ctx, "sender")
			continue
		case err != nil:
			if ok, suppressed := s.sendLog.Allow(now); ok {
				slog.Warn("capture read failed", "err", err, "suppressed", suppressed)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(captureRetryDelay):
			}
			continue
		case f == nil:
			continue
		}

		s.send(f, now)
	}
}

// reopen replaces a capture device that ended on its own.
func (s *Session) reopen(ctx context.Context, old audio.Capture) error {
	slog.Warn("capture ended unexpectedly")
	_ = old.Close()
	c, err := s.reopener.Reopen(ctx)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	s.captureMu.Lock()
	s.capture = c
	s.captureMu.Unlock()
	// Close may have finished the old device while the new one was opening.
	if s.finishing.Load() {
		c.Finish()
	}
	return nil
}

// send encodes and transmits one captured frame and releases it.
func (s *Session) send(f *audio.AudioFrame, now time.Time) {
	defer s.release(f)

	frame := f
	if s.echo != nil {
		out, keep := s.echo.Cancel(f)
		if out != nil && out != f {
			defer s.release(out)
		}
		if !keep || out == nil {
			return
		}
		frame = out
	}
	if frame.Len() == 0 {
		return
	}

	enc, err := s.encoderFor(frame.Format)
	if err != nil {
		if ok, suppressed := s.sendLog.Allow(now); ok {
			slog.Warn("cannot encode captured audio", "format", frame.Format, "err", err, "suppressed", suppressed)
		}
		return
	}
	s.payload, err = enc.Encode(s.payload[:0], frame)
	if err != nil {
		if ok, suppressed := s.sendLog.Allow(now); ok {
			slog.Warn("encode failed", "codec", s.codec.Name(), "err", err, "suppressed", suppressed)
		}
		return
	}

	desc := transport.PayloadDescriptor{
		Format:  frame.Format,
		Codec:   s.codec.ID(),
		Samples: frame.SampleCount(),
	}
	ts := s.transport.Clock().Stamp(now, desc.Duration())
	// Per-destination failures are logged and counted by the transport.
	if err := s.transport.Send(s.payload, desc, ts); errors.Is(err, transport.ErrClosed) {
		slog.Debug("send after transport close", "ssrc", s.transport.SSRC())
	}
}

// encoderFor returns the encoder for format f, creating it on first use.
func (s *Session) encoderFor(f audio.Format) (codec.Encoder, error) {
	if enc, ok := s.encoders[f]; ok {
		return enc, nil
	}
	enc, err := s.codec.NewEncoder(f)
	if err != nil {
		return nil, err
	}
	s.encoders[f] = enc
	return enc, nil
}
