package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/voxlane/internal/jitter"
	"github.com/MrWong99/voxlane/internal/observe"
	"github.com/MrWong99/voxlane/internal/participant"
	"github.com/MrWong99/voxlane/internal/transport"
	"github.com/MrWong99/voxlane/pkg/audio"
	"github.com/MrWong99/voxlane/pkg/audio/codec"
)

// decoderKey identifies the decoder a stream needs.
type decoderKey struct {
	codec  uint8
	format audio.Format
}

// playState is the receiver's per-participant playout state.
type playState struct {
	key    decoderKey
	dec    codec.Decoder
	scaler *audio.Scaler

	// last is a copy of the most recently played frame, used for repeat
	// concealment. Nil until the first entry played.
	last *audio.AudioFrame
}

// receiveLoop receives datagrams and plays out due audio until ctx is
// cancelled or the transport closes.
func (s *Session) receiveLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		_, err := s.transport.Receive(s.cfg.ReceiveTimeout)
		if errors.Is(err, transport.ErrClosed) {
			return nil
		}
		now := time.Now()
		if err != nil {
			if ok, suppressed := s.recvLog.Allow(now); ok {
				slog.Warn("receive failed", "err", err, "suppressed", suppressed)
			}
		}
		for _, p := range s.registry.List() {
			s.playout(ctx, p, now)
		}
		s.housekeeping(now)
	}
}

// playout drains everything due for p at now.
func (s *Session) playout(ctx context.Context, p *participant.Participant, now time.Time) {
	st := s.streams[p.SSRC]
	if st == nil {
		st = &playState{scaler: audio.NewScaler(s.cfg.Scale)}
		s.streams[p.SSRC] = st
	}
	for ctx.Err() == nil {
		e, outcome := p.Buffer.Next(now)
		switch outcome {
		case jitter.Due:
			s.play(ctx, st, e, now)
		case jitter.Gap:
			s.conceal(ctx, st, e, now)
		default:
			return
		}
	}
}

// play decodes e, adapts it to the output layout and hands it to playback.
func (s *Session) play(ctx context.Context, st *playState, e jitter.Entry, now time.Time) {
	dec, err := s.decoderFor(st, e)
	if err != nil {
		s.decodeFailed(ctx, e, err, now)
		return
	}
	decoded, err := s.acquire(ctx, "receiver")
	if err != nil {
		return
	}
	defer s.release(decoded)
	if err := dec.Decode(decoded, e.Payload, e.Samples); err != nil {
		s.decodeFailed(ctx, e, err, now)
		return
	}
	decoded.Timestamp = uint32(e.PTS)

	frame := decoded
	if s.remaps() {
		mapped, err := s.acquire(ctx, "receiver")
		if err != nil {
			return
		}
		defer s.release(mapped)
		if err := s.cfg.ChannelMap.Apply(decoded, mapped, st.scaler); err != nil {
			s.decodeFailed(ctx, e, err, now)
			return
		}
		frame = mapped
	}

	if st.last == nil {
		st.last = audio.NewFrame(s.pool.FrameCapacity())
	}
	_ = st.last.CopyFrom(frame)

	if s.output(ctx, frame, now) {
		s.metrics.PlayoutLatency.Record(ctx, now.Sub(e.Arrival).Seconds())
	}
}

// conceal fills the gap e using the configured policy.
func (s *Session) conceal(ctx context.Context, st *playState, e jitter.Entry, now time.Time) {
	if st.last == nil {
		return
	}
	filled, err := s.acquire(ctx, "receiver")
	if err != nil {
		return
	}
	defer s.release(filled)
	ok, err := s.cfg.GapFiller.Fill(filled, st.last, st.last.Format, e.Duration)
	if err != nil || !ok {
		return
	}
	filled.Timestamp = uint32(e.PTS)
	s.metrics.PlayoutGaps.Add(ctx, 1)
	s.output(ctx, filled, now)
}

// output copies frame into a playback frame, reconfiguring the device or
// converting as needed, and reports whether the frame was queued.
func (s *Session) output(ctx context.Context, frame *audio.AudioFrame, now time.Time) bool {
	out, err := s.playback.GetFrame()
	if err != nil {
		s.outputFailed("get playback frame", err, now)
		return false
	}

	if frame.Format != out.Format && frame.Format != s.refused {
		if s.playback.Reconfigure(frame.Format) {
			slog.Info("playback reconfigured", "from", out.Format, "to", frame.Format)
			out.Format = frame.Format
		} else {
			slog.Info("playback refused format, converting", "format", frame.Format, "device", out.Format)
			s.refused = frame.Format
		}
	}

	if frame.Format == out.Format {
		err = out.CopyFrom(frame)
	} else {
		s.converter.Target = out.Format
		err = s.converter.Convert(frame, out)
	}
	if err != nil {
		s.outputFailed("adapt frame", err, now)
		return false
	}
	out.Timestamp = frame.Timestamp

	if s.echo != nil {
		s.echo.Play(out)
	}
	if err := s.playback.PutFrame(ctx, out); err != nil {
		s.outputFailed("put playback frame", err, now)
		return false
	}
	s.metrics.FramesPlayed.Add(ctx, 1)
	return true
}

// remaps reports whether decoded frames pass through the channel map.
func (s *Session) remaps() bool {
	if s.cfg.ChannelMap != nil {
		return true
	}
	return s.cfg.Scale.Mode == audio.ScaleAuto || s.cfg.Scale.Mode == audio.ScaleFactor
}

// decoderFor returns the decoder for e, replacing the stream's decoder when
// the codec or format changed.
func (s *Session) decoderFor(st *playState, e jitter.Entry) (codec.Decoder, error) {
	key := decoderKey{codec: e.Codec, format: e.Format}
	if st.dec != nil && st.key == key {
		return st.dec, nil
	}
	c, err := s.codecs.ByID(e.Codec)
	if err != nil {
		return nil, err
	}
	dec, err := c.NewDecoder(e.Format)
	if err != nil {
		return nil, err
	}
	st.key, st.dec = key, dec
	return dec, nil
}

func (s *Session) decodeFailed(ctx context.Context, e jitter.Entry, err error, now time.Time) {
	s.metrics.RecordDrop(ctx, observe.DropDecode)
	if ok, suppressed := s.recvLog.Allow(now); ok {
		slog.Warn("dropping undecodable audio",
			"codec", e.Codec,
			"format", e.Format,
			"err", err,
			"suppressed", suppressed,
		)
	}
}

func (s *Session) outputFailed(op string, err error, now time.Time) {
	if ok, suppressed := s.recvLog.Allow(now); ok {
		slog.Warn("playback failed", "op", op, "err", err, "suppressed", suppressed)
	}
}
