package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pion/rtcp"

	"github.com/MrWong99/voxlane/pkg/audio"
)

// maxReportBlocks is the number of reception reports that fit in one SR/RR.
const maxReportBlocks = 31

// Control handles the RTCP side of the session. Inbound RTCP is drained at
// most every 100 ms; a compound report is sent once per control interval.
// Failures are logged and otherwise ignored. Called by the receiver
// goroutine.
func (t *Transport) Control(now time.Time) {
	if t.closed.Load() {
		return
	}
	if now.Sub(t.lastDrain) >= drainInterval {
		t.lastDrain = now
		t.drainControl(now)
	}
	if !t.lastReport.IsZero() && now.Sub(t.lastReport) < t.cfg.ControlInterval {
		return
	}
	t.lastReport = now
	if err := t.sendReport(now); err != nil {
		slog.Warn("transport: rtcp report failed", "err", err)
	}
}

// drainControl reads every RTCP datagram already queued on the control
// socket.
func (t *Transport) drainControl(now time.Time) {
	ctx := context.Background()
	for {
		if err := t.rtcpConn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
			return
		}
		n, _, err := t.rtcpConn.ReadFromUDP(t.rtcpBuf)
		if err != nil {
			if !isTimeout(err) && !errors.Is(err, net.ErrClosed) {
				slog.Warn("transport: read rtcp", "err", err)
			}
			return
		}
		t.metrics.RecordReceived(ctx, "rtcp")
		pkts, err := rtcp.Unmarshal(t.rtcpBuf[:n])
		if err != nil {
			slog.Debug("transport: dropping rtcp", "err", err)
			continue
		}
		t.handleControl(pkts, now)
	}
}

func (t *Transport) handleControl(pkts []rtcp.Packet, now time.Time) {
	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.SenderReport:
			if p.SSRC == t.cfg.SSRC {
				continue
			}
			part, _ := t.registry.GetOrCreate(p.SSRC, now)
			part.RecordSenderReport(p.NTPTime, now)
		case *rtcp.ReceiverReport:
			if part, ok := t.registry.Lookup(p.SSRC); ok {
				part.Touch(now)
			}
		case *rtcp.SourceDescription:
			for _, chunk := range p.Chunks {
				if chunk.Source == t.cfg.SSRC {
					continue
				}
				part, ok := t.registry.Lookup(chunk.Source)
				if !ok {
					continue
				}
				var cname, tool string
				for _, item := range chunk.Items {
					switch item.Type {
					case rtcp.SDESCNAME:
						cname = item.Text
					case rtcp.SDESTool:
						tool = item.Text
					}
				}
				part.SetDescription(cname, tool)
			}
		case *rtcp.Goodbye:
			for _, ssrc := range p.Sources {
				if part, ok := t.registry.Lookup(ssrc); ok {
					slog.Info("participant said goodbye", "ssrc", ssrc, "reason", p.Reason)
					part.MarkBye()
				}
			}
		}
	}
}

// sendReport sends SR (or RR when nothing was sent since the previous report),
// the reception report blocks and SDES to every destination.
func (t *Transport) sendReport(now time.Time) error {
	if len(t.dests) == 0 {
		return nil
	}
	ctx := context.Background()

	var reports []rtcp.ReceptionReport
	for _, p := range t.registry.List() {
		if len(reports) == maxReportBlocks {
			break
		}
		if p.Stats().Received == 0 {
			continue
		}
		rr := p.ReceptionReport(now)
		t.metrics.InterarrivalJitter.Record(ctx, float64(rr.Jitter)/audio.ClockRate)
		reports = append(reports, rr)
	}

	var first rtcp.Packet
	if t.sentMedia.Swap(false) {
		first = &rtcp.SenderReport{
			SSRC:        t.cfg.SSRC,
			NTPTime:     ntpTime(now),
			RTPTime:     t.clock.At(now),
			PacketCount: t.sentPackets.Load(),
			OctetCount:  t.sentOctets.Load(),
			Reports:     reports,
		}
	} else {
		first = &rtcp.ReceiverReport{SSRC: t.cfg.SSRC, Reports: reports}
	}

	raw, err := rtcp.Marshal([]rtcp.Packet{first, t.description()})
	if err != nil {
		return fmt.Errorf("transport: marshal rtcp: %w", err)
	}
	return t.fanOut(ctx, raw, "rtcp")
}

func (t *Transport) description() *rtcp.SourceDescription {
	items := []rtcp.SourceDescriptionItem{{Type: rtcp.SDESCNAME, Text: t.cfg.CNAME}}
	if t.cfg.Tool != "" {
		items = append(items, rtcp.SourceDescriptionItem{Type: rtcp.SDESTool, Text: t.cfg.Tool})
	}
	return &rtcp.SourceDescription{
		Chunks: []rtcp.SourceDescriptionChunk{{Source: t.cfg.SSRC, Items: items}},
	}
}

// sendBye announces that this source leaves the session.
func (t *Transport) sendBye() error {
	if len(t.dests) == 0 {
		return nil
	}
	raw, err := rtcp.Marshal([]rtcp.Packet{
		&rtcp.ReceiverReport{SSRC: t.cfg.SSRC},
		t.description(),
		&rtcp.Goodbye{Sources: []uint32{t.cfg.SSRC}},
	})
	if err != nil {
		return fmt.Errorf("transport: marshal bye: %w", err)
	}
	return t.fanOut(context.Background(), raw, "rtcp")
}
