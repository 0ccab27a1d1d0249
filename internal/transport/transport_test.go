package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxlane/internal/fec"
	"github.com/MrWong99/voxlane/internal/jitter"
	"github.com/MrWong99/voxlane/internal/observe"
	"github.com/MrWong99/voxlane/internal/participant"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// pair creates a receiving transport and a transport sending to it over the
// loopback interface.
func pair(t *testing.T, senderCfg Config) (tx, rx *Transport, rxReg *participant.Registry) {
	t.Helper()
	ctx := context.Background()
	m := testMetrics(t)

	// A large playout delay keeps every entry queued for inspection.
	rxReg = participant.NewRegistry(participant.WithBufferOptions(jitter.WithPlayoutDelay(time.Minute)))
	rx, err := New(ctx, Config{CNAME: "rx"}, rxReg, WithMetrics(m))
	if err != nil {
		t.Fatalf("New receiver: %v", err)
	}
	t.Cleanup(func() { _ = rx.Close() })

	senderCfg.Destinations = []string{"127.0.0.1"}
	senderCfg.SendPort = rx.LocalPort()
	tx, err = New(ctx, senderCfg, participant.NewRegistry(), WithMetrics(m))
	if err != nil {
		t.Fatalf("New sender: %v", err)
	}
	t.Cleanup(func() { _ = tx.Close() })
	return tx, rx, rxReg
}

// receiveUntil calls Receive until cond holds or the deadline passes.
func receiveUntil(t *testing.T, rx *Transport, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for packets")
		}
		if _, err := rx.Receive(50 * time.Millisecond); err != nil {
			t.Fatalf("Receive: %v", err)
		}
	}
}

func TestTransport_LoopbackFragmentedUnit(t *testing.T) {
	t.Parallel()

	tx, rx, reg := pair(t, Config{MTU: 576})
	payload := payloadOf(3000)
	desc := PayloadDescriptor{Format: mono48k, Samples: 1500}

	if err := tx.Send(payload, desc, 1000); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := tx.Send(payload[:100], PayloadDescriptor{Format: mono48k, Samples: 50}, 1000+desc.Duration()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var p *participant.Participant
	receiveUntil(t, rx, func() bool {
		var ok bool
		p, ok = reg.Lookup(tx.SSRC())
		return ok && p.Buffer.Len() == 2
	})

	if got := p.Stats().Received; got != 7 {
		t.Errorf("received packets = %d, want 7", got)
	}
	e, outcome := p.Buffer.Next(time.Now().Add(time.Hour))
	if outcome != jitter.Due {
		t.Fatalf("Next outcome = %v, want Due", outcome)
	}
	if !bytes.Equal(e.Payload, payload) || e.Format != mono48k || e.Duration != desc.Duration() {
		t.Errorf("entry = %v %d bytes %d ticks", e.Format, len(e.Payload), e.Duration)
	}
}

func TestTransport_ReceiveTimeout(t *testing.T) {
	t.Parallel()

	reg := participant.NewRegistry()
	rx, err := New(context.Background(), Config{}, reg, WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rx.Close()

	start := time.Now()
	got, err := rx.Receive(20 * time.Millisecond)
	if err != nil || got {
		t.Fatalf("Receive = %v, %v; want false, nil", got, err)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Error("Receive returned before the timeout")
	}
	if reg.Len() != 0 {
		t.Error("timeout created a participant")
	}
}

func TestTransport_XORRecoversDroppedPacket(t *testing.T) {
	t.Parallel()

	// Three single-fragment units in one xor:3 group: four datagrams. The
	// receiver skips the second one and must rebuild it from parity.
	tx, rx, reg := pair(t, Config{FEC: fec.Config{Scheme: fec.SchemeXOR, N: 3}})
	desc := PayloadDescriptor{Format: mono48k, Samples: 480}
	for i := range 3 {
		if err := tx.Send(payloadOf(960), desc, uint32(i)*desc.Duration()); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	// Read the second datagram directly off the socket so Receive never
	// sees it.
	if _, err := rx.Receive(time.Second); err != nil {
		t.Fatal(err)
	}
	_ = rx.rtpConn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := rx.rtpConn.ReadFromUDP(make([]byte, maxDatagram)); err != nil {
		t.Fatalf("discard: %v", err)
	}

	receiveUntil(t, rx, func() bool {
		p, ok := reg.Lookup(tx.SSRC())
		return ok && p.Buffer.Len() == 3
	})
}

func TestTransport_MultCopiesCountedOnce(t *testing.T) {
	t.Parallel()

	tx, rx, reg := pair(t, Config{FEC: fec.Config{Scheme: fec.SchemeMult, N: 3}})
	desc := PayloadDescriptor{Format: mono48k, Samples: 480}
	for i := range 4 {
		if err := tx.Send(payloadOf(960), desc, uint32(i)*desc.Duration()); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	var p *participant.Participant
	receiveUntil(t, rx, func() bool {
		var ok bool
		p, ok = reg.Lookup(tx.SSRC())
		return ok && p.Buffer.Len() == 4
	})
	// Drain the remaining copies.
	for {
		got, err := rx.Receive(100 * time.Millisecond)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if !got {
			break
		}
	}

	st := p.Stats()
	if st.Received != 4 || st.Expected != 4 || st.Lost != 0 {
		t.Errorf("stats = received %d expected %d lost %d, want 4 4 0", st.Received, st.Expected, st.Lost)
	}
	rr := p.ReceptionReport(time.Now())
	if rr.TotalLost != 0 || rr.FractionLost != 0 {
		t.Errorf("report lost = %d fraction %d, want 0 0", rr.TotalLost, rr.FractionLost)
	}
	if p.Buffer.Len() != 4 {
		t.Errorf("buffered = %d, want 4", p.Buffer.Len())
	}
}

func TestTransport_ControlReportsAndBye(t *testing.T) {
	t.Parallel()

	tx, rx, reg := pair(t, Config{CNAME: "alice@test", Tool: "voxlane/test"})
	if err := tx.Send(payloadOf(100), PayloadDescriptor{Format: mono48k, Samples: 50}, 0); err != nil {
		t.Fatalf("Send: %v", err)
	}
	receiveUntil(t, rx, func() bool { return reg.Len() == 1 })

	tx.Control(time.Now())

	p, _ := reg.Lookup(tx.SSRC())
	now := time.Now()
	pollControl(t, rx, &now, func() bool { return p.CNAME() == "alice@test" })
	if p.Tool() != "voxlane/test" {
		t.Errorf("tool = %q", p.Tool())
	}

	if err := tx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	pollControl(t, rx, &now, p.Bye)

	// The buffer still holds the unit, so BYE alone does not evict.
	if ev := rx.Expire(now); len(ev) != 0 {
		t.Errorf("evicted %v with queued audio", ev)
	}
	p.Buffer.Reset()
	if ev := rx.Expire(now); len(ev) != 1 || ev[0] != tx.SSRC() {
		t.Errorf("evicted %v, want [%d]", ev, tx.SSRC())
	}
}

func pollControl(t *testing.T, rx *Transport, now *time.Time, cond func() bool) {
	t.Helper()
	for range 100 {
		*now = now.Add(drainInterval)
		rx.Control(*now)
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met after draining control traffic")
}

func TestTransport_ClosedOperations(t *testing.T) {
	t.Parallel()

	tx, _, _ := pair(t, Config{})
	if err := tx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tx.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := tx.Send(nil, PayloadDescriptor{Format: mono48k}, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
	if _, err := tx.Receive(time.Millisecond); !errors.Is(err, ErrClosed) {
		t.Errorf("Receive after Close = %v, want ErrClosed", err)
	}
}

func TestNew_RejectsTinyMTU(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{MTU: 40}, participant.NewRegistry(), WithMetrics(testMetrics(t)))
	if err == nil {
		t.Fatal("expected error for MTU 40")
	}
}

func TestNew_FixedPorts(t *testing.T) {
	t.Parallel()

	spare, err := New(context.Background(), Config{}, participant.NewRegistry(), WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatal(err)
	}
	port := spare.LocalPort()
	_ = spare.Close()

	tr, err := New(context.Background(), Config{RecvPort: port}, participant.NewRegistry(), WithMetrics(testMetrics(t)))
	if err != nil {
		t.Skipf("port %d reused by another process: %v", port, err)
	}
	defer tr.Close()
	if tr.LocalPort() != port {
		t.Errorf("LocalPort = %d, want %d", tr.LocalPort(), port)
	}
	if got := tr.rtcpConn.LocalAddr().(*net.UDPAddr).Port; got != port+1 {
		t.Errorf("rtcp port = %d, want %d", got, port+1)
	}
}

func TestSend_UnreachableDestinationDoesNotBlock(t *testing.T) {
	t.Parallel()

	tr, err := New(context.Background(), Config{Destinations: []string{"127.0.0.1"}, SendPort: 9}, participant.NewRegistry(), WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	// UDP writes to a closed local port succeed or fail depending on ICMP
	// timing; either way Send must not block or panic.
	for range 10 {
		_ = tr.Send(payloadOf(10), PayloadDescriptor{Format: mono48k, Samples: 5}, 0)
	}
}
