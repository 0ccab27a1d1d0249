// Package transport moves encoded audio units between peers over RTP/UDP.
//
// A [Transport] owns one RTP socket and one RTCP socket (port+1). The sender
// goroutine calls [Transport.Send]; the receiver goroutine calls
// [Transport.Receive], [Transport.Control] and [Transport.Expire]. Each audio
// unit is prefixed with a fixed 20-byte header describing its PCM format and
// split into MTU-sized fragments; every fragment travels in its own RTP
// packet, optionally protected by forward error correction (see package fec).
// Outbound packets are fanned out to every configured destination, unicast or
// multicast.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/MrWong99/voxlane/internal/fec"
	"github.com/MrWong99/voxlane/internal/jitter"
	"github.com/MrWong99/voxlane/internal/observe"
	"github.com/MrWong99/voxlane/internal/participant"
	"github.com/MrWong99/voxlane/internal/resilience"
)

const (
	// DefaultPayloadType is the dynamic RTP payload type of audio units.
	DefaultPayloadType = 97

	// DefaultPort is the RTP port used when none is configured.
	DefaultPort = 5004

	// DefaultMTU is the path MTU assumed when none is configured.
	DefaultMTU = 1500

	// DefaultControlInterval is the RTCP report interval.
	DefaultControlInterval = 5 * time.Second

	// rtpHeaderLen is the size of an RTP header without CSRCs or extensions.
	rtpHeaderLen = 12

	// maxDatagram is the receive buffer size.
	maxDatagram = 65536

	// drainInterval limits how often inbound RTCP is polled.
	drainInterval = 100 * time.Millisecond
)

// ErrClosed is returned by operations on a closed [Transport].
var ErrClosed = errors.New("transport: closed")

// Config holds the network settings of a [Transport].
type Config struct {
	// Destinations are the peers to send to, as host names or IP addresses,
	// unicast or multicast. Empty means receive only.
	Destinations []string

	// RecvPort is the local RTP port; RTCP uses RecvPort+1. Zero picks any
	// free pair.
	RecvPort int

	// SendPort is the RTP port of every destination; RTCP goes to SendPort+1.
	// Zero means RecvPort.
	SendPort int

	// IPv6 selects udp6 sockets.
	IPv6 bool

	// MulticastInterface names the interface used to join multicast groups.
	// Empty lets the system choose.
	MulticastInterface string

	// MTU is the path MTU used to size fragments. Default: 1500.
	MTU int

	// FEC selects the redundancy scheme for outbound packets.
	FEC fec.Config

	// PayloadType is the RTP payload type of audio units. Default: 97.
	PayloadType uint8

	// ControlInterval is the RTCP report interval. Default: 5s.
	ControlInterval time.Duration

	// CNAME and Tool are announced in RTCP SDES.
	CNAME string
	Tool  string

	// SSRC is the local synchronization source. Zero picks a random one.
	SSRC uint32
}

func (c Config) withDefaults() Config {
	if c.MTU <= 0 {
		c.MTU = DefaultMTU
	}
	if c.PayloadType == 0 {
		c.PayloadType = DefaultPayloadType
	}
	if c.ControlInterval <= 0 {
		c.ControlInterval = DefaultControlInterval
	}
	for c.SSRC == 0 {
		c.SSRC = rand.Uint32()
	}
	if c.CNAME == "" {
		host, _ := os.Hostname()
		c.CNAME = "voxlane@" + host
	}
	return c
}

// maxFragment returns the unit bytes that fit in one datagram.
func (c Config) maxFragment() int {
	overhead := 28 // IPv4 + UDP
	if c.IPv6 {
		overhead = 48
	}
	return c.MTU - overhead - rtpHeaderLen - unitHeaderLen
}

// Option configures a [Transport] during construction.
type Option func(*Transport)

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Transport) {
		t.metrics = m
	}
}

// WithClock sets the stream clock. Default: a clock anchored at New.
func WithClock(c *Clock) Option {
	return func(t *Transport) {
		t.clock = c
	}
}

type destination struct {
	name    string
	rtp     *net.UDPAddr
	rtcp    *net.UDPAddr
	breaker *resilience.Breaker
}

// stream is the receive state of one remote sender.
type stream struct {
	dec   *fec.Decoder
	reasm *reassembler
}

// Transport sends and receives audio units over RTP. See the package
// documentation for the goroutine contract.
type Transport struct {
	cfg      Config
	registry *participant.Registry
	metrics  *observe.Metrics
	clock    *Clock

	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn
	dests    []*destination

	// Sender goroutine state.
	seq     uint16
	encoder *fec.Encoder
	sendLog *observe.Sampler

	// Shared with the receiver goroutine for sender reports.
	sentPackets atomic.Uint32
	sentOctets  atomic.Uint32
	sentMedia   atomic.Bool

	// Receiver goroutine state.
	buf        []byte
	rtcpBuf    []byte
	streams    map[uint32]*stream
	lastReport time.Time
	lastDrain  time.Time

	closeOnce sync.Once
	closed    atomic.Bool
}

// New binds the sockets described by cfg and returns a ready [Transport].
// Received units are delivered into the participants of registry.
func New(ctx context.Context, cfg Config, registry *participant.Registry, opts ...Option) (*Transport, error) {
	cfg = cfg.withDefaults()
	if cfg.maxFragment() <= 0 {
		return nil, fmt.Errorf("transport: mtu %d too small", cfg.MTU)
	}

	t := &Transport{
		cfg:      cfg,
		registry: registry,
		seq:      uint16(rand.Uint32()),
		encoder:  fec.NewEncoder(cfg.FEC),
		sendLog:  observe.NewSampler(time.Second),
		buf:      make([]byte, maxDatagram),
		rtcpBuf:  make([]byte, maxDatagram),
		streams:  make(map[uint32]*stream),
	}
	for _, o := range opts {
		o(t)
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	if t.clock == nil {
		t.clock = NewClock(time.Now())
	}

	netw := network(cfg.IPv6)
	sendPort := cfg.SendPort
	if sendPort == 0 {
		sendPort = cfg.RecvPort
	}
	var groups []net.IP
	for _, host := range cfg.Destinations {
		d, err := t.resolve(ctx, netw, host, sendPort)
		if err != nil {
			return nil, err
		}
		t.dests = append(t.dests, d)
		groups = append(groups, d.rtp.IP)
	}

	reuse := false
	for _, g := range groups {
		reuse = reuse || g.IsMulticast()
	}
	rtpConn, rtcpConn, err := listenPair(ctx, netw, cfg.RecvPort, reuse)
	if err != nil {
		return nil, err
	}
	t.rtpConn, t.rtcpConn = rtpConn, rtcpConn

	if reuse {
		var ifi *net.Interface
		if cfg.MulticastInterface != "" {
			if ifi, err = net.InterfaceByName(cfg.MulticastInterface); err != nil {
				_ = t.closeSockets()
				return nil, fmt.Errorf("transport: multicast interface %q: %w", cfg.MulticastInterface, err)
			}
		}
		err = errors.Join(
			setupMulticast(rtpConn, cfg.IPv6, ifi, groups),
			setupMulticast(rtcpConn, cfg.IPv6, ifi, groups),
		)
		if err != nil {
			_ = t.closeSockets()
			return nil, fmt.Errorf("transport: multicast: %w", err)
		}
	}

	slog.Info("transport ready",
		"ssrc", cfg.SSRC,
		"port", t.LocalPort(),
		"destinations", cfg.Destinations,
		"fec", cfg.FEC.String(),
		"mtu", cfg.MTU,
	)
	return t, nil
}

func (t *Transport) resolve(ctx context.Context, netw, host string, port int) (*destination, error) {
	if port == 0 {
		return nil, fmt.Errorf("transport: destination %q: no send port", host)
	}
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip"+netw[len(netw)-1:], host)
	if err == nil && len(ips) == 0 {
		err = errNoAddress
	}
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", host, err)
	}
	ip := net.IP(ips[0].Unmap().AsSlice())
	name := net.JoinHostPort(host, strconv.Itoa(port))
	d := &destination{
		name: name,
		rtp:  &net.UDPAddr{IP: ip, Port: port},
		rtcp: &net.UDPAddr{IP: ip, Port: port + 1},
	}
	d.breaker = resilience.NewBreaker(resilience.BreakerConfig{
		Destination: name,
		OnStateChange: func(name string, _, to resilience.State) {
			t.metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	})
	return d, nil
}

var errNoAddress = errors.New("no address")

// SSRC returns the local synchronization source.
func (t *Transport) SSRC() uint32 { return t.cfg.SSRC }

// Clock returns the stream clock.
func (t *Transport) Clock() *Clock { return t.clock }

// LocalPort returns the bound RTP port.
func (t *Transport) LocalPort() int {
	return t.rtpConn.LocalAddr().(*net.UDPAddr).Port
}

func (t *Transport) nextSeq() uint16 {
	s := t.seq
	t.seq++
	return s
}

// Send transmits one encoded unit stamped with ts to every destination.
// Write failures are counted and returned but never retried; the unit is
// simply lost for that destination.
func (t *Transport) Send(payload []byte, desc PayloadDescriptor, ts uint32) error {
	if t.closed.Load() {
		return ErrClosed
	}
	ctx := context.Background()
	frags := fragment(payload, desc, t.cfg.maxFragment())

	var errs []error
	for i, frag := range frags {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == len(frags)-1,
				PayloadType:    t.cfg.PayloadType,
				SequenceNumber: t.nextSeq(),
				Timestamp:      ts,
				SSRC:           t.cfg.SSRC,
			},
			Payload: frag,
		}
		for _, out := range t.encoder.Protect(pkt, t.nextSeq) {
			raw, err := out.Marshal()
			if err != nil {
				errs = append(errs, fmt.Errorf("transport: marshal rtp: %w", err))
				continue
			}
			t.sentPackets.Add(1)
			t.sentOctets.Add(uint32(len(out.Payload)))
			if err := t.fanOut(ctx, raw, "rtp"); err != nil {
				errs = append(errs, err)
			}
		}
	}
	t.sentMedia.Store(true)

	err := errors.Join(errs...)
	if err != nil {
		if ok, suppressed := t.sendLog.Allow(time.Now()); ok {
			slog.Warn("transport: send failed", "err", err, "suppressed", suppressed)
		}
	}
	return err
}

// fanOut writes raw to every destination through its circuit breaker.
func (t *Transport) fanOut(ctx context.Context, raw []byte, kind string) error {
	var errs []error
	for _, d := range t.dests {
		conn, addr := t.rtpConn, d.rtp
		if kind == "rtcp" {
			conn, addr = t.rtcpConn, d.rtcp
		}
		if !d.breaker.Allow() {
			t.metrics.RecordDrop(ctx, observe.DropCircuitOpen)
			continue
		}
		_, err := conn.WriteToUDP(raw, addr)
		d.breaker.Record(err)
		if err == nil {
			t.metrics.RecordSent(ctx, kind, len(raw))
		} else {
			t.metrics.RecordSendError(ctx, d.name)
			errs = append(errs, fmt.Errorf("transport: write %s to %s: %w", kind, d.name, err))
		}
	}
	return errors.Join(errs...)
}

// Receive waits up to timeout for one RTP datagram and delivers its content
// into the registry. It returns false without side effects when nothing
// arrived. Malformed or unwanted packets are counted and dropped; they are
// not errors.
func (t *Transport) Receive(timeout time.Duration) (bool, error) {
	if t.closed.Load() {
		return false, ErrClosed
	}
	if err := t.rtpConn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return false, fmt.Errorf("transport: set deadline: %w", err)
	}
	n, _, err := t.rtpConn.ReadFromUDP(t.buf)
	if err != nil {
		switch {
		case isTimeout(err):
			return false, nil
		case t.closed.Load() || errors.Is(err, net.ErrClosed):
			return false, ErrClosed
		default:
			return false, fmt.Errorf("transport: read rtp: %w", err)
		}
	}

	ctx := context.Background()
	now := time.Now()
	t.metrics.RecordReceived(ctx, "rtp")

	// The FEC decoder and reassembler keep references into the packet, so
	// the datagram gets its own buffer.
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(append([]byte(nil), t.buf[:n]...)); err != nil {
		t.metrics.RecordDrop(ctx, observe.DropMalformed)
		return true, nil
	}
	if pkt.SSRC == t.cfg.SSRC {
		t.metrics.RecordDrop(ctx, observe.DropOwnSSRC)
		return true, nil
	}
	if pkt.PayloadType != t.cfg.PayloadType && pkt.PayloadType != fec.ParityPayloadType {
		t.metrics.RecordDrop(ctx, observe.DropMalformed)
		return true, nil
	}

	p, _ := t.registry.GetOrCreate(pkt.SSRC, now)
	st := t.streams[pkt.SSRC]
	if st == nil {
		st = &stream{dec: fec.NewDecoder(), reasm: newReassembler()}
		t.streams[pkt.SSRC] = st
	}

	// Redundant copies must not reach the reception statistics.
	res := st.dec.Accept(pkt)
	if res.Duplicate {
		p.Touch(now)
		t.metrics.RecordDrop(ctx, observe.DropDuplicate)
		return true, nil
	}
	if !p.RecordPacket(pkt.SequenceNumber, pkt.Timestamp, now) {
		t.metrics.RecordDrop(ctx, observe.DropBadSequence)
		return true, nil
	}
	if res.Recovered > 0 {
		t.metrics.FECRecovered.Add(ctx, int64(res.Recovered))
	}
	for _, data := range res.Packets {
		t.deliver(ctx, p, st, data, now)
	}
	return true, nil
}

func (t *Transport) deliver(ctx context.Context, p *participant.Participant, st *stream, pkt *rtp.Packet, now time.Time) {
	if pkt.PayloadType != t.cfg.PayloadType {
		t.metrics.RecordDrop(ctx, observe.DropMalformed)
		return
	}
	unit, complete, err := st.reasm.add(pkt.Timestamp, pkt.Payload)
	if err != nil {
		slog.Debug("transport: dropping fragment", "ssrc", pkt.SSRC, "err", err)
		t.metrics.RecordDrop(ctx, observe.DropMalformed)
		return
	}
	if !complete {
		return
	}
	res := p.Buffer.Insert(jitter.Entry{
		PTS:      p.Unwrap(unit.Timestamp),
		Duration: unit.Duration(),
		Payload:  unit.Payload,
		Format:   unit.Format,
		Codec:    unit.Codec,
		Samples:  unit.Samples,
		Arrival:  now,
	})
	switch res {
	case jitter.Duplicate:
		t.metrics.RecordDrop(ctx, observe.DropDuplicate)
	case jitter.Late:
		t.metrics.RecordDrop(ctx, observe.DropLate)
	case jitter.Overflow:
		t.metrics.RecordDrop(ctx, observe.DropOverflow)
	}
}

// Expire evicts participants that timed out or said goodbye and forgets
// their receive state. It returns the evicted SSRCs.
func (t *Transport) Expire(now time.Time) []uint32 {
	evicted := t.registry.Expire(now)
	for _, ssrc := range evicted {
		delete(t.streams, ssrc)
	}
	return evicted
}

// Close announces BYE to every destination and closes the sockets. It is
// safe to call more than once.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if sendErr := t.sendBye(); sendErr != nil {
			slog.Warn("transport: bye failed", "err", sendErr)
		}
		t.closed.Store(true)
		err = t.closeSockets()
		slog.Info("transport closed", "ssrc", t.cfg.SSRC)
	})
	return err
}

func (t *Transport) closeSockets() error {
	var errs []error
	if t.rtpConn != nil {
		errs = append(errs, t.rtpConn.Close())
	}
	if t.rtcpConn != nil {
		errs = append(errs, t.rtcpConn.Close())
	}
	return errors.Join(errs...)
}
