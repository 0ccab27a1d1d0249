package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// multicastTTL is the hop limit for multicast datagrams.
const multicastTTL = 255

// portAttempts bounds the search for a free RTP/RTCP port pair when the
// receive port is left at zero.
const portAttempts = 16

func network(ipv6 bool) string {
	if ipv6 {
		return "udp6"
	}
	return "udp4"
}

// listenUDP binds a UDP socket on port. When reuse is set the socket is
// marked SO_REUSEADDR so several processes on one host can join the same
// multicast group.
func listenUDP(ctx context.Context, netw string, port int, reuse bool) (*net.UDPConn, error) {
	lc := net.ListenConfig{}
	if reuse {
		lc.Control = reuseAddrControl
	}
	pc, err := lc.ListenPacket(ctx, netw, net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// listenPair binds the RTP socket on port and the RTCP socket on port+1.
// Port zero picks any free pair.
func listenPair(ctx context.Context, netw string, port int, reuse bool) (rtpConn, rtcpConn *net.UDPConn, err error) {
	if port != 0 {
		if rtpConn, err = listenUDP(ctx, netw, port, reuse); err != nil {
			return nil, nil, fmt.Errorf("transport: listen rtp :%d: %w", port, err)
		}
		if rtcpConn, err = listenUDP(ctx, netw, port+1, reuse); err != nil {
			_ = rtpConn.Close()
			return nil, nil, fmt.Errorf("transport: listen rtcp :%d: %w", port+1, err)
		}
		return rtpConn, rtcpConn, nil
	}

	var errs []error
	for range portAttempts {
		rtpConn, err = listenUDP(ctx, netw, 0, reuse)
		if err != nil {
			return nil, nil, fmt.Errorf("transport: listen rtp: %w", err)
		}
		p := rtpConn.LocalAddr().(*net.UDPAddr).Port
		if p < 65535 {
			if rtcpConn, err = listenUDP(ctx, netw, p+1, reuse); err == nil {
				return rtpConn, rtcpConn, nil
			}
			errs = append(errs, err)
		}
		_ = rtpConn.Close()
	}
	return nil, nil, fmt.Errorf("transport: no free port pair: %w", errors.Join(errs...))
}

// setupMulticast joins every multicast group in groups on conn and sets the
// outgoing hop limit and interface. Unicast addresses are skipped.
func setupMulticast(conn *net.UDPConn, v6 bool, ifi *net.Interface, groups []net.IP) error {
	var errs []error
	if v6 {
		p := ipv6.NewPacketConn(conn)
		joined := false
		for _, g := range groups {
			if !g.IsMulticast() {
				continue
			}
			joined = true
			if err := p.JoinGroup(ifi, &net.UDPAddr{IP: g}); err != nil {
				errs = append(errs, fmt.Errorf("join %s: %w", g, err))
			}
		}
		if !joined {
			return nil
		}
		errs = append(errs, p.SetMulticastHopLimit(multicastTTL), p.SetMulticastLoopback(true))
		if ifi != nil {
			errs = append(errs, p.SetMulticastInterface(ifi))
		}
		return errors.Join(errs...)
	}

	p := ipv4.NewPacketConn(conn)
	joined := false
	for _, g := range groups {
		if !g.IsMulticast() {
			continue
		}
		joined = true
		if err := p.JoinGroup(ifi, &net.UDPAddr{IP: g}); err != nil {
			errs = append(errs, fmt.Errorf("join %s: %w", g, err))
		}
	}
	if !joined {
		return nil
	}
	errs = append(errs, p.SetMulticastTTL(multicastTTL), p.SetMulticastLoopback(true))
	if ifi != nil {
		errs = append(errs, p.SetMulticastInterface(ifi))
	}
	return errors.Join(errs...)
}

// isTimeout reports whether err is a read deadline expiry.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
