// Package fec implements the forward error correction schemes applied to
// outgoing RTP packets:
//
//   - none    no redundancy.
//   - mult:N  every packet is transmitted N times; receivers drop the copies.
//   - xor:K   after every K data packets a parity packet carrying the XOR of
//     their headers and payloads is sent; receivers rebuild a single lost
//     packet per group.
//
// Receivers always run a [Decoder], which also suppresses duplicate sequence
// numbers, so a sender may change scheme without coordinating with its peers.
package fec

import (
	"fmt"
	"strconv"
	"strings"
)

// ParityPayloadType is the RTP payload type of XOR parity packets.
const ParityPayloadType = 98

// Scheme selects the redundancy algorithm.
type Scheme int

const (
	SchemeNone Scheme = iota
	SchemeMult
	SchemeXOR
)

// String returns the textual name of the scheme.
func (s Scheme) String() string {
	switch s {
	case SchemeNone:
		return "none"
	case SchemeMult:
		return "mult"
	case SchemeXOR:
		return "xor"
	default:
		return "unknown"
	}
}

// Usage describes the FEC syntax for CLI help output.
const Usage = `none | mult:<copies> | xor:<group size>
  mult:N  send every packet N times (2..8)
  xor:K   send one parity packet per K data packets (2..48)`

// Config is a parsed FEC setting.
type Config struct {
	Scheme Scheme

	// N is the copy count for mult and the group size for xor.
	N int
}

// Parse parses "none", "mult:N" or "xor:K". The empty string means none.
func Parse(s string) (Config, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "none" {
		return Config{Scheme: SchemeNone}, nil
	}
	name, arg, ok := strings.Cut(s, ":")
	if !ok {
		return Config{}, fmt.Errorf("fec: %q: missing parameter", s)
	}
	n, err := strconv.Atoi(arg)
	if err != nil {
		return Config{}, fmt.Errorf("fec: %q: %w", s, err)
	}
	switch name {
	case "mult":
		if n < 2 || n > 8 {
			return Config{}, fmt.Errorf("fec: %q: copies must be in [2,8]", s)
		}
		return Config{Scheme: SchemeMult, N: n}, nil
	case "xor":
		if n < 2 || n > 48 {
			return Config{}, fmt.Errorf("fec: %q: group size must be in [2,48]", s)
		}
		return Config{Scheme: SchemeXOR, N: n}, nil
	default:
		return Config{}, fmt.Errorf("fec: unknown scheme %q", name)
	}
}

// String returns the textual form accepted by [Parse].
func (c Config) String() string {
	if c.Scheme == SchemeNone {
		return "none"
	}
	return c.Scheme.String() + ":" + strconv.Itoa(c.N)
}
