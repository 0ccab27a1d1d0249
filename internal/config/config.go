// Package config provides the configuration schema, loader, and backend registry
// for the voxlane audio transport.
package config

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the voxlane process.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to the matching [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for voxlane.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Audio   AudioConfig   `yaml:"audio"`
	Network NetworkConfig `yaml:"network"`
	Playout PlayoutConfig `yaml:"playout"`
}

// ServerConfig holds the admin HTTP endpoint and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the admin endpoint serving /healthz,
	// /readyz and /metrics (e.g., ":9090"). Empty disables it.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the admin endpoint. When nil, it runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AudioConfig selects the audio devices and the processing applied between
// the network and the playback device.
type AudioConfig struct {
	// Capture selects the input device. "none" disables the sender loop;
	// "null" keeps it running without producing audio.
	Capture BackendEntry `yaml:"capture"`

	// Playback selects the output device. "none" disables the receiver loop;
	// "null" decodes and discards received audio.
	Playback BackendEntry `yaml:"playback"`

	// Codec selects the encoding of outbound audio.
	Codec BackendEntry `yaml:"codec"`

	// EchoCancel selects an echo canceller. An empty name disables echo
	// cancellation.
	EchoCancel BackendEntry `yaml:"echo_cancel"`

	// ChannelMap remaps received channels, e.g. "0:0,0:1". Empty keeps them.
	ChannelMap string `yaml:"channel_map"`

	// Scale is the output scaling rule: a factor, "mixauto", "auto" or "none".
	Scale string `yaml:"scale"`

	// PoolSize is the number of frames in the shared frame pool.
	PoolSize int `yaml:"pool_size"`

	// FrameCapacity is the byte capacity of every pooled frame.
	FrameCapacity int `yaml:"frame_capacity"`

	// ReopenCapture reopens a capture device that ends on its own, such as a
	// WebSocket peer that disconnected.
	ReopenCapture bool `yaml:"reopen_capture"`
}

// NetworkConfig holds the RTP/RTCP transport settings.
type NetworkConfig struct {
	// Destinations are the peers to send to, unicast or multicast.
	Destinations []string `yaml:"destinations"`

	// RecvPort is the local RTP port; RTCP uses RecvPort+1.
	RecvPort int `yaml:"recv_port"`

	// SendPort is the destination RTP port. Zero means RecvPort.
	SendPort int `yaml:"send_port"`

	// IPv6 selects IPv6 sockets.
	IPv6 bool `yaml:"ipv6"`

	// MulticastInterface names the interface used to join multicast groups.
	MulticastInterface string `yaml:"multicast_interface"`

	// MTU is the path MTU used to size fragments.
	MTU int `yaml:"mtu"`

	// FEC selects the redundancy scheme: "none", "mult:N" or "xor:K".
	FEC string `yaml:"fec"`

	// PayloadType is the dynamic RTP payload type of audio units.
	PayloadType int `yaml:"payload_type"`

	// ControlInterval is the RTCP report interval.
	ControlInterval time.Duration `yaml:"control_interval"`

	// CNAME is announced in RTCP SDES. Empty derives one from the host name.
	CNAME string `yaml:"cname"`
}

// PlayoutConfig tunes the receive side.
type PlayoutConfig struct {
	// Delay is the jitter buffer playout delay.
	Delay time.Duration `yaml:"delay"`

	// GapPolicy conceals lost audio: "silence", "repeat" or "none".
	GapPolicy string `yaml:"gap_policy"`

	// MaxGapFill caps consecutive concealed quanta per talk spurt.
	MaxGapFill int `yaml:"max_gap_fill"`

	// ReceiveTimeout bounds a single receive wait.
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`

	// ParticipantTimeout evicts senders that have been silent this long.
	ParticipantTimeout time.Duration `yaml:"participant_timeout"`
}

// BackendEntry selects a registered backend and carries its options. In YAML
// it is written either as a mapping with name and options, or as a spec
// string such as "ws:url=ws://localhost:8080/mic,rate=16000".
type BackendEntry struct {
	// Name selects the registered backend implementation (e.g., "tone", "ws").
	Name string `yaml:"name"`

	// Options holds backend-specific settings.
	Options map[string]string `yaml:"options"`
}

// ParseBackendSpec parses "name" or "name:key=value,key=value". A key
// without "=" is stored with the value "true".
func ParseBackendSpec(s string) (BackendEntry, error) {
	s = strings.TrimSpace(s)
	name, rest, hasOpts := strings.Cut(s, ":")
	name = strings.TrimSpace(name)
	if name == "" {
		return BackendEntry{}, fmt.Errorf("config: backend spec %q has no name", s)
	}
	e := BackendEntry{Name: name}
	if !hasOpts || strings.TrimSpace(rest) == "" {
		return e, nil
	}
	e.Options = make(map[string]string)
	for _, kv := range strings.Split(rest, ",") {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if k == "" {
			return BackendEntry{}, fmt.Errorf("config: backend spec %q has an empty option key", s)
		}
		if !ok {
			v = "true"
		}
		e.Options[k] = strings.TrimSpace(v)
	}
	return e, nil
}

// String returns the "name:key=value" form accepted by [ParseBackendSpec].
func (e BackendEntry) String() string {
	if len(e.Options) == 0 {
		return e.Name
	}
	keys := make([]string, 0, len(e.Options))
	for k := range e.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(e.Name)
	for i, k := range keys {
		if i == 0 {
			b.WriteByte(':')
		} else {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(e.Options[k])
	}
	return b.String()
}

// Disabled reports whether e selects no backend at all.
func (e BackendEntry) Disabled() bool {
	return e.Name == "" || e.Name == DefaultBackend
}

// Equal reports whether e and o select the same backend with the same
// options.
func (e BackendEntry) Equal(o BackendEntry) bool {
	if e.Name != o.Name || len(e.Options) != len(o.Options) {
		return false
	}
	for k, v := range e.Options {
		if ov, ok := o.Options[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// UnmarshalYAML accepts both the "name:key=value" string and the mapping form.
func (e *BackendEntry) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		if s == "" {
			*e = BackendEntry{}
			return nil
		}
		parsed, err := ParseBackendSpec(s)
		if err != nil {
			return err
		}
		*e = parsed
		return nil
	}
	// The alias drops this method so the mapping decodes field by field.
	type plain BackendEntry
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*e = BackendEntry(p)
	return nil
}
