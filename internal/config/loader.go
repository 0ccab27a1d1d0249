package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxlane/internal/fec"
	"github.com/MrWong99/voxlane/internal/jitter"
	"github.com/MrWong99/voxlane/pkg/audio"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr    = ":9090"
	DefaultRecvPort      = 5004
	DefaultMTU           = 1500
	DefaultPoolSize      = 64
	DefaultFrameCapacity = 23040
	DefaultBackend       = "none"
	DefaultCodec         = "pcm"
	DefaultPlayoutDelay  = 60 * time.Millisecond
)

// KnownBackends lists the built-in backend names per kind.
// Used by [Validate] to warn about unrecognised backend names.
var KnownBackends = map[string][]string{
	"capture":  {"none", "null", "tone", "ws"},
	"playback": {"none", "null", "ws"},
	"codec":    {"pcm", "opus"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields of cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.Capture.Name == "" {
		cfg.Audio.Capture.Name = DefaultBackend
	}
	if cfg.Audio.Playback.Name == "" {
		cfg.Audio.Playback.Name = DefaultBackend
	}
	if cfg.Audio.Codec.Name == "" {
		cfg.Audio.Codec.Name = DefaultCodec
	}
	if cfg.Audio.PoolSize == 0 {
		cfg.Audio.PoolSize = DefaultPoolSize
	}
	if cfg.Audio.FrameCapacity == 0 {
		cfg.Audio.FrameCapacity = DefaultFrameCapacity
	}
	if cfg.Network.RecvPort == 0 {
		cfg.Network.RecvPort = DefaultRecvPort
	}
	if cfg.Network.MTU == 0 {
		cfg.Network.MTU = DefaultMTU
	}
	if cfg.Network.FEC == "" {
		cfg.Network.FEC = "none"
	}
	if cfg.Playout.Delay == 0 {
		cfg.Playout.Delay = DefaultPlayoutDelay
	}
	if cfg.Playout.GapPolicy == "" {
		cfg.Playout.GapPolicy = jitter.PolicySilence
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	validateBackendName("capture", cfg.Audio.Capture.Name)
	validateBackendName("playback", cfg.Audio.Playback.Name)
	validateBackendName("codec", cfg.Audio.Codec.Name)
	if _, err := audio.ParseChannelMap(cfg.Audio.ChannelMap); err != nil {
		errs = append(errs, fmt.Errorf("audio.channel_map: %w", err))
	}
	if _, err := audio.ParseScale(cfg.Audio.Scale); err != nil {
		errs = append(errs, fmt.Errorf("audio.scale: %w", err))
	}
	if cfg.Audio.PoolSize < 2 {
		errs = append(errs, fmt.Errorf("audio.pool_size %d is too small; need at least 2", cfg.Audio.PoolSize))
	}
	if cfg.Audio.FrameCapacity <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_capacity %d must be positive", cfg.Audio.FrameCapacity))
	}

	// Network
	for i, d := range cfg.Network.Destinations {
		if strings.TrimSpace(d) == "" {
			errs = append(errs, fmt.Errorf("network.destinations[%d] is empty", i))
		}
	}
	// RTCP uses the port above the RTP port.
	if p := cfg.Network.RecvPort; p < 0 || p > 65534 {
		errs = append(errs, fmt.Errorf("network.recv_port %d is out of range [0, 65534]", p))
	}
	if p := cfg.Network.SendPort; p < 0 || p > 65534 {
		errs = append(errs, fmt.Errorf("network.send_port %d is out of range [0, 65534]", p))
	}
	if cfg.Network.MTU < 128 || cfg.Network.MTU > 65535 {
		errs = append(errs, fmt.Errorf("network.mtu %d is out of range [128, 65535]", cfg.Network.MTU))
	}
	if _, err := fec.Parse(cfg.Network.FEC); err != nil {
		errs = append(errs, fmt.Errorf("network.fec: %w", err))
	}
	if pt := cfg.Network.PayloadType; pt != 0 && (pt < 96 || pt > 127 || pt == fec.ParityPayloadType) {
		errs = append(errs, fmt.Errorf("network.payload_type %d must be a dynamic type in [96, 127] other than %d", pt, fec.ParityPayloadType))
	}
	if cfg.Network.ControlInterval < 0 {
		errs = append(errs, fmt.Errorf("network.control_interval %v must not be negative", cfg.Network.ControlInterval))
	}

	// Playout
	if _, err := jitter.ParseGapPolicy(cfg.Playout.GapPolicy); err != nil {
		errs = append(errs, fmt.Errorf("playout.gap_policy: %w", err))
	}
	if cfg.Playout.Delay < 0 {
		errs = append(errs, fmt.Errorf("playout.delay %v must not be negative", cfg.Playout.Delay))
	}
	if cfg.Playout.MaxGapFill < 0 {
		errs = append(errs, fmt.Errorf("playout.max_gap_fill %d must not be negative", cfg.Playout.MaxGapFill))
	}
	if cfg.Playout.ReceiveTimeout < 0 {
		errs = append(errs, fmt.Errorf("playout.receive_timeout %v must not be negative", cfg.Playout.ReceiveTimeout))
	}
	if cfg.Playout.ParticipantTimeout < 0 {
		errs = append(errs, fmt.Errorf("playout.participant_timeout %v must not be negative", cfg.Playout.ParticipantTimeout))
	}

	return errors.Join(errs...)
}

// validateBackendName logs a warning if name is non-empty and not found in
// the [KnownBackends] list for the given kind.
func validateBackendName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := KnownBackends[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown backend name, may be a typo or third-party backend",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
