package config_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxlane/internal/config"
	"github.com/MrWong99/voxlane/pkg/audio"
	"github.com/MrWong99/voxlane/pkg/audio/codec"
	"github.com/MrWong99/voxlane/pkg/audio/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: debug

audio:
  capture: "ws:url=ws://localhost:8000/mic,rate=16000"
  playback:
    name: ws
    options:
      url: ws://localhost:8000/speaker
      fixed: "true"
  codec: opus:bitrate=32000
  channel_map: "0:0,0:1"
  scale: mixauto
  reopen_capture: true

network:
  destinations:
    - 239.1.2.3
    - studio-b.local
  recv_port: 6000
  send_port: 6002
  multicast_interface: eth0
  mtu: 1400
  fec: xor:4
  payload_type: 100
  control_interval: 2s
  cname: alice@studio

playout:
  delay: 80ms
  gap_policy: repeat
  max_gap_fill: 10
  receive_timeout: 10ms
  participant_timeout: 30s
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if c := cfg.Audio.Capture; c.Name != "ws" || c.Options["url"] != "ws://localhost:8000/mic" || c.Options["rate"] != "16000" {
		t.Errorf("audio.capture: got %+v", c)
	}
	if p := cfg.Audio.Playback; p.Name != "ws" || p.Options["fixed"] != "true" {
		t.Errorf("audio.playback: got %+v", p)
	}
	if cfg.Audio.Codec.Name != "opus" || cfg.Audio.Codec.Options["bitrate"] != "32000" {
		t.Errorf("audio.codec: got %+v", cfg.Audio.Codec)
	}
	if !cfg.Audio.ReopenCapture {
		t.Error("audio.reopen_capture: got false")
	}
	if len(cfg.Network.Destinations) != 2 || cfg.Network.Destinations[1] != "studio-b.local" {
		t.Errorf("network.destinations: got %v", cfg.Network.Destinations)
	}
	if cfg.Network.FEC != "xor:4" || cfg.Network.MTU != 1400 || cfg.Network.PayloadType != 100 {
		t.Errorf("network: got %+v", cfg.Network)
	}
	if cfg.Network.ControlInterval != 2*time.Second {
		t.Errorf("network.control_interval: got %v, want 2s", cfg.Network.ControlInterval)
	}
	if cfg.Playout.Delay != 80*time.Millisecond || cfg.Playout.GapPolicy != "repeat" || cfg.Playout.MaxGapFill != 10 {
		t.Errorf("playout: got %+v", cfg.Playout)
	}
	if cfg.Playout.ParticipantTimeout != 30*time.Second {
		t.Errorf("playout.participant_timeout: got %v", cfg.Playout.ParticipantTimeout)
	}
}

func TestLoadFromReader_EmptyAppliesDefaults(t *testing.T) {
	t.Parallel()

	for _, doc := range []string{"", "{}"} {
		cfg, err := config.LoadFromReader(strings.NewReader(doc))
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", doc, err)
		}
		if cfg.Server.LogLevel != config.LogInfo {
			t.Errorf("log_level: got %q", cfg.Server.LogLevel)
		}
		if cfg.Audio.Capture.Name != "none" || cfg.Audio.Playback.Name != "none" || cfg.Audio.Codec.Name != "pcm" {
			t.Errorf("audio backends: got %+v", cfg.Audio)
		}
		if cfg.Network.RecvPort != config.DefaultRecvPort || cfg.Network.MTU != config.DefaultMTU || cfg.Network.FEC != "none" {
			t.Errorf("network defaults: got %+v", cfg.Network)
		}
		if cfg.Playout.Delay != config.DefaultPlayoutDelay || cfg.Playout.GapPolicy != "silence" {
			t.Errorf("playout defaults: got %+v", cfg.Playout)
		}
		if cfg.Audio.PoolSize != config.DefaultPoolSize || cfg.Audio.FrameCapacity != config.DefaultFrameCapacity {
			t.Errorf("pool defaults: got %d x %d", cfg.Audio.PoolSize, cfg.Audio.FrameCapacity)
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("network:\n  mtu_size: 1400\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		mention string
	}{
		{"log level", "server:\n  log_level: verbose\n", "log_level"},
		{"tls without key", "server:\n  tls:\n    cert_file: a.pem\n", "tls"},
		{"channel map", "audio:\n  channel_map: \"0-1\"\n", "channel_map"},
		{"scale", "audio:\n  scale: loud\n", "scale"},
		{"pool size", "audio:\n  pool_size: 1\n", "pool_size"},
		{"recv port", "network:\n  recv_port: 65535\n", "recv_port"},
		{"send port", "network:\n  send_port: -1\n", "send_port"},
		{"mtu", "network:\n  mtu: 64\n", "mtu"},
		{"fec", "network:\n  fec: xor:1\n", "fec"},
		{"payload type", "network:\n  payload_type: 98\n", "payload_type"},
		{"empty destination", "network:\n  destinations: [\"\"]\n", "destinations[0]"},
		{"gap policy", "playout:\n  gap_policy: interpolate\n", "gap_policy"},
		{"negative delay", "playout:\n  delay: -5ms\n", "delay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.mention) {
				t.Errorf("error should mention %q, got: %v", tt.mention, err)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Network.MTU = 10
	cfg.Playout.GapPolicy = "bogus"
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	msg := err.Error()
	if !strings.Contains(msg, "mtu") || !strings.Contains(msg, "gap_policy") {
		t.Errorf("expected both failures reported, got: %v", err)
	}
}

// ── Backend specs ─────────────────────────────────────────────────────────────

func TestParseBackendSpec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		name    string
		options map[string]string
		wantErr bool
	}{
		{in: "tone", name: "tone"},
		{in: " none ", name: "none"},
		{in: "tone:", name: "tone"},
		{in: "tone:freq=1000,amplitude=0.5", name: "tone", options: map[string]string{"freq": "1000", "amplitude": "0.5"}},
		{in: "ws:url=ws://h:1/x?a=b,fixed", name: "ws", options: map[string]string{"url": "ws://h:1/x?a=b", "fixed": "true"}},
		{in: ":freq=1", wantErr: true},
		{in: "tone:=1", wantErr: true},
	}
	for _, tt := range tests {
		got, err := config.ParseBackendSpec(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseBackendSpec(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseBackendSpec(%q): %v", tt.in, err)
			continue
		}
		want := config.BackendEntry{Name: tt.name, Options: tt.options}
		if !got.Equal(want) {
			t.Errorf("ParseBackendSpec(%q) = %+v, want %+v", tt.in, got, want)
		}
	}
}

func TestBackendEntry_StringRoundTrip(t *testing.T) {
	t.Parallel()

	e := config.BackendEntry{Name: "tone", Options: map[string]string{"freq": "880", "amplitude": "0.1"}}
	if got := e.String(); got != "tone:amplitude=0.1,freq=880" {
		t.Errorf("String() = %q", got)
	}
	back, err := config.ParseBackendSpec(e.String())
	if err != nil || !back.Equal(e) {
		t.Errorf("round trip = %+v, %v", back, err)
	}
}

func TestBackendEntry_YAMLForms(t *testing.T) {
	t.Parallel()

	var v struct {
		A config.BackendEntry `yaml:"a"`
		B config.BackendEntry `yaml:"b"`
	}
	doc := "a: tone:freq=220\nb:\n  name: tone\n  options:\n    freq: \"220\"\n"
	if err := yaml.Unmarshal([]byte(doc), &v); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !v.A.Equal(v.B) || v.A.Options["freq"] != "220" {
		t.Errorf("forms differ: %+v vs %+v", v.A, v.B)
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()

	r := config.NewRegistry()
	ctx := context.Background()
	entry := config.BackendEntry{Name: "missing"}

	if _, err := r.CreateCapture(ctx, entry, audio.NewPool(1, 64)); !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("CreateCapture: got %v", err)
	}
	if _, err := r.CreatePlayback(ctx, entry, 64); !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("CreatePlayback: got %v", err)
	}
	if _, err := r.CreateEcho(entry); !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("CreateEcho: got %v", err)
	}
	if _, err := r.CreateCodec(entry); !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("CreateCodec: got %v", err)
	}
}

func TestRegistry_CreatePassesArguments(t *testing.T) {
	t.Parallel()

	r := config.NewRegistry()
	pool := audio.NewPool(2, 128)

	var gotPool *audio.Pool
	var gotCapacity int
	r.RegisterCapture("mock", func(_ context.Context, e config.BackendEntry, p *audio.Pool) (audio.Capture, error) {
		gotPool = p
		return &mock.Capture{Pool: p}, nil
	})
	r.RegisterPlayback("mock", func(_ context.Context, e config.BackendEntry, capacity int) (audio.Playback, error) {
		gotCapacity = capacity
		return &mock.Playback{Capacity: capacity}, nil
	})
	r.RegisterEcho("mock", func(config.BackendEntry) (audio.EchoCanceller, error) {
		return &mock.EchoCanceller{}, nil
	})
	r.RegisterCodec("pcm", func(config.BackendEntry) (codec.Codec, error) {
		return codec.PCM{}, nil
	})

	ctx := context.Background()
	if _, err := r.CreateCapture(ctx, config.BackendEntry{Name: "mock"}, pool); err != nil {
		t.Fatalf("CreateCapture: %v", err)
	}
	if gotPool != pool {
		t.Error("capture factory did not receive the pool")
	}
	if _, err := r.CreatePlayback(ctx, config.BackendEntry{Name: "mock"}, 512); err != nil {
		t.Fatalf("CreatePlayback: %v", err)
	}
	if gotCapacity != 512 {
		t.Errorf("playback capacity = %d, want 512", gotCapacity)
	}
	if _, err := r.CreateEcho(config.BackendEntry{Name: "mock"}); err != nil {
		t.Fatalf("CreateEcho: %v", err)
	}
	c, err := r.CreateCodec(config.BackendEntry{Name: "pcm"})
	if err != nil || c.Name() != "pcm" {
		t.Fatalf("CreateCodec = %v, %v", c, err)
	}

	if got := r.CaptureNames(); len(got) != 1 || got[0] != "mock" {
		t.Errorf("CaptureNames() = %v", got)
	}
	if got := r.CodecNames(); len(got) != 1 || got[0] != "pcm" {
		t.Errorf("CodecNames() = %v", got)
	}
}

func TestRegistry_FactoryErrorPropagates(t *testing.T) {
	t.Parallel()

	r := config.NewRegistry()
	boom := errors.New("device busy")
	r.RegisterPlayback("busy", func(context.Context, config.BackendEntry, int) (audio.Playback, error) {
		return nil, boom
	})
	if _, err := r.CreatePlayback(context.Background(), config.BackendEntry{Name: "busy"}, 64); !errors.Is(err, boom) {
		t.Errorf("got %v, want %v", err, boom)
	}
}

func TestLoad_ExampleFile(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Audio.Playback.Name != "ws" || cfg.Audio.Playback.Options["url"] == "" {
		t.Errorf("playback = %+v", cfg.Audio.Playback)
	}
	if cfg.Audio.Codec.Name != "opus" || cfg.Audio.Codec.Options["bitrate"] != "64000" {
		t.Errorf("codec = %+v", cfg.Audio.Codec)
	}
	if cfg.Playout.ParticipantTimeout != 25*time.Second {
		t.Errorf("participant_timeout = %v", cfg.Playout.ParticipantTimeout)
	}
}

func TestBackendEntry_Disabled(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name string
		want bool
	}{
		{"", true},
		{"none", true},
		{"null", false},
		{"tone", false},
	} {
		if got := (config.BackendEntry{Name: tt.name}).Disabled(); got != tt.want {
			t.Errorf("BackendEntry{%q}.Disabled() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()

	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := in.Level(); got != want {
			t.Errorf("LogLevel(%q).Level() = %v, want %v", in, got, want)
		}
	}
}
