package config

import "slices"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ServerChanged is true when the admin endpoint settings changed. They
	// only take effect after a restart.
	ServerChanged bool

	// SessionChanged is true when any audio, network or playout setting
	// changed; the session must be rebuilt.
	SessionChanged bool

	// Sections lists the changed top-level sections requiring a rebuild
	// ("audio", "network", "playout").
	Sections []string
}

// Changed reports whether any setting differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ServerChanged || d.SessionChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !equalTLS(old.Server.TLS, new.Server.TLS) {
		d.ServerChanged = true
	}

	if !equalAudio(&old.Audio, &new.Audio) {
		d.Sections = append(d.Sections, "audio")
	}
	if !equalNetwork(&old.Network, &new.Network) {
		d.Sections = append(d.Sections, "network")
	}
	if old.Playout != new.Playout {
		d.Sections = append(d.Sections, "playout")
	}
	d.SessionChanged = len(d.Sections) > 0

	return d
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalAudio(a, b *AudioConfig) bool {
	return a.Capture.Equal(b.Capture) &&
		a.Playback.Equal(b.Playback) &&
		a.Codec.Equal(b.Codec) &&
		a.EchoCancel.Equal(b.EchoCancel) &&
		a.ChannelMap == b.ChannelMap &&
		a.Scale == b.Scale &&
		a.PoolSize == b.PoolSize &&
		a.FrameCapacity == b.FrameCapacity &&
		a.ReopenCapture == b.ReopenCapture
}

func equalNetwork(a, b *NetworkConfig) bool {
	return slices.Equal(a.Destinations, b.Destinations) &&
		a.RecvPort == b.RecvPort &&
		a.SendPort == b.SendPort &&
		a.IPv6 == b.IPv6 &&
		a.MulticastInterface == b.MulticastInterface &&
		a.MTU == b.MTU &&
		a.FEC == b.FEC &&
		a.PayloadType == b.PayloadType &&
		a.ControlInterval == b.ControlInterval &&
		a.CNAME == b.CNAME
}
