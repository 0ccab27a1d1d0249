package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/MrWong99/voxlane/internal/config"
	"github.com/MrWong99/voxlane/internal/fec"
	"github.com/MrWong99/voxlane/internal/jitter"
	"github.com/MrWong99/voxlane/pkg/audio"
)

// helpValue makes a flag print its usage instead of taking effect.
const helpValue = "help"

// flags holds the command line. Only flags that were set on the command
// line override the config file.
type flags struct {
	configPath string
	version    bool

	listen   string
	logLevel string

	capture    string
	playback   string
	codec      string
	echoCancel string
	channelMap string
	scale      string
	poolSize   int
	reopen     bool

	destinations []string
	port         int
	sendPort     int
	ipv6         bool
	mcastIf      string
	mtu          int
	fec          string
	payloadType  int
	cname        string

	playoutDelay time.Duration
	gapPolicy    string
}

func registerFlags(fs *pflag.FlagSet) *flags {
	f := &flags{}
	fs.StringVarP(&f.configPath, "config", "c", "", "path to the YAML configuration file (watched for changes)")
	fs.BoolVar(&f.version, "version", false, "print the version and exit")

	fs.StringVar(&f.listen, "listen", "", "admin endpoint address serving /healthz, /readyz, /statusz and /metrics")
	fs.Lookup("listen").NoOptDefVal = config.DefaultListenAddr
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn or error")

	fs.StringVar(&f.capture, "audio-capture", "", `capture backend as "name[:key=value,...]"; "help" lists backends`)
	fs.StringVar(&f.playback, "audio-playback", "", `playback backend as "name[:key=value,...]"; "help" lists backends`)
	fs.StringVar(&f.codec, "audio-codec", "", `outbound codec as "name[:key=value,...]"; "help" lists codecs`)
	fs.StringVar(&f.echoCancel, "audio-echo-cancel", "", `echo canceller as "name[:key=value,...]"`)
	fs.StringVar(&f.channelMap, "audio-channel-map", "", `received channel remapping, e.g. "0:0,0:1"; "help" explains`)
	fs.StringVar(&f.scale, "audio-scale", "", `output scaling: factor, mixauto, auto or none; "help" explains`)
	fs.IntVar(&f.poolSize, "audio-pool-size", 0, "number of frames in the shared frame pool")
	fs.BoolVar(&f.reopen, "audio-reopen-capture", false, "reopen the capture device when it ends")

	fs.StringSliceVarP(&f.destinations, "dest", "d", nil, "destination host or multicast group (repeatable)")
	fs.IntVarP(&f.port, "port", "p", 0, "local RTP port; RTCP uses port+1")
	fs.IntVar(&f.sendPort, "send-port", 0, "destination RTP port (default: --port)")
	fs.BoolVarP(&f.ipv6, "ipv6", "6", false, "use IPv6 sockets")
	fs.StringVar(&f.mcastIf, "mcast-if", "", "network interface for multicast groups")
	fs.IntVar(&f.mtu, "mtu", 0, "path MTU used to size fragments")
	fs.StringVar(&f.fec, "fec", "", `forward error correction; "help" explains`)
	fs.IntVar(&f.payloadType, "payload-type", 0, "RTP payload type of audio units")
	fs.StringVar(&f.cname, "cname", "", "RTCP canonical name")

	fs.DurationVar(&f.playoutDelay, "playout-delay", 0, "jitter buffer playout delay")
	fs.StringVar(&f.gapPolicy, "gap-policy", "", "loss concealment: silence, repeat or none")
	return f
}

// apply overrides cfg with every flag set on the command line and validates
// the result.
func (f *flags) apply(cfg *config.Config, fs *pflag.FlagSet) error {
	var errs []error
	backend := func(name, value string, dst *config.BackendEntry) {
		if !fs.Changed(name) {
			return
		}
		e, err := config.ParseBackendSpec(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("--%s: %w", name, err))
			return
		}
		*dst = e
	}

	if fs.Changed("listen") {
		cfg.Server.ListenAddr = f.listen
	}
	if fs.Changed("log-level") {
		cfg.Server.LogLevel = config.LogLevel(f.logLevel)
	}

	backend("audio-capture", f.capture, &cfg.Audio.Capture)
	backend("audio-playback", f.playback, &cfg.Audio.Playback)
	backend("audio-codec", f.codec, &cfg.Audio.Codec)
	backend("audio-echo-cancel", f.echoCancel, &cfg.Audio.EchoCancel)
	if fs.Changed("audio-channel-map") {
		cfg.Audio.ChannelMap = f.channelMap
	}
	if fs.Changed("audio-scale") {
		cfg.Audio.Scale = f.scale
	}
	if fs.Changed("audio-pool-size") {
		cfg.Audio.PoolSize = f.poolSize
	}
	if fs.Changed("audio-reopen-capture") {
		cfg.Audio.ReopenCapture = f.reopen
	}

	if fs.Changed("dest") {
		cfg.Network.Destinations = f.destinations
	}
	if fs.Changed("port") {
		cfg.Network.RecvPort = f.port
	}
	if fs.Changed("send-port") {
		cfg.Network.SendPort = f.sendPort
	}
	if fs.Changed("ipv6") {
		cfg.Network.IPv6 = f.ipv6
	}
	if fs.Changed("mcast-if") {
		cfg.Network.MulticastInterface = f.mcastIf
	}
	if fs.Changed("mtu") {
		cfg.Network.MTU = f.mtu
	}
	if fs.Changed("fec") {
		cfg.Network.FEC = f.fec
	}
	if fs.Changed("payload-type") {
		cfg.Network.PayloadType = f.payloadType
	}
	if fs.Changed("cname") {
		cfg.Network.CNAME = f.cname
	}

	if fs.Changed("playout-delay") {
		cfg.Playout.Delay = f.playoutDelay
	}
	if fs.Changed("gap-policy") {
		cfg.Playout.GapPolicy = f.gapPolicy
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	config.ApplyDefaults(cfg)
	return config.Validate(cfg)
}

// printHelp prints usage for every flag given the value "help" and reports
// whether it printed anything.
func printHelp(w io.Writer, f *flags, reg *config.Registry) bool {
	printed := false
	section := func(title, body string) {
		if printed {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s:\n%s\n", title, strings.TrimRight(body, "\n"))
		printed = true
	}
	list := func(names []string) string {
		return "  " + strings.Join(append([]string{config.DefaultBackend}, names...), "\n  ")
	}

	if f.capture == helpValue {
		section("Available capture backends", list(reg.CaptureNames()))
	}
	if f.playback == helpValue {
		section("Available playback backends", list(reg.PlaybackNames()))
	}
	if f.codec == helpValue {
		section("Available codecs", "  "+strings.Join(reg.CodecNames(), "\n  "))
	}
	if f.channelMap == helpValue {
		section("Channel map", audio.ChannelMapUsage)
	}
	if f.scale == helpValue {
		section("Scale", audio.ScaleUsage)
	}
	if f.fec == helpValue {
		section("Forward error correction", fec.Usage)
	}
	if f.gapPolicy == helpValue {
		section("Gap policies", "  "+strings.Join([]string{jitter.PolicySilence, jitter.PolicyRepeat, jitter.PolicyNone}, "\n  "))
	}
	return printed
}
