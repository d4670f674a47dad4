// Package config assembles the engine's immutable configuration record
// from CLI flags and an optional config file. Every invalid flag or config
// value is reported here as a relayerr ConfigError: once Load returns
// successfully the rest of the engine trusts the Config value for its
// lifetime.
package config

import (
	"fmt"
	"net"
	"runtime"
	"time"

	"github.com/WinterSnowfall/wookiee-unicaster/internal/logging"
	"github.com/WinterSnowfall/wookiee-unicaster/internal/relayerr"
	"gopkg.in/ini.v1"
)

// Role is one of the two engine personalities.
type Role string

const (
	Server Role = "server"
	Client Role = "client"
)

// Defaults for every tunable that can be set by flag or config file.
const (
	DefaultPeerCount           = 1
	DefaultServerRelayBasePort = 23000
	DefaultClientRelayBasePort = 23100
	DefaultReceiveBufferSize   = 2048
	DefaultPacketQueueSize     = 256

	// These are the values used when the config file omits a key.
	DefaultClientConnectionTimeout     = 10 * time.Second
	DefaultServerConnectionTimeout     = 10 * time.Second
	DefaultServerPeerConnectionTimeout = 30 * time.Second
	DefaultPingInterval                = 1 * time.Second
	DefaultPingTimeout                 = 2 * time.Second
)

const (
	minPort = 1024
	maxPort = 65535
)

// Config is the fully resolved, immutable configuration for one engine
// instance.
type Config struct {
	Role Role

	// BindAddr is the local address the engine binds its sockets to (the
	// resolved form of -e/-l).
	BindAddr net.IP

	PeerCount int

	// AppExternalPort is -i (SERVER only): the application port exposed to
	// remote peers.
	AppExternalPort int
	// AppDestPort is -o (CLIENT only): the local game server's port.
	AppDestPort int

	// PeerSourceIP is -s (CLIENT only): the SERVER's public IP.
	PeerSourceIP net.IP
	// GameDestIP is -d (CLIENT only): the local game server's IP.
	GameDestIP net.IP

	ServerRelayBasePort int
	ClientRelayBasePort int

	ReceiveBufferSize int
	PacketQueueSize   int

	ClientConnectionTimeout     time.Duration
	ServerConnectionTimeout     time.Duration
	ServerPeerConnectionTimeout time.Duration
	PingInterval                time.Duration
	PingTimeout                 time.Duration

	LoggingLevel logging.Level
	Quiet        bool

	// UPnP enables the optional best-effort automatic port-forwarding
	// helper on the SERVER.
	UPnP bool
}

// Flags holds the raw, unvalidated CLI input, filled in by the cobra
// command layer in cmd/wookiee-unicaster before being passed to Load.
type Flags struct {
	Mode       string
	Iface      string
	ListenIP   string
	ExtPort    int
	DestPort   int
	ServerIP   string
	GameDestIP string
	PeerCount  int

	ServerRelayBasePort int
	ClientRelayBasePort int

	Quiet      bool
	UPnP       bool
	ConfigFile string
}

// fileValues mirrors the [LOGGING]/[CONNECTION]/[KEEP-ALIVE] config file
// sections. Unknown keys are ignored with a warning; missing
// keys fall back to the defaults above.
type fileValues struct {
	LoggingLevel string

	ReceiveBufferSize int
	PacketQueueSize   int

	ClientConnectionTimeout     int
	ServerConnectionTimeout     int
	ServerPeerConnectionTimeout int
	PingInterval                int
	PingTimeout                 int
}

// Load validates the CLI flags, loads and merges the optional config file,
// and returns a ready-to-use Config. Any problem is returned as a
// relayerr.ConfigError, which the engine treats as fatal at startup.
// Warnings (currently just unrecognized config-file keys/sections) are
// returned alongside the Config rather than logged here, since the logger's
// own level and quiet settings are themselves part of the Config Load is
// still producing.
func Load(f Flags) (*Config, []string, error) {
	cfgErr := func(format string, args ...interface{}) error {
		return relayerr.New(relayerr.ConfigError, fmt.Errorf(format, args...))
	}

	var role Role
	switch f.Mode {
	case "server":
		role = Server
	case "client":
		role = Client
	default:
		return nil, nil, cfgErr("invalid -m %q: must be %q or %q", f.Mode, "server", "client")
	}

	if f.Iface == "" && f.ListenIP == "" {
		return nil, nil, cfgErr("exactly one of -e or -l must be supplied")
	}
	if f.Iface != "" && f.ListenIP != "" {
		return nil, nil, cfgErr("only one of -e or -l may be supplied, not both")
	}

	bindAddr, err := resolveBindAddr(f.Iface, f.ListenIP)
	if err != nil {
		return nil, nil, cfgErr("%v", err)
	}

	peerCount := f.PeerCount
	if peerCount == 0 {
		peerCount = DefaultPeerCount
	}
	if peerCount < 1 || peerCount > 255 {
		return nil, nil, cfgErr("-p %d out of range [1, 255]", peerCount)
	}

	sBase := f.ServerRelayBasePort
	if sBase == 0 {
		sBase = DefaultServerRelayBasePort
	}
	cBase := f.ClientRelayBasePort
	if cBase == 0 {
		cBase = DefaultClientRelayBasePort
	}
	if err := validatePortRange("server-relay-base-port", sBase, peerCount); err != nil {
		return nil, nil, cfgErr("%v", err)
	}
	if err := validatePortRange("client-relay-base-port", cBase, peerCount); err != nil {
		return nil, nil, cfgErr("%v", err)
	}
	if rangesOverlap(sBase, cBase, peerCount) {
		return nil, nil, cfgErr("server-relay-base-port and client-relay-base-port ranges overlap")
	}

	cfg := &Config{
		Role:                role,
		BindAddr:            bindAddr,
		PeerCount:           peerCount,
		ServerRelayBasePort: sBase,
		ClientRelayBasePort: cBase,
		Quiet:               f.Quiet,
		UPnP:                f.UPnP,
	}

	switch role {
	case Server:
		if f.ExtPort == 0 {
			return nil, nil, cfgErr("-i is required in server mode")
		}
		if err := validatePort("-i", f.ExtPort); err != nil {
			return nil, nil, cfgErr("%v", err)
		}
		cfg.AppExternalPort = f.ExtPort
	case Client:
		if f.DestPort == 0 {
			return nil, nil, cfgErr("-o is required in client mode")
		}
		if err := validatePort("-o", f.DestPort); err != nil {
			return nil, nil, cfgErr("%v", err)
		}
		if f.ServerIP == "" {
			return nil, nil, cfgErr("-s is required in client mode")
		}
		if f.GameDestIP == "" {
			return nil, nil, cfgErr("-d is required in client mode")
		}
		serverIP := net.ParseIP(f.ServerIP).To4()
		if serverIP == nil {
			return nil, nil, cfgErr("-s %q is not a valid IPv4 address", f.ServerIP)
		}
		destIP := net.ParseIP(f.GameDestIP).To4()
		if destIP == nil {
			return nil, nil, cfgErr("-d %q is not a valid IPv4 address", f.GameDestIP)
		}
		cfg.AppDestPort = f.DestPort
		cfg.PeerSourceIP = serverIP
		cfg.GameDestIP = destIP
	}

	fv, warnings, err := loadFileValues(f.ConfigFile)
	if err != nil {
		return nil, nil, cfgErr("%v", err)
	}
	applyFileDefaults(cfg, fv)

	return cfg, warnings, nil
}

// resolveBindAddr resolves -e (interface name, Unix-only)
// or -l (explicit IPv4) into a concrete address.
func resolveBindAddr(iface, listenIP string) (net.IP, error) {
	if listenIP != "" {
		ip := net.ParseIP(listenIP).To4()
		if ip == nil {
			return nil, fmt.Errorf("-l %q is not a valid IPv4 address", listenIP)
		}
		return ip, nil
	}

	if runtime.GOOS == "windows" {
		return nil, fmt.Errorf("-e (bind by interface name) is not supported on this platform; use -l")
	}

	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("unknown interface %q: %v", iface, err)
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, fmt.Errorf("could not read addresses for interface %q: %v", iface, err)
	}
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil {
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("interface %q has no IPv4 address", iface)
}

func validatePort(flag string, port int) error {
	if port < minPort || port > maxPort {
		return fmt.Errorf("%s %d out of range [%d, %d]", flag, port, minPort, maxPort)
	}
	return nil
}

func validatePortRange(flag string, base int, count int) error {
	if err := validatePort(flag, base); err != nil {
		return err
	}
	top := base + count - 1
	if top > maxPort {
		return fmt.Errorf("%s %d with peer count %d exceeds max port %d", flag, base, count, maxPort)
	}
	return nil
}

func rangesOverlap(sBase, cBase, count int) bool {
	sTop := sBase + count - 1
	cTop := cBase + count - 1
	return sBase <= cTop && cBase <= sTop
}

// knownKeys documents every [SECTION] and key loadFileValues
// understands; anything else in the config file is ignored but reported
// back to the caller as a warning rather than silently dropped.
var knownKeys = map[string][]string{
	"LOGGING":    {"logging_level"},
	"CONNECTION": {"receive_buffer_size", "packet_queue_size", "client_connection_timeout", "server_connection_timeout", "server_peer_connection_timeout"},
	"KEEP-ALIVE": {"ping_interval", "ping_timeout"},
}

// loadFileValues reads the optional config file. An empty path means "no
// config file supplied", which is not an error: every value falls back to
// its default. Unknown sections and keys are reported as warnings rather
// than rejected outright, matching a tolerant config-file contract.
func loadFileValues(path string) (fileValues, []string, error) {
	fv := fileValues{
		LoggingLevel:                string(logging.Info),
		ReceiveBufferSize:           DefaultReceiveBufferSize,
		PacketQueueSize:             DefaultPacketQueueSize,
		ClientConnectionTimeout:     int(DefaultClientConnectionTimeout.Seconds()),
		ServerConnectionTimeout:     int(DefaultServerConnectionTimeout.Seconds()),
		ServerPeerConnectionTimeout: int(DefaultServerPeerConnectionTimeout.Seconds()),
		PingInterval:                int(DefaultPingInterval.Seconds()),
		PingTimeout:                 int(DefaultPingTimeout.Seconds()),
	}
	if path == "" {
		return fv, nil, nil
	}

	f, err := ini.Load(path)
	if err != nil {
		return fv, nil, fmt.Errorf("could not load config file %q: %v", path, err)
	}

	if sec, err := f.GetSection("LOGGING"); err == nil {
		if key, err := sec.GetKey("logging_level"); err == nil {
			fv.LoggingLevel = key.String()
		}
	}
	if sec, err := f.GetSection("CONNECTION"); err == nil {
		readIntKey(sec, "receive_buffer_size", &fv.ReceiveBufferSize)
		readIntKey(sec, "packet_queue_size", &fv.PacketQueueSize)
		readIntKey(sec, "client_connection_timeout", &fv.ClientConnectionTimeout)
		readIntKey(sec, "server_connection_timeout", &fv.ServerConnectionTimeout)
		readIntKey(sec, "server_peer_connection_timeout", &fv.ServerPeerConnectionTimeout)
	}
	if sec, err := f.GetSection("KEEP-ALIVE"); err == nil {
		readIntKey(sec, "ping_interval", &fv.PingInterval)
		readIntKey(sec, "ping_timeout", &fv.PingTimeout)
	}

	return fv, unknownKeyWarnings(f), nil
}

// unknownKeyWarnings walks every section of f and reports any section name
// loadFileValues doesn't recognize, and any key within a recognized section
// that isn't in its allow-list. ini's implicit DEFAULT section is skipped:
// it only ever holds keys written above any [section] header, which this
// config format doesn't use.
func unknownKeyWarnings(f *ini.File) []string {
	var warnings []string
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		allowed, known := knownKeys[sec.Name()]
		if !known {
			warnings = append(warnings, fmt.Sprintf("config file: unknown section [%s]", sec.Name()))
			continue
		}
		for _, key := range sec.Keys() {
			if !containsString(allowed, key.Name()) {
				warnings = append(warnings, fmt.Sprintf("config file: unknown key %q in section [%s]", key.Name(), sec.Name()))
			}
		}
	}
	return warnings
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func readIntKey(sec *ini.Section, key string, dest *int) {
	k, err := sec.GetKey(key)
	if err != nil {
		return
	}
	if v, err := k.Int(); err == nil {
		*dest = v
	}
}

func applyFileDefaults(cfg *Config, fv fileValues) {
	cfg.LoggingLevel = logging.Level(fv.LoggingLevel)
	cfg.ReceiveBufferSize = fv.ReceiveBufferSize
	cfg.PacketQueueSize = fv.PacketQueueSize
	cfg.ClientConnectionTimeout = time.Duration(fv.ClientConnectionTimeout) * time.Second
	cfg.ServerConnectionTimeout = time.Duration(fv.ServerConnectionTimeout) * time.Second
	cfg.ServerPeerConnectionTimeout = time.Duration(fv.ServerPeerConnectionTimeout) * time.Second
	cfg.PingInterval = time.Duration(fv.PingInterval) * time.Second
	cfg.PingTimeout = time.Duration(fv.PingTimeout) * time.Second
}
