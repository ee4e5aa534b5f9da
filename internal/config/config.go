package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"babelfish/internal/bluez"
	"babelfish/internal/connmgr"
	"babelfish/internal/transport"
)

const (
	BackendBluez = "bluez"
	BackendWS    = "ws"
)

// Config holds configuration for the link binary.
type Config struct {
	Backend     string           // "bluez" (default) or "ws"
	ListenAddr  string           // ws listen address (default ":7331")
	Name        string           // display name announced over ws
	Service     string           // service uuid (default connmgr.DefaultService)
	ServiceName string           // SDP record name (default connmgr.DefaultServiceName)
	Channel     uint16           // RFCOMM channel (default 22)
	Peers       []transport.Peer // ws bonded list, from repeatable -peer addr[=name]
	Connect     string           // address to dial at startup
	Scan        bool             // scan and pick a peer interactively
	ScanTimeout time.Duration    // how long a scan runs (default 15s)
	LogLevel    string
}

// Parse parses configuration from flags and environment variables.
// Flags take precedence over environment variables.
func Parse() Config {
	return parseWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseWithFlagSet is an internal helper for testing with isolated flag sets.
func parseWithFlagSet(fs *flag.FlagSet, args []string) Config {
	cfg := Config{
		Backend:     BackendBluez,
		ListenAddr:  ":7331",
		Service:     connmgr.DefaultService.String(),
		ServiceName: connmgr.DefaultServiceName,
		Channel:     bluez.DefaultRFCOMMChannel,
		ScanTimeout: 15 * time.Second,
		LogLevel:    "info",
	}
	if host, err := os.Hostname(); err == nil {
		cfg.Name = host
	}

	// Read from environment first
	if v := os.Getenv("BABELFISH_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("BABELFISH_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("BABELFISH_NAME"); v != "" {
		cfg.Name = v
	}
	if v := os.Getenv("BABELFISH_SERVICE"); v != "" {
		cfg.Service = v
	}
	if v := os.Getenv("BABELFISH_SERVICE_NAME"); v != "" {
		cfg.ServiceName = v
	}
	if v := os.Getenv("BABELFISH_CHANNEL"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.Channel = uint16(n)
		}
	}
	if v := os.Getenv("BABELFISH_CONNECT"); v != "" {
		cfg.Connect = v
	}
	if v := os.Getenv("BABELFISH_SCAN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ScanTimeout = d
		}
	}
	if v := os.Getenv("BABELFISH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	var envPeers []transport.Peer
	if v := os.Getenv("BABELFISH_PEERS"); v != "" {
		for _, entry := range strings.Split(v, ",") {
			if entry = strings.TrimSpace(entry); entry != "" {
				envPeers = append(envPeers, parsePeer(entry))
			}
		}
	}

	// Flags override environment
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "link backend (bluez, ws)")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "ws listen address")
	fs.StringVar(&cfg.Name, "name", cfg.Name, "display name announced to ws peers")
	fs.StringVar(&cfg.Service, "service", cfg.Service, "service uuid")
	fs.StringVar(&cfg.ServiceName, "service-name", cfg.ServiceName, "service record name")
	channel := uint(cfg.Channel)
	fs.UintVar(&channel, "channel", channel, "RFCOMM channel of the server profile")
	fs.StringVar(&cfg.Connect, "connect", cfg.Connect, "peer address to connect to at startup")
	fs.BoolVar(&cfg.Scan, "scan", false, "scan and choose a peer to connect to")
	fs.DurationVar(&cfg.ScanTimeout, "scan-timeout", cfg.ScanTimeout, "scan duration")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")

	// Handle repeatable -peer flag
	flagPeers := make([]transport.Peer, 0)
	fs.Var((*peerList)(&flagPeers), "peer", "known ws peer addr[=name] (repeatable)")

	fs.Parse(args)

	// Out-of-range channels become 0 so Validate rejects them.
	if channel > 0xFFFF {
		cfg.Channel = 0
	} else {
		cfg.Channel = uint16(channel)
	}
	if len(flagPeers) > 0 {
		cfg.Peers = flagPeers
	} else {
		cfg.Peers = envPeers
	}
	return cfg
}

// Validate reports the first configuration problem.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendBluez, BackendWS:
	default:
		return fmt.Errorf("config: unknown backend %q (want %s or %s)", c.Backend, BackendBluez, BackendWS)
	}
	if _, err := c.ServiceID(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Backend == BackendBluez && (c.Channel < 1 || c.Channel > 30) {
		return fmt.Errorf("config: RFCOMM channel %d out of range 1..30", c.Channel)
	}
	if c.ScanTimeout <= 0 {
		return fmt.Errorf("config: scan timeout must be positive, got %s", c.ScanTimeout)
	}
	return nil
}

// ServiceID returns the parsed service uuid.
func (c Config) ServiceID() (transport.ServiceID, error) {
	return transport.ParseServiceID(c.Service)
}

// parsePeer splits "addr=name". A bare address has no name.
func parsePeer(entry string) transport.Peer {
	addr, name, _ := strings.Cut(entry, "=")
	return transport.Peer{Address: strings.TrimSpace(addr), Name: strings.TrimSpace(name)}
}

// peerList implements flag.Value for the repeatable -peer flag.
type peerList []transport.Peer

func (p *peerList) String() string {
	if p == nil {
		return ""
	}
	parts := make([]string, 0, len(*p))
	for _, peer := range *p {
		if peer.Name == "" {
			parts = append(parts, peer.Address)
		} else {
			parts = append(parts, peer.Address+"="+peer.Name)
		}
	}
	return strings.Join(parts, ",")
}

func (p *peerList) Set(value string) error {
	peer := parsePeer(value)
	if peer.Address == "" {
		return fmt.Errorf("empty peer address in %q", value)
	}
	*p = append(*p, peer)
	return nil
}

var _ flag.Value = (*peerList)(nil)
