package common

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type fileConfig struct {
	UnicastEndpoint        string   `toml:"unicast_endpoint"`
	MulticastEndpoint      string   `toml:"multicast_endpoint"`
	MulticastTTL           int      `toml:"multicast_ttl"`
	MulticastLoopback      bool     `toml:"multicast_loopback"`
	MulticastInterface     string   `toml:"multicast_interface"`
	MaxSegmentSize         int      `toml:"max_segment_size"`
	WindowSize             int      `toml:"window_size"`
	MaxMessageSize         int      `toml:"max_message_size"`
	RetransmitInterval     string   `toml:"retransmit_interval"`
	MaxRetransmits         int      `toml:"max_retransmits"`
	ReassemblyTimeout      string   `toml:"reassembly_timeout"`
	ResequenceTimeout      string   `toml:"resequence_timeout"`
	MaxBufferedMessages    int      `toml:"max_buffered_messages"`
	BeaconInterval         string   `toml:"beacon_interval"`
	DeadHeartbeatIntervals int      `toml:"dead_heartbeat_intervals"`
	StaticPeers            []string `toml:"static_peers"`
	InboundQueueSize       int      `toml:"inbound_queue_size"`
	OutboundQueueSize      int      `toml:"outbound_queue_size"`
	SendQueueSize          int      `toml:"send_queue_size"`
	MetricsAddr            string   `toml:"metrics_addr"`
	LogLevel               string   `toml:"log_level"`
}

// LoadConfig reads a TOML file on top of DefaultConfig and validates the result.
// Keys missing from the file keep their default.
func LoadConfig(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q", ErrInvalidConfig, undecoded[0].String())
	}

	cfg, err := raw.apply(DefaultConfig(), meta)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (raw fileConfig) apply(cfg Config, meta toml.MetaData) (Config, error) {
	var err error

	if meta.IsDefined("unicast_endpoint") {
		if cfg.UnicastEndpoint, err = parseEndpoint("unicast_endpoint", raw.UnicastEndpoint); err != nil {
			return Config{}, err
		}
	}

	if meta.IsDefined("multicast_endpoint") {
		if strings.TrimSpace(raw.MulticastEndpoint) == "" {
			cfg.MulticastEndpoint = netip.AddrPort{}
		} else if cfg.MulticastEndpoint, err = parseEndpoint("multicast_endpoint", raw.MulticastEndpoint); err != nil {
			return Config{}, err
		}
	}

	if meta.IsDefined("multicast_ttl") {
		cfg.MulticastTTL = raw.MulticastTTL
	}
	if meta.IsDefined("multicast_loopback") {
		cfg.MulticastLoopback = raw.MulticastLoopback
	}
	if meta.IsDefined("multicast_interface") {
		cfg.MulticastInterface = strings.TrimSpace(raw.MulticastInterface)
	}
	if meta.IsDefined("max_segment_size") {
		cfg.MaxSegmentSize = raw.MaxSegmentSize
	}
	if meta.IsDefined("window_size") {
		cfg.WindowSize = raw.WindowSize
	}
	if meta.IsDefined("max_message_size") {
		cfg.MaxMessageSize = raw.MaxMessageSize
	}

	if meta.IsDefined("retransmit_interval") {
		if cfg.RetransmitInterval, err = parseDuration("retransmit_interval", raw.RetransmitInterval); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("max_retransmits") {
		cfg.MaxRetransmits = raw.MaxRetransmits
	}
	if meta.IsDefined("reassembly_timeout") {
		if cfg.ReassemblyTimeout, err = parseDuration("reassembly_timeout", raw.ReassemblyTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("resequence_timeout") {
		if cfg.ResequenceTimeout, err = parseDuration("resequence_timeout", raw.ResequenceTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("max_buffered_messages") {
		cfg.MaxBufferedMessages = raw.MaxBufferedMessages
	}

	if meta.IsDefined("beacon_interval") {
		if cfg.BeaconInterval, err = parseDuration("beacon_interval", raw.BeaconInterval); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("dead_heartbeat_intervals") {
		cfg.DeadHeartbeatIntervals = raw.DeadHeartbeatIntervals
	}

	if meta.IsDefined("static_peers") {
		cfg.StaticPeers = make([]netip.AddrPort, 0, len(raw.StaticPeers))
		for _, peer := range raw.StaticPeers {
			if strings.TrimSpace(peer) == "" {
				continue
			}
			endpoint, err := parseEndpoint("static_peers", peer)
			if err != nil {
				return Config{}, err
			}
			cfg.StaticPeers = append(cfg.StaticPeers, endpoint)
		}
	}

	if meta.IsDefined("inbound_queue_size") {
		cfg.InboundQueueSize = raw.InboundQueueSize
	}
	if meta.IsDefined("outbound_queue_size") {
		cfg.OutboundQueueSize = raw.OutboundQueueSize
	}
	if meta.IsDefined("send_queue_size") {
		cfg.SendQueueSize = raw.SendQueueSize
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	return cfg, nil
}

func parseEndpoint(key, value string) (netip.AddrPort, error) {
	endpoint, err := netip.ParseAddrPort(strings.TrimSpace(value))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse %s: %w", key, err)
	}
	return endpoint, nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
