package common

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"bjoernblessin.de/udpmessaging/pkt"
)

const SOCKET_RECEIVE_BUFFER_SIZE = 500 // Number of datagrams to buffer per socket subscriber before dropping them
const MAX_SEGMENTS_PER_MESSAGE = 0xFFFF

var RECEIVED_FILES_DIR string

func init() {
	const subdirectory = "udpmessaging_received_files"
	dir, err := os.UserHomeDir()
	if err != nil {
		RECEIVED_FILES_DIR = string(os.PathSeparator) + subdirectory
	} else {
		RECEIVED_FILES_DIR = filepath.Join(dir, subdirectory)
	}
}

// Config holds every tunable of a node.
type Config struct {
	UnicastEndpoint    netip.AddrPort // Local unicast socket; port 0 picks a free port
	MulticastEndpoint  netip.AddrPort // Discovery group; the zero value disables multicast
	MulticastTTL       int
	MulticastLoopback  bool
	MulticastInterface string // Interface name for the group join; empty uses the system default

	MaxSegmentSize int // Chunk bytes per Data segment
	WindowSize     int // Unacknowledged segments in flight per message
	MaxMessageSize int

	RetransmitInterval  time.Duration
	MaxRetransmits      int // Retransmission rounds without progress before the message is abandoned
	ReassemblyTimeout   time.Duration
	ResequenceTimeout   time.Duration // Longest wait for a missing sequence before it is skipped
	MaxBufferedMessages int

	BeaconInterval         time.Duration
	DeadHeartbeatIntervals int

	StaticPeers []netip.AddrPort

	InboundQueueSize  int
	OutboundQueueSize int
	SendQueueSize     int

	MetricsAddr string // Listen address of the /metrics endpoint; empty disables it
	LogLevel    string
}

// DefaultConfig returns a configuration that works on a single LAN segment.
func DefaultConfig() Config {
	return Config{
		UnicastEndpoint:        netip.MustParseAddrPort("0.0.0.0:0"),
		MulticastEndpoint:      netip.MustParseAddrPort("230.0.0.1:6666"),
		MulticastTTL:           1,
		MulticastLoopback:      true,
		MaxSegmentSize:         1024,
		WindowSize:             32,
		MaxMessageSize:         16 << 20,
		RetransmitInterval:     250 * time.Millisecond,
		MaxRetransmits:         10,
		ReassemblyTimeout:      5 * time.Second,
		ResequenceTimeout:      5 * time.Second,
		MaxBufferedMessages:    256,
		BeaconInterval:         time.Second,
		DeadHeartbeatIntervals: 5,
		InboundQueueSize:       4096,
		OutboundQueueSize:      1024,
		SendQueueSize:          4096,
		LogLevel:               "INFO",
	}
}

// DeadPeerTimeout is the silence after which a peer is declared lost.
func (c Config) DeadPeerTimeout() time.Duration {
	return c.BeaconInterval * time.Duration(c.DeadHeartbeatIntervals)
}

// MulticastEnabled reports whether a discovery group is configured.
func (c Config) MulticastEnabled() bool {
	return c.MulticastEndpoint.IsValid()
}

var ErrInvalidConfig = errors.New("invalid config")

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
		}
	}

	check(c.UnicastEndpoint.IsValid(), "unicast_endpoint is not set")
	check(!c.MulticastEnabled() || c.MulticastEndpoint.Addr().IsMulticast(), "multicast_endpoint %s is not a multicast address", c.MulticastEndpoint)
	check(c.MulticastTTL >= 0 && c.MulticastTTL <= 255, "multicast_ttl %d out of range", c.MulticastTTL)
	check(c.MaxSegmentSize > 0 && c.MaxSegmentSize <= pkt.MaxSegmentDataSize, "max_segment_size %d must be in 1..%d", c.MaxSegmentSize, pkt.MaxSegmentDataSize)
	check(c.WindowSize > 0, "window_size must be positive")
	check(c.MaxMessageSize >= 0 && c.MaxMessageSize <= c.MaxSegmentSize*MAX_SEGMENTS_PER_MESSAGE, "max_message_size %d does not fit into %d segments", c.MaxMessageSize, MAX_SEGMENTS_PER_MESSAGE)
	check(c.RetransmitInterval > 0, "retransmit_interval must be positive")
	check(c.MaxRetransmits > 0, "max_retransmits must be positive")
	check(c.ReassemblyTimeout > 0, "reassembly_timeout must be positive")
	check(c.ResequenceTimeout > 0, "resequence_timeout must be positive")
	check(c.MaxBufferedMessages > 0, "max_buffered_messages must be positive")
	check(c.BeaconInterval > 0, "beacon_interval must be positive")
	check(c.DeadHeartbeatIntervals > 0, "dead_heartbeat_intervals must be positive")
	check(c.InboundQueueSize > 0 && c.OutboundQueueSize > 0 && c.SendQueueSize > 0, "queue sizes must be positive")

	for _, peer := range c.StaticPeers {
		check(peer.IsValid() && peer.Port() != 0, "static peer %s needs an address and a port", peer)
	}

	return errors.Join(errs...)
}
