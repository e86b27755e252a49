// Package handler processes segments and outbound messages.
// The Processor owns every NodeInfo and must only be driven by a single goroutine, the engine's reactor loop.
// Callers pass the current time in, so the whole protocol runs deterministically in tests.
package handler

import (
	"errors"
	"math/rand/v2"
	"net/netip"
	"time"

	"bjoernblessin.de/udpmessaging/common"
	"bjoernblessin.de/udpmessaging/connection"
	"bjoernblessin.de/udpmessaging/metrics"
	"bjoernblessin.de/udpmessaging/pkt"
	"bjoernblessin.de/udpmessaging/sock"
	"bjoernblessin.de/udpmessaging/util/logger"
)

// Sender transmits encoded segments. Send must not block the caller for long.
type Sender interface {
	Send(to netip.AddrPort, data []byte) error
}

// Listener receives the events of the protocol.
// All methods are called on the reactor goroutine and must return quickly.
type Listener interface {
	OnNodeDiscovered(peer connection.Peer)
	OnNodeLost(peer connection.Peer)
	OnMessageReceived(peer connection.Peer, payload []byte)
}

// InboundSegment is a datagram as read from the network.
type InboundSegment struct {
	Data   []byte
	Sender netip.AddrPort
}

// OutboundMessage is an application payload waiting to be segmented.
type OutboundMessage struct {
	Payload     []byte
	Destination connection.Destination
}

var (
	ErrNoDestination   = errors.New("no known peer for destination")
	ErrMessageTooLarge = errors.New("message too large")
)

type Processor struct {
	cfg      common.Config
	localID  connection.PeerID
	registry *connection.Registry
	sender   Sender
	listener Listener
	metrics  *metrics.Metrics

	deadlines     *scheduler
	nextMessageID uint32
}

func NewProcessor(cfg common.Config, localID connection.PeerID, sender Sender, listener Listener, m *metrics.Metrics) *Processor {
	return &Processor{
		cfg:           cfg,
		localID:       localID,
		registry:      connection.NewRegistry(cfg.StaticPeers, cfg.MaxBufferedMessages),
		sender:        sender,
		listener:      listener,
		metrics:       m,
		deadlines:     newScheduler(),
		nextMessageID: rand.Uint32(),
	}
}

// Registry gives read access to the peer table. It must only be used on the reactor goroutine.
func (p *Processor) Registry() *connection.Registry {
	return p.registry
}

// HandleSegment decodes one datagram and dispatches it by segment type.
// Malformed or unexpected input is dropped and counted, it never fails the caller.
func (p *Processor) HandleSegment(now time.Time, in InboundSegment) {
	segment, err := pkt.ParseSegment(in.Data)
	if err != nil {
		p.metrics.Dropped(metrics.DropMalformed)
		logger.Debugf("Dropping datagram from %s: %v", in.Sender, err)
		return
	}

	p.metrics.SegmentReceived(segment.Header.Type)
	logger.Tracef("RECV %s from %s", segment, in.Sender)

	switch segment.Header.Type {
	case pkt.TypeHello:
		p.handleHello(now, in.Sender, segment)
	case pkt.TypeBye:
		p.handleBye(in.Sender, segment)
	case pkt.TypeData:
		p.handleData(now, in.Sender, segment)
	case pkt.TypeAck:
		p.handleAck(now, in.Sender, segment)
	case pkt.TypeAbort:
		p.handleAbort(in.Sender, segment)
	case pkt.TypeRetransmit:
		p.handleRetransmit(in.Sender, segment)
	case pkt.TypeTimeout:
		p.handleTimeout(now, in.Sender, segment)
	default:
		p.metrics.Dropped(metrics.DropUnknownType)
		logger.Warnf("Unhandled segment type %s from %s", segment.Header.Type, in.Sender)
	}
}

// HandleOutbound segments the message for every node the destination resolves to and sends the first window.
func (p *Processor) HandleOutbound(now time.Time, msg OutboundMessage) error {
	if len(msg.Payload) > p.cfg.MaxMessageSize {
		p.metrics.Dropped(metrics.DropTooLarge)
		return ErrMessageTooLarge
	}

	targets := p.registry.Resolve(msg.Destination)
	if len(targets) == 0 {
		return ErrNoDestination
	}

	messageID := p.nextMessageID
	p.nextMessageID++

	for _, node := range targets {
		p.startSegmenter(now, node, messageID, msg.Payload)
	}

	return nil
}

// RunMaintenance handles every deadline that is due at now.
func (p *Processor) RunMaintenance(now time.Time) {
	for _, key := range p.deadlines.popDue(now) {
		switch key.kind {
		case deadlineLiveness:
			p.checkLiveness(now, key.endpoint)
		case deadlineSegmenter:
			p.checkSegmenter(now, key.endpoint, key.messageID)
		case deadlineReassembly:
			p.checkReassembly(now, key.endpoint, key.messageID)
		case deadlineGap:
			p.checkGap(now, key.endpoint)
		}
	}
}

// NextDeadline returns the time the next maintenance action is due.
// The second return value is false if nothing is scheduled.
func (p *Processor) NextDeadline() (time.Time, bool) {
	return p.deadlines.next()
}

// send encodes and hands a segment to the sender. Failures are counted, the protocol recovers through retransmission.
func (p *Processor) send(to netip.AddrPort, segment *pkt.Segment) {
	if err := p.sender.Send(to, segment.ToByteArray()); err != nil {
		reason := metrics.DropSendFailed
		if errors.Is(err, sock.ErrSendQueueFull) {
			reason = metrics.DropSendQueueFull
		}
		p.metrics.Dropped(reason)
		logger.Debugf("Failed to send %s to %s: %v", segment.Header.Type, to, err)
		return
	}

	p.metrics.SegmentSent(segment.Header.Type)
	logger.Tracef("SENT %s to %s", segment, to)
}
