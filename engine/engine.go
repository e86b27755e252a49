// Package engine runs the protocol: it owns the sockets, the queues and the reactor goroutine
// that drives the handler.Processor.
package engine

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"bjoernblessin.de/udpmessaging/beacon"
	"bjoernblessin.de/udpmessaging/common"
	"bjoernblessin.de/udpmessaging/connection"
	"bjoernblessin.de/udpmessaging/handler"
	"bjoernblessin.de/udpmessaging/metrics"
	"bjoernblessin.de/udpmessaging/sock"
	"bjoernblessin.de/udpmessaging/util/logger"
	"bjoernblessin.de/udpmessaging/util/queue"
)

type State int32

const (
	StateInit State = iota
	StateRunning
	StateStopping
	StateExited
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateExited:
		return "EXITED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	ErrInitializationFailed = errors.New("engine initialization failed")
	ErrInvalidState         = errors.New("invalid engine state")
	ErrNoListener           = errors.New("listener is required")
)

type Option func(*Engine)

// WithSocket replaces the UDP socket, mainly for tests.
func WithSocket(socket sock.Socket) Option {
	return func(e *Engine) { e.socket = socket }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPeerID fixes the local identity instead of generating a random one.
func WithPeerID(id connection.PeerID) Option {
	return func(e *Engine) { e.localID = id }
}

func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

type Engine struct {
	cfg      common.Config
	listener handler.Listener
	localID  connection.PeerID
	clock    func() time.Time

	socket    sock.Socket
	packets   chan *sock.Packet // Subscription of the pump, released on Stop
	sender    *sock.Sender
	processor *handler.Processor
	beacon    *beacon.Beacon
	metrics   *metrics.Metrics

	inbound  *queue.Queue[handler.InboundSegment]
	outbound *queue.Queue[handler.OutboundMessage]

	lifecycle sync.Mutex   // Serializes Start and Stop
	accepting sync.RWMutex // Held by enqueuers while they push, taken by Stop to leave StateRunning
	state     atomic.Int32
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}

	snapshot      atomic.Pointer[handler.Snapshot]
	localEndpoint atomic.Pointer[netip.AddrPort]
}

// New validates cfg and builds an engine in StateInit. Nothing touches the network before Start.
func New(cfg common.Config, listener handler.Listener, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if listener == nil {
		return nil, ErrNoListener
	}

	e := &Engine{
		cfg:      cfg,
		listener: listener,
		localID:  connection.NewPeerID(),
		clock:    time.Now,
		inbound:  queue.New[handler.InboundSegment](cfg.InboundQueueSize),
		outbound: queue.New[handler.OutboundMessage](cfg.OutboundQueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.socket == nil {
		e.socket = sock.NewUDPSocket(sock.MulticastOptionsFrom(cfg))
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}

	e.sender = sock.NewSender(e.socket, cfg.SendQueueSize)
	e.processor = handler.NewProcessor(cfg, e.localID, e.sender, listener, e.metrics)
	e.beacon = beacon.New(e.localID, cfg.BeaconInterval, e.sender, e.beaconTargets)
	e.snapshot.Store(e.processor.Snapshot())

	return e, nil
}

// Start binds the sockets and launches the reactor, the socket pump and the beacon.
func (e *Engine) Start() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if state := e.State(); state != StateInit {
		return fmt.Errorf("%w: cannot start engine in state %s", ErrInvalidState, state)
	}

	e.packets = e.socket.Subscribe()

	local, err := e.socket.Open(e.cfg.UnicastEndpoint)
	if err != nil {
		e.socket.Unsubscribe(e.packets)
		e.state.Store(int32(StateExited))
		return fmt.Errorf("%w: %w", ErrInitializationFailed, err)
	}
	e.localEndpoint.Store(&local)

	e.sender.Start()
	e.state.Store(int32(StateRunning))

	go e.pump(e.packets)
	go e.run()

	e.beacon.Start()

	logger.Infof("Engine %s running on %s", e.localID, local)
	return nil
}

// Stop says goodbye, waits for the reactor to exit and releases the sockets.
// Segments already handed to the sender are still written. Stop is idempotent.
func (e *Engine) Stop() {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.accepting.Lock()
	stopping := e.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
	e.accepting.Unlock()

	if !stopping {
		e.state.CompareAndSwap(int32(StateInit), int32(StateExited))
		return
	}

	e.beacon.Stop()

	e.stopOnce.Do(func() { close(e.stop) })
	<-e.done

	if n := len(e.inbound.PopAll()) + len(e.outbound.PopAll()); n > 0 {
		logger.Infof("Discarding %d queued items", n)
	}

	e.sender.Stop()
	if err := e.socket.Close(); err != nil {
		logger.Warnf("Failed to close socket: %v", err)
	}
	e.socket.Unsubscribe(e.packets)

	e.state.Store(int32(StateExited))
	logger.Infof("Engine %s stopped", e.localID)
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

// EnqueueOutboundMessage queues payload for delivery to dest.
// It returns false if the engine is not running, the payload exceeds MaxMessageSize or the queue is full.
// A message accepted before Stop but not yet picked up by the reactor is discarded by Stop.
// The payload is copied.
func (e *Engine) EnqueueOutboundMessage(payload []byte, dest connection.Destination) bool {
	e.accepting.RLock()
	defer e.accepting.RUnlock()

	if e.State() != StateRunning {
		e.metrics.QueueRejected(metrics.QueueOutbound)
		return false
	}

	if len(payload) > e.cfg.MaxMessageSize {
		e.metrics.Dropped(metrics.DropTooLarge)
		logger.Warnf("Rejecting message of %d bytes, the limit is %d", len(payload), e.cfg.MaxMessageSize)
		return false
	}

	msg := handler.OutboundMessage{Payload: bytes.Clone(payload), Destination: dest}
	if err := e.outbound.Push(msg); err != nil {
		e.metrics.QueueRejected(metrics.QueueOutbound)
		logger.Warnf("Rejecting message to %s: %v", dest, err)
		return false
	}

	return true
}

// EnqueueInboundSegment queues a received datagram for the reactor.
// raw must not be modified afterwards.
func (e *Engine) EnqueueInboundSegment(raw []byte, sender netip.AddrPort) bool {
	e.accepting.RLock()
	defer e.accepting.RUnlock()

	if e.State() != StateRunning {
		e.metrics.QueueRejected(metrics.QueueInbound)
		return false
	}

	if err := e.inbound.Push(handler.InboundSegment{Data: raw, Sender: sender}); err != nil {
		e.metrics.QueueRejected(metrics.QueueInbound)
		logger.Debugf("Dropping datagram from %s: %v", sender, err)
		return false
	}

	return true
}

func (e *Engine) LocalID() connection.PeerID {
	return e.localID
}

// LocalEndpoint returns the bound unicast address. It is invalid before Start.
func (e *Engine) LocalEndpoint() netip.AddrPort {
	if local := e.localEndpoint.Load(); local != nil {
		return *local
	}
	return netip.AddrPort{}
}

// Peers returns the peers that announced their identity, as of the last reactor iteration.
func (e *Engine) Peers() []connection.Peer {
	return e.snapshot.Load().Known()
}

// Stats returns the state of the peer table as of the last reactor iteration.
func (e *Engine) Stats() handler.Snapshot {
	return *e.snapshot.Load()
}

func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// pump moves datagrams from the socket subscription onto the inbound queue.
func (e *Engine) pump(packets <-chan *sock.Packet) {
	for {
		select {
		case <-e.done:
			return
		case packet, ok := <-packets:
			if !ok {
				return
			}
			e.EnqueueInboundSegment(packet.Data, packet.Addr)
		}
	}
}

// run is the reactor loop. It is the only goroutine that touches the processor after Start.
func (e *Engine) run() {
	defer close(e.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-e.stop:
			return
		default:
		}

		now := e.clock()
		for _, in := range e.inbound.PopAll() {
			e.processor.HandleSegment(now, in)
		}
		for _, msg := range e.outbound.PopAll() {
			if err := e.processor.HandleOutbound(now, msg); err != nil {
				logger.Warnf("Cannot send message to %s: %v", msg.Destination, err)
			}
		}

		e.processor.RunMaintenance(e.clock())
		e.snapshot.Store(e.processor.Snapshot())

		wait := e.cfg.BeaconInterval
		if next, ok := e.processor.NextDeadline(); ok {
			wait = min(max(next.Sub(e.clock()), 0), wait)
		}
		timer.Reset(wait)

		select {
		case <-e.stop:
			return
		case <-e.inbound.Wake():
		case <-e.outbound.Wake():
		case <-timer.C:
		}
	}
}

// beaconTargets is called from the beacon goroutine and must only read published state.
func (e *Engine) beaconTargets() []netip.AddrPort {
	var targets []netip.AddrPort
	if e.cfg.MulticastEnabled() {
		targets = append(targets, e.cfg.MulticastEndpoint)
	}
	targets = append(targets, e.cfg.StaticPeers...)

	for _, status := range e.snapshot.Load().Peers {
		targets = append(targets, status.Peer.Endpoint)
	}

	return targets
}
