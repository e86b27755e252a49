package engine

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"sync"
	"testing"
	"time"

	"bjoernblessin.de/udpmessaging/common"
	"bjoernblessin.de/udpmessaging/connection"
	"bjoernblessin.de/udpmessaging/pkt"
	"bjoernblessin.de/udpmessaging/sock"
)

// network connects fake sockets in memory and drops a share of the Data and Ack segments.
type network struct {
	mu      sync.Mutex
	sockets map[netip.AddrPort]*fakeSocket
	rng     *rand.Rand
	loss    float64
}

func newNetwork(loss float64) *network {
	return &network{
		sockets: make(map[netip.AddrPort]*fakeSocket),
		rng:     rand.New(rand.NewPCG(1, 2)),
		loss:    loss,
	}
}

func (n *network) deliver(from, to netip.AddrPort, data []byte) {
	n.mu.Lock()
	target, ok := n.sockets[to]
	drop := n.rng.Float64() < n.loss
	n.mu.Unlock()

	if !ok {
		return
	}
	if drop && len(data) > 1 && (pkt.SegmentType(data[1]) == pkt.TypeData || pkt.SegmentType(data[1]) == pkt.TypeAck) {
		return
	}

	select {
	case target.packets <- &sock.Packet{Addr: from, Data: bytes.Clone(data)}:
	default:
	}
}

type fakeSocket struct {
	net     *network
	local   netip.AddrPort
	packets chan *sock.Packet
	openErr error

	mu           sync.Mutex
	open         bool
	unsubscribed bool
}

func (n *network) socket(local string) *fakeSocket {
	return &fakeSocket{
		net:     n,
		local:   netip.MustParseAddrPort(local),
		packets: make(chan *sock.Packet, 4096),
	}
}

func (s *fakeSocket) GetLocalAddress() (netip.AddrPort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return netip.AddrPort{}, sock.ErrSocketClosed
	}
	return s.local, nil
}

func (s *fakeSocket) MustGetLocalAddress() netip.AddrPort {
	return s.local
}

func (s *fakeSocket) Open(netip.AddrPort) (netip.AddrPort, error) {
	if s.openErr != nil {
		return netip.AddrPort{}, s.openErr
	}

	s.mu.Lock()
	s.open = true
	s.mu.Unlock()

	s.net.mu.Lock()
	s.net.sockets[s.local] = s
	s.net.mu.Unlock()
	return s.local, nil
}

func (s *fakeSocket) Close() error {
	s.net.mu.Lock()
	delete(s.net.sockets, s.local)
	s.net.mu.Unlock()

	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) SendTo(addr netip.AddrPort, data []byte) error {
	s.mu.Lock()
	open := s.open
	s.mu.Unlock()
	if !open {
		return sock.ErrSocketClosed
	}

	s.net.deliver(s.local, addr, data)
	return nil
}

func (s *fakeSocket) Subscribe() chan *sock.Packet {
	return s.packets
}

// Unsubscribe only records the call, the network may still hold the channel.
func (s *fakeSocket) Unsubscribe(ch chan *sock.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed = ch == s.packets
}

func (s *fakeSocket) isUnsubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed
}

type event struct {
	kind    string
	peer    connection.Peer
	payload []byte
}

type eventListener struct {
	events chan event
}

func newEventListener() *eventListener {
	return &eventListener{events: make(chan event, 1024)}
}

func (l *eventListener) OnNodeDiscovered(peer connection.Peer) {
	l.events <- event{kind: "discovered", peer: peer}
}

func (l *eventListener) OnNodeLost(peer connection.Peer) {
	l.events <- event{kind: "lost", peer: peer}
}

func (l *eventListener) OnMessageReceived(peer connection.Peer, payload []byte) {
	l.events <- event{kind: "message", peer: peer, payload: payload}
}

func (l *eventListener) await(t *testing.T, kind string) event {
	t.Helper()

	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev := <-l.events:
			if ev.kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func testConfig(local string, peers ...string) common.Config {
	cfg := common.DefaultConfig()
	cfg.UnicastEndpoint = netip.MustParseAddrPort(local)
	cfg.MulticastEndpoint = netip.AddrPort{}
	cfg.MaxSegmentSize = 512
	cfg.WindowSize = 16
	cfg.RetransmitInterval = 20 * time.Millisecond
	cfg.MaxRetransmits = 20
	cfg.BeaconInterval = 50 * time.Millisecond
	cfg.DeadHeartbeatIntervals = 4
	for _, peer := range peers {
		cfg.StaticPeers = append(cfg.StaticPeers, netip.MustParseAddrPort(peer))
	}
	return cfg
}

func startEngine(t *testing.T, cfg common.Config, socket sock.Socket) (*Engine, *eventListener) {
	t.Helper()

	listener := newEventListener()
	e, err := New(cfg, listener, WithSocket(socket))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(e.Stop)
	return e, listener
}

func TestEnginesExchangeMessagesOverLossyNetwork(t *testing.T) {
	const addrA, addrB = "10.0.0.1:5000", "10.0.0.2:5000"
	net := newNetwork(0.1)

	a, eventsA := startEngine(t, testConfig(addrA, addrB), net.socket(addrA))
	b, eventsB := startEngine(t, testConfig(addrB, addrA), net.socket(addrB))

	if got := eventsA.await(t, "discovered").peer; got.ID != b.LocalID() {
		t.Fatalf("A discovered %v, want %v", got, b.LocalID())
	}
	if got := eventsB.await(t, "discovered").peer; got.ID != a.LocalID() {
		t.Fatalf("B discovered %v, want %v", got, a.LocalID())
	}

	large := make([]byte, 50_000)
	for i := range large {
		large[i] = byte(i * 7)
	}
	payloads := [][]byte{[]byte("first"), large, {}, []byte("last")}

	if !a.EnqueueOutboundMessage(payloads[0], connection.ToPeer(b.LocalID())) {
		t.Fatalf("EnqueueOutboundMessage rejected the first payload")
	}
	if got := eventsB.await(t, "message").payload; string(got) != "first" {
		t.Fatalf("first message is %q", got)
	}

	for _, payload := range payloads[1:] {
		if !a.EnqueueOutboundMessage(payload, connection.ToPeer(b.LocalID())) {
			t.Fatalf("EnqueueOutboundMessage rejected a payload of %d bytes", len(payload))
		}
	}

	for i, want := range payloads[1:] {
		ev := eventsB.await(t, "message")
		if ev.peer.ID != a.LocalID() {
			t.Fatalf("message %d from %v, want %v", i, ev.peer, a.LocalID())
		}
		if !bytes.Equal(ev.payload, want) {
			t.Fatalf("message %d has %d bytes, want %d", i, len(ev.payload), len(want))
		}
	}

	a.Stop()
	if a.State() != StateExited {
		t.Fatalf("state after Stop = %s", a.State())
	}

	if got := eventsB.await(t, "lost").peer; got.ID != a.LocalID() {
		t.Fatalf("B lost %v, want %v", got, a.LocalID())
	}
}

func TestBroadcastReachesEveryPeer(t *testing.T) {
	const addrA, addrB, addrC = "10.0.0.1:5000", "10.0.0.2:5000", "10.0.0.3:5000"
	net := newNetwork(0)

	a, eventsA := startEngine(t, testConfig(addrA, addrB, addrC), net.socket(addrA))
	_, eventsB := startEngine(t, testConfig(addrB, addrA), net.socket(addrB))
	_, eventsC := startEngine(t, testConfig(addrC, addrA), net.socket(addrC))

	eventsA.await(t, "discovered")
	eventsA.await(t, "discovered")

	if !a.EnqueueOutboundMessage([]byte("hello all"), connection.ToAll()) {
		t.Fatalf("broadcast rejected")
	}

	for name, events := range map[string]*eventListener{"B": eventsB, "C": eventsC} {
		if got := events.await(t, "message").payload; string(got) != "hello all" {
			t.Fatalf("%s received %q", name, got)
		}
	}

	if peers := a.Peers(); len(peers) != 2 {
		t.Fatalf("Peers() = %v, want 2 peers", peers)
	}
}

func TestStartFailureWrapsInitializationError(t *testing.T) {
	socket := newNetwork(0).socket("10.0.0.1:5000")
	socket.openErr = errors.New("address in use")

	e, err := New(testConfig("10.0.0.1:5000"), newEventListener(), WithSocket(socket))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = e.Start()
	if !errors.Is(err, ErrInitializationFailed) {
		t.Fatalf("Start() = %v, want ErrInitializationFailed", err)
	}
	if e.State() != StateExited {
		t.Fatalf("state after failed Start = %s", e.State())
	}
	if !socket.isUnsubscribed() {
		t.Fatalf("failed Start should release the packet subscription")
	}
	if err := e.Start(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second Start() = %v, want ErrInvalidState", err)
	}
	e.Stop()
}

func TestEnqueueRequiresRunningEngine(t *testing.T) {
	socket := newNetwork(0).socket("10.0.0.1:5000")
	e, err := New(testConfig("10.0.0.1:5000"), newEventListener(), WithSocket(socket))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if e.EnqueueOutboundMessage([]byte("x"), connection.ToAll()) {
		t.Fatalf("outbound accepted before Start")
	}
	if e.EnqueueInboundSegment([]byte{1}, netip.MustParseAddrPort("10.0.0.2:5000")) {
		t.Fatalf("inbound accepted before Start")
	}

	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	tooLarge := make([]byte, e.cfg.MaxMessageSize+1)
	if e.EnqueueOutboundMessage(tooLarge, connection.ToAll()) {
		t.Fatalf("oversized payload accepted")
	}

	e.Stop()
	if e.EnqueueOutboundMessage([]byte("x"), connection.ToAll()) {
		t.Fatalf("outbound accepted after Stop")
	}
	if !socket.isUnsubscribed() {
		t.Fatalf("Stop should release the packet subscription")
	}
}

func TestEnqueueRacingStopLeavesNothingQueued(t *testing.T) {
	e, err := New(testConfig("10.0.0.1:5000"), newEventListener(), WithSocket(newNetwork(0).socket("10.0.0.1:5000")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	from := netip.MustParseAddrPort("10.0.0.2:5000")
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for e.EnqueueOutboundMessage([]byte("x"), connection.ToAll()) || e.State() == StateRunning {
			}
		}()
		go func() {
			defer wg.Done()
			for e.EnqueueInboundSegment([]byte{1}, from) || e.State() == StateRunning {
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	e.Stop()
	wg.Wait()

	if n := e.outbound.Len() + e.inbound.Len(); n != 0 {
		t.Fatalf("%d items were accepted after the reactor exited", n)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("10.0.0.1:5000")
	cfg.WindowSize = 0

	if _, err := New(cfg, newEventListener()); !errors.Is(err, common.ErrInvalidConfig) {
		t.Fatalf("New() = %v, want ErrInvalidConfig", err)
	}
	if _, err := New(testConfig("10.0.0.1:5000"), nil); !errors.Is(err, ErrNoListener) {
		t.Fatalf("New() = %v, want ErrNoListener", err)
	}
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{
		StateInit:     "INIT",
		StateRunning:  "RUNNING",
		StateStopping: "STOPPING",
		StateExited:   "EXITED",
		State(9):      fmt.Sprintf("State(%d)", 9),
	} {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int32(state), got, want)
		}
	}
}
