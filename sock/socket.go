// Package sock manages the UDP sockets. The unicast socket sends and receives segments,
// the optional multicast socket only receives discovery heartbeats sent to the group.
package sock

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/net/ipv4"

	"bjoernblessin.de/udpmessaging/common"
	"bjoernblessin.de/udpmessaging/pkt"
	"bjoernblessin.de/udpmessaging/util/assert"
	"bjoernblessin.de/udpmessaging/util/logger"
	"bjoernblessin.de/udpmessaging/util/observer"
)

type Socket interface {
	// GetLocalAddress returns the local address of the unicast socket.
	// It errors if the socket is not open.
	GetLocalAddress() (netip.AddrPort, error)

	// MustGetLocalAddress returns the local address of the unicast socket.
	// It panics if the socket is not open.
	MustGetLocalAddress() netip.AddrPort

	// SendTo sends a datagram to the given unicast or multicast address.
	// Open() must be called before using this function.
	SendTo(addr netip.AddrPort, data []byte) error

	// Open binds the unicast socket to local and joins the multicast group if one is configured.
	// Port 0 picks a free port.
	// Returns the bound local address.
	Open(local netip.AddrPort) (netip.AddrPort, error)

	// Close closes all sockets if they are open.
	// Packet observers are not cleared, they will receive packets from future sockets.
	Close() error

	// Subscribe registers an observer that receives every datagram read from any of the sockets.
	Subscribe() chan *Packet

	// Unsubscribe removes an observer returned by Subscribe and closes its channel.
	Unsubscribe(ch chan *Packet)
}

// Packet is one received datagram.
type Packet struct {
	Addr netip.AddrPort
	Data []byte
}

// MulticastOptions configures the discovery group. The zero value disables multicast.
type MulticastOptions struct {
	Group     netip.AddrPort
	TTL       int
	Loopback  bool
	Interface string
}

// MulticastOptionsFrom extracts the multicast settings of a node configuration.
func MulticastOptionsFrom(cfg common.Config) MulticastOptions {
	return MulticastOptions{
		Group:     cfg.MulticastEndpoint,
		TTL:       cfg.MulticastTTL,
		Loopback:  cfg.MulticastLoopback,
		Interface: cfg.MulticastInterface,
	}
}

type udpSocket struct {
	mu               sync.RWMutex
	unicast          *net.UDPConn
	multicast        *net.UDPConn
	options          MulticastOptions
	packetObservable *observer.Observable[*Packet]
}

func NewUDPSocket(options MulticastOptions) *udpSocket {
	return &udpSocket{
		options:          options,
		packetObservable: observer.NewObservable[*Packet](common.SOCKET_RECEIVE_BUFFER_SIZE),
	}
}

var ErrSocketClosed = errors.New("UDP socket is not initialized")

func (s *udpSocket) GetLocalAddress() (netip.AddrPort, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.unicast == nil {
		return netip.AddrPort{}, ErrSocketClosed
	}
	return s.unicast.LocalAddr().(*net.UDPAddr).AddrPort(), nil
}

func (s *udpSocket) MustGetLocalAddress() netip.AddrPort {
	addr, err := s.GetLocalAddress()
	assert.IsNil(err)
	return addr
}

func (s *udpSocket) Subscribe() chan *Packet {
	return s.packetObservable.Subscribe()
}

func (s *udpSocket) Unsubscribe(ch chan *Packet) {
	s.packetObservable.Unsubscribe(ch)
}

func (s *udpSocket) Open(local netip.AddrPort) (netip.AddrPort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	assert.Assert(s.unicast == nil, "UDP socket is already initialized. Call Close() before calling Open() again.")

	unicast, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(local))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("listen on %s: %w", local, err)
	}

	if s.options.Group.IsValid() {
		multicast, err := s.openMulticast(unicast)
		if err != nil {
			unicast.Close()
			return netip.AddrPort{}, err
		}
		s.multicast = multicast
		go s.readLoop(multicast)
	}

	s.unicast = unicast
	go s.readLoop(unicast)

	bound := unicast.LocalAddr().(*net.UDPAddr).AddrPort()
	logger.Infof("Listening on %s (multicast group %s)", bound, s.groupName())

	return bound, nil
}

// openMulticast joins the discovery group and configures how the unicast socket sends to it.
func (s *udpSocket) openMulticast(unicast *net.UDPConn) (*net.UDPConn, error) {
	var ifi *net.Interface
	if s.options.Interface != "" {
		found, err := net.InterfaceByName(s.options.Interface)
		if err != nil {
			return nil, fmt.Errorf("multicast interface %q: %w", s.options.Interface, err)
		}
		ifi = found
	}

	listener, err := net.ListenMulticastUDP("udp4", ifi, net.UDPAddrFromAddrPort(s.options.Group))
	if err != nil {
		return nil, fmt.Errorf("join multicast group %s: %w", s.options.Group, err)
	}

	out := ipv4.NewPacketConn(unicast)
	if err := out.SetMulticastTTL(s.options.TTL); err != nil {
		listener.Close()
		return nil, fmt.Errorf("set multicast ttl: %w", err)
	}
	if err := out.SetMulticastLoopback(s.options.Loopback); err != nil {
		listener.Close()
		return nil, fmt.Errorf("set multicast loopback: %w", err)
	}
	if ifi != nil {
		if err := out.SetMulticastInterface(ifi); err != nil {
			listener.Close()
			return nil, fmt.Errorf("set multicast interface: %w", err)
		}
	}

	return listener, nil
}

func (s *udpSocket) groupName() string {
	if !s.options.Group.IsValid() {
		return "disabled"
	}
	return s.options.Group.String()
}

// readLoop hands a copy of every datagram to the observers, the read buffer is reused.
func (s *udpSocket) readLoop(conn *net.UDPConn) {
	buffer := make([]byte, pkt.HeaderSize+pkt.MaxPayloadSize)
	for {
		n, addr, err := conn.ReadFromUDPAddrPort(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				// Socket is closed, exit the loop
				return
			}

			logger.Warnf("Failed to read from UDP socket: %v", err)
			continue
		}

		s.packetObservable.NotifyObservers(&Packet{Addr: netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()), Data: bytes.Clone(buffer[:n])})
	}
}

func (s *udpSocket) SendTo(addr netip.AddrPort, data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.unicast == nil {
		return ErrSocketClosed
	}

	_, err := s.unicast.WriteToUDPAddrPort(data, addr)
	return err
}

func (s *udpSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.multicast != nil {
		errs = append(errs, s.multicast.Close())
		s.multicast = nil
	}
	if s.unicast != nil {
		errs = append(errs, s.unicast.Close())
		s.unicast = nil
	}

	return errors.Join(errs...)
}
