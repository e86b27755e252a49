package sock

import (
	"errors"
	"net/netip"
	"sync"

	"bjoernblessin.de/udpmessaging/util/logger"
)

var (
	ErrSendQueueFull = errors.New("send queue full")
	ErrSenderStopped = errors.New("sender stopped")
)

type datagram struct {
	to   netip.AddrPort
	data []byte
}

// Sender performs the blocking socket writes on its own goroutine.
// Send only enqueues, so neither the reactor nor the beacon ever waits for the network.
type Sender struct {
	socket Socket
	queue  chan datagram

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewSender(socket Socket, queueSize int) *Sender {
	return &Sender{
		socket: socket,
		queue:  make(chan datagram, max(queueSize, 1)),
	}
}

// Start launches the write goroutine.
func (s *Sender) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for d := range s.queue {
			if err := s.socket.SendTo(d.to, d.data); err != nil {
				logger.Debugf("Failed to send %d bytes to %s: %v", len(d.data), d.to, err)
			}
		}
	}()
}

// Send enqueues a datagram without blocking.
// Returns ErrSendQueueFull if the queue is full and ErrSenderStopped after Stop.
func (s *Sender) Send(to netip.AddrPort, data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		return ErrSenderStopped
	}

	select {
	case s.queue <- datagram{to: to, data: data}:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Stop rejects further datagrams and waits until the queued ones are written.
func (s *Sender) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()
}
