// Package beacon announces the local peer with periodic Hello segments.
package beacon

import (
	"net/netip"
	"sync"
	"time"

	"bjoernblessin.de/udpmessaging/connection"
	"bjoernblessin.de/udpmessaging/pkt"
	"bjoernblessin.de/udpmessaging/util/logger"
)

type Sender interface {
	Send(to netip.AddrPort, data []byte) error
}

// Beacon sends a Hello to every target once per interval and a Bye to the same targets on Stop.
type Beacon struct {
	localID  connection.PeerID
	interval time.Duration
	sender   Sender
	targets  func() []netip.AddrPort

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a beacon. targets is called on every tick and may return duplicates.
func New(localID connection.PeerID, interval time.Duration, sender Sender, targets func() []netip.AddrPort) *Beacon {
	return &Beacon{
		localID:  localID,
		interval: interval,
		sender:   sender,
		targets:  targets,
	}
}

// Start announces immediately and then once per interval until Stop is called.
func (b *Beacon) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return
	}
	b.running = true
	b.done = make(chan struct{})

	b.wg.Add(1)
	go b.loop(b.done)
}

func (b *Beacon) loop(done <-chan struct{}) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.announce(pkt.NewHello(b.localID))

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			b.announce(pkt.NewHello(b.localID))
		}
	}
}

// Stop ends the announcements and says goodbye.
// The Bye segments are only enqueued on the sender, the caller must keep the sender running until they are written.
func (b *Beacon) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.done)
	b.mu.Unlock()

	b.wg.Wait()

	b.announce(pkt.NewBye(b.localID))
}

// announce sends segment to every target. Failed targets are retried on the next tick.
func (b *Beacon) announce(segment *pkt.Segment) {
	data := segment.ToByteArray()

	for _, target := range Dedup(b.targets()) {
		if err := b.sender.Send(target, data); err != nil {
			logger.Debugf("Failed to send %s to %s: %v", segment.Header.Type, target, err)
		}
	}
}

// Dedup removes invalid and repeated endpoints, keeping the first occurrence.
func Dedup(endpoints []netip.AddrPort) []netip.AddrPort {
	seen := make(map[netip.AddrPort]struct{}, len(endpoints))
	unique := endpoints[:0:0]

	for _, endpoint := range endpoints {
		if !endpoint.IsValid() {
			continue
		}
		if _, ok := seen[endpoint]; ok {
			continue
		}
		seen[endpoint] = struct{}{}
		unique = append(unique, endpoint)
	}

	return unique
}
