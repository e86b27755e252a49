package beacon

import (
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"bjoernblessin.de/udpmessaging/connection"
	"bjoernblessin.de/udpmessaging/pkt"
)

type sent struct {
	to      netip.AddrPort
	segment *pkt.Segment
}

type recordingSender struct {
	mu      sync.Mutex
	sent    []sent
	failFor netip.AddrPort
}

func (r *recordingSender) Send(to netip.AddrPort, data []byte) error {
	if to == r.failFor {
		return errors.New("unreachable")
	}

	segment, err := pkt.ParseSegment(data)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{to: to, segment: segment})
	return nil
}

func (r *recordingSender) byType(t pkt.SegmentType) []sent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []sent
	for _, s := range r.sent {
		if s.segment.Header.Type == t {
			out = append(out, s)
		}
	}
	return out
}

var (
	group = netip.MustParseAddrPort("230.0.0.1:6666")
	peerA = netip.MustParseAddrPort("10.0.0.2:4000")
	peerB = netip.MustParseAddrPort("10.0.0.3:4000")
)

func TestDedup(t *testing.T) {
	got := Dedup([]netip.AddrPort{group, peerA, {}, group, peerB, peerA})
	want := []netip.AddrPort{group, peerA, peerB}

	if len(got) != len(want) {
		t.Fatalf("Dedup() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Dedup() = %v, want %v", got, want)
		}
	}
}

func TestBeaconAnnouncesImmediatelyAndSaysBye(t *testing.T) {
	sender := &recordingSender{}
	id := connection.NewPeerID()
	b := New(id, time.Hour, sender, func() []netip.AddrPort {
		return []netip.AddrPort{group, peerA, group}
	})

	b.Start()

	deadline := time.Now().Add(2 * time.Second)
	for len(sender.byType(pkt.TypeHello)) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	b.Stop()
	b.Stop()

	hellos := sender.byType(pkt.TypeHello)
	if len(hellos) != 2 {
		t.Fatalf("expected one hello per unique target, got %d", len(hellos))
	}
	for _, hello := range hellos {
		got, err := pkt.ParsePeerID(hello.segment)
		if err != nil || got != id {
			t.Fatalf("hello carries %v (%v), want %v", got, err, id)
		}
	}

	byes := sender.byType(pkt.TypeBye)
	if len(byes) != 2 || byes[0].to != group || byes[1].to != peerA {
		t.Fatalf("unexpected byes %v", byes)
	}
}

func TestBeaconRetriesFailedTargetsOnNextTick(t *testing.T) {
	sender := &recordingSender{failFor: peerA}
	b := New(connection.NewPeerID(), 10*time.Millisecond, sender, func() []netip.AddrPort {
		return []netip.AddrPort{peerA, peerB}
	})

	b.Start()
	defer b.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for len(sender.byType(pkt.TypeHello)) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	hellos := sender.byType(pkt.TypeHello)
	if len(hellos) < 3 {
		t.Fatalf("expected repeated hellos, got %d", len(hellos))
	}
	for _, hello := range hellos {
		if hello.to != peerB {
			t.Fatalf("hello recorded for failing target %s", hello.to)
		}
	}
}
