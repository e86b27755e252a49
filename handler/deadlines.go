package handler

import (
	"container/heap"
	"net/netip"
	"time"
)

type deadlineKind int

const (
	deadlineLiveness deadlineKind = iota
	deadlineSegmenter
	deadlineReassembly
	deadlineGap
)

// deadlineKey names the state a deadline belongs to.
// The state itself is looked up again when the deadline fires, so a key that outlived its state is harmless.
type deadlineKey struct {
	kind      deadlineKind
	endpoint  netip.AddrPort
	messageID uint32
}

func livenessKey(endpoint netip.AddrPort) deadlineKey {
	return deadlineKey{kind: deadlineLiveness, endpoint: endpoint}
}

func segmenterKey(endpoint netip.AddrPort, messageID uint32) deadlineKey {
	return deadlineKey{kind: deadlineSegmenter, endpoint: endpoint, messageID: messageID}
}

func reassemblyKey(endpoint netip.AddrPort, messageID uint32) deadlineKey {
	return deadlineKey{kind: deadlineReassembly, endpoint: endpoint, messageID: messageID}
}

func gapKey(endpoint netip.AddrPort) deadlineKey {
	return deadlineKey{kind: deadlineGap, endpoint: endpoint}
}

type deadline struct {
	key   deadlineKey
	at    time.Time
	index int
}

// deadlineHeap implements heap.Interface, earliest deadline first.
type deadlineHeap []*deadline

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	d := x.(*deadline)
	d.index = len(*h)
	*h = append(*h, d)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	d.index = -1
	*h = old[:n-1]
	return d
}

// scheduler holds at most one deadline per key.
type scheduler struct {
	heap  deadlineHeap
	byKey map[deadlineKey]*deadline
}

func newScheduler() *scheduler {
	return &scheduler{
		byKey: make(map[deadlineKey]*deadline),
	}
}

// schedule sets the deadline of key, replacing an earlier one.
func (s *scheduler) schedule(key deadlineKey, at time.Time) {
	if d, ok := s.byKey[key]; ok {
		d.at = at
		heap.Fix(&s.heap, d.index)
		return
	}

	d := &deadline{key: key, at: at}
	heap.Push(&s.heap, d)
	s.byKey[key] = d
}

func (s *scheduler) cancel(key deadlineKey) {
	d, ok := s.byKey[key]
	if !ok {
		return
	}

	heap.Remove(&s.heap, d.index)
	delete(s.byKey, key)
}

// next returns the earliest deadline. The second return value is false if nothing is scheduled.
func (s *scheduler) next() (time.Time, bool) {
	if len(s.heap) == 0 {
		return time.Time{}, false
	}
	return s.heap[0].at, true
}

// popDue removes and returns the keys of every deadline at or before now, earliest first.
func (s *scheduler) popDue(now time.Time) []deadlineKey {
	var due []deadlineKey

	for len(s.heap) > 0 && !s.heap[0].at.After(now) {
		d := heap.Pop(&s.heap).(*deadline)
		delete(s.byKey, d.key)
		due = append(due, d.key)
	}

	return due
}

func (s *scheduler) len() int {
	return len(s.heap)
}
