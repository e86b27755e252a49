// Package sequencing handles message ordering.
// On the sending side, Segmenter splits a message into segments and tracks their acknowledgments.
// On the receiving side, Resequencer holds completed messages until they can be delivered in sequence order.
package sequencing

import (
	"slices"

	"bjoernblessin.de/udpmessaging/util/logger"
)

// Delivery is a completed message released in sequence order.
type Delivery struct {
	Sequence uint32
	Payload  []byte
}

// Resequencer buffers completed messages of one peer and releases them in strictly increasing sequence order.
// Sequence numbers are compared with serial number arithmetic, so wrap-around is handled.
type Resequencer struct {
	initialized  bool
	advanced     bool // nextExpected moved past a delivered or skipped sequence
	nextExpected uint32
	buffered     map[uint32][]byte   // Completed messages >= nextExpected
	skipped      map[uint32]struct{} // Sequences that will never complete, >= nextExpected
	maxBuffered  int
}

// NewResequencer creates a resequencer that holds at most maxBuffered messages behind a gap.
// When the bound is exceeded, the gap is skipped.
func NewResequencer(maxBuffered int) *Resequencer {
	return &Resequencer{
		buffered:    make(map[uint32][]byte),
		skipped:     make(map[uint32]struct{}),
		maxBuffered: max(maxBuffered, 1),
	}
}

// before reports whether a precedes b in serial number order.
func before(a, b uint32) bool {
	return int32(a-b) < 0
}

// Observe initializes the expected sequence if this is the first sequence seen since creation or Reset.
// Until the first message is delivered or skipped, an earlier sequence moves the start back,
// so losing the first segments of a peer's first message does not make that message stale.
func (r *Resequencer) Observe(sequence uint32) {
	if !r.initialized || (!r.advanced && before(sequence, r.nextExpected)) {
		r.initialized = true
		r.nextExpected = sequence
	}
}

func (r *Resequencer) IsInitialized() bool {
	return r.initialized
}

// NextExpected returns the sequence number that has to be delivered next.
func (r *Resequencer) NextExpected() uint32 {
	return r.nextExpected
}

// Buffered returns the number of completed messages waiting for a gap to close.
func (r *Resequencer) Buffered() int {
	return len(r.buffered)
}

// IsStale reports whether the sequence has already been delivered or skipped.
func (r *Resequencer) IsStale(sequence uint32) bool {
	return r.initialized && before(sequence, r.nextExpected)
}

// IsSettled reports whether nothing more is expected for the sequence, because it is stale, buffered or skipped.
func (r *Resequencer) IsSettled(sequence uint32) bool {
	if r.IsStale(sequence) {
		return true
	}
	if _, ok := r.buffered[sequence]; ok {
		return true
	}
	_, ok := r.skipped[sequence]
	return ok
}

// HasGap reports whether completed messages are waiting for an earlier sequence.
func (r *Resequencer) HasGap() bool {
	return len(r.buffered) > 0
}

// Submit buffers a completed message.
// Returns false if the sequence is stale, already buffered or was skipped.
func (r *Resequencer) Submit(sequence uint32, message []byte) bool {
	r.Observe(sequence)

	if r.IsSettled(sequence) {
		return false
	}

	r.buffered[sequence] = message

	if len(r.buffered) > r.maxBuffered {
		logger.Warnf("Resequencer holds %d messages behind sequence %d, skipping the gap", len(r.buffered), r.nextExpected)
		r.SkipGap()
	}

	return true
}

// DrainReady releases the buffered messages that are next in sequence.
// Skipped sequences are stepped over. Returns nil if the next expected message is missing.
func (r *Resequencer) DrainReady() []Delivery {
	var ready []Delivery

	for {
		if message, ok := r.buffered[r.nextExpected]; ok {
			ready = append(ready, Delivery{Sequence: r.nextExpected, Payload: message})
			delete(r.buffered, r.nextExpected)
			r.nextExpected++
			r.advanced = true
			continue
		}

		if _, ok := r.skipped[r.nextExpected]; ok {
			delete(r.skipped, r.nextExpected)
			r.nextExpected++
			r.advanced = true
			continue
		}

		return ready
	}
}

// Skip marks a sequence as never completing, so delivery does not wait for it.
// A skip for a stale or already buffered sequence has no effect.
func (r *Resequencer) Skip(sequence uint32) {
	r.Observe(sequence)

	if r.IsSettled(sequence) {
		return
	}

	r.skipped[sequence] = struct{}{}
}

// SkipGap moves the expected sequence forward to the lowest buffered message.
// Returns false if nothing is buffered.
func (r *Resequencer) SkipGap() bool {
	if len(r.buffered) == 0 {
		return false
	}

	lowest := slices.MinFunc(keys(r.buffered), func(a, b uint32) int {
		return int(int32(a - b))
	})

	logger.Debugf("Resequencer skipping sequences %d to %d", r.nextExpected, lowest-1)

	for sequence := range r.skipped {
		if before(sequence, lowest) {
			delete(r.skipped, sequence)
		}
	}
	r.nextExpected = lowest
	r.advanced = true

	return true
}

// Reset discards all buffered messages. The next observed sequence re-initializes the expected sequence.
func (r *Resequencer) Reset() {
	r.initialized = false
	r.advanced = false
	r.nextExpected = 0
	clear(r.buffered)
	clear(r.skipped)
}

func keys(m map[uint32][]byte) []uint32 {
	result := make([]uint32, 0, len(m))
	for k := range m {
		result = append(result, k)
	}
	return result
}
