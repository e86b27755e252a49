// Package reconstruction reassembles inbound messages from their segments.
// It is not responsible for ordering messages, that is handled in the sequencing package.
package reconstruction

import (
	"errors"
	"fmt"
	"time"

	"github.com/bits-and-blooms/bitset"
)

var (
	ErrDuplicateSegment = errors.New("reconstruction: duplicate segment")
	ErrInvalidSegment   = errors.New("reconstruction: invalid segment")
)

// Reassembler accumulates the segments of one inbound message.
// States: accumulating until every segment bit is set, then complete.
// An entry without progress for the reassembly timeout is abandoned by its owner.
type Reassembler struct {
	MessageID uint32
	Sequence  uint32

	// RetransmitRequests counts Retransmit rounds issued for this entry.
	RetransmitRequests int

	buffer       []byte
	segmentSize  int
	count        int
	received     *bitset.BitSet
	lastActivity time.Time
}

// NewReassembler creates an entry for a message of messageSize bytes split into segmentCount segments of segmentSize bytes.
// The geometry must be consistent, otherwise ErrInvalidSegment is returned.
func NewReassembler(messageID, sequence, messageSize uint32, segmentCount, segmentSize uint16, now time.Time) (*Reassembler, error) {
	if err := validateGeometry(messageSize, segmentCount, segmentSize); err != nil {
		return nil, err
	}

	return &Reassembler{
		MessageID:    messageID,
		Sequence:     sequence,
		buffer:       make([]byte, messageSize),
		segmentSize:  int(segmentSize),
		count:        int(segmentCount),
		received:     bitset.New(uint(segmentCount)),
		lastActivity: now,
	}, nil
}

func validateGeometry(messageSize uint32, segmentCount, segmentSize uint16) error {
	if segmentCount == 0 {
		return fmt.Errorf("%w: segment count is zero", ErrInvalidSegment)
	}

	if messageSize == 0 {
		if segmentCount != 1 {
			return fmt.Errorf("%w: empty message split into %d segments", ErrInvalidSegment, segmentCount)
		}
		return nil
	}

	if segmentSize == 0 {
		return fmt.Errorf("%w: segment size is zero", ErrInvalidSegment)
	}

	expected := (uint64(messageSize) + uint64(segmentSize) - 1) / uint64(segmentSize)
	if expected != uint64(segmentCount) {
		return fmt.Errorf("%w: %d bytes in segments of %d need %d segments, header says %d", ErrInvalidSegment, messageSize, segmentSize, expected, segmentCount)
	}

	return nil
}

// Matches reports whether a segment header describes the same message geometry as this entry.
func (r *Reassembler) Matches(sequence, messageSize uint32, segmentCount, segmentSize uint16) bool {
	return r.Sequence == sequence &&
		len(r.buffer) == int(messageSize) &&
		r.count == int(segmentCount) &&
		(r.segmentSize == int(segmentSize) || messageSize == 0)
}

// AcceptSegment copies the segment data to its offset in the message.
// Returns the complete payload once every segment has been received.
// A segment that was already received is a no-op and reports ErrDuplicateSegment.
// An out of range index or a chunk of the wrong size reports ErrInvalidSegment.
func (r *Reassembler) AcceptSegment(index uint16, data []byte, now time.Time) (payload []byte, complete bool, err error) {
	i := int(index)
	if i >= r.count {
		return nil, false, fmt.Errorf("%w: index %d of %d segments", ErrInvalidSegment, index, r.count)
	}

	offset := i * r.segmentSize
	expectedLen := min(r.segmentSize, len(r.buffer)-offset)
	if len(data) != expectedLen {
		return nil, false, fmt.Errorf("%w: segment %d carries %d bytes, want %d", ErrInvalidSegment, index, len(data), expectedLen)
	}

	if r.received.Test(uint(i)) {
		return nil, false, ErrDuplicateSegment
	}

	copy(r.buffer[offset:], data)
	r.received.Set(uint(i))
	r.lastActivity = now

	if !r.IsComplete() {
		return nil, false, nil
	}

	return r.buffer, true, nil
}

func (r *Reassembler) IsComplete() bool {
	return r.ReceivedCount() == r.count
}

func (r *Reassembler) SegmentCount() int {
	return r.count
}

func (r *Reassembler) ReceivedCount() int {
	return int(r.received.Count())
}

// MissingSegments returns up to limit indices that have not been received, in ascending order.
func (r *Reassembler) MissingSegments(limit int) []uint16 {
	var missing []uint16

	for i, ok := r.received.NextClear(0); ok && int(i) < r.count && len(missing) < limit; i, ok = r.received.NextClear(i + 1) {
		missing = append(missing, uint16(i))
	}

	return missing
}

// LastActivity returns the time the last new segment was accepted.
func (r *Reassembler) LastActivity() time.Time {
	return r.lastActivity
}

// IsExpired reports whether no new segment arrived for at least timeout.
func (r *Reassembler) IsExpired(now time.Time, timeout time.Duration) bool {
	return now.Sub(r.lastActivity) >= timeout
}
