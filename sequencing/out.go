package sequencing

import (
	"time"

	"bjoernblessin.de/udpmessaging/pkt"
	"bjoernblessin.de/udpmessaging/util/assert"
	"github.com/bits-and-blooms/bitset"
	"github.com/google/uuid"
)

// MaxSegmentCount is the largest number of segments a single message can be split into.
const MaxSegmentCount = 0xFFFF

// MaxMessageSize returns the largest payload that fits into MaxSegmentCount segments of maxSegmentSize bytes.
func MaxMessageSize(maxSegmentSize int) int {
	return maxSegmentSize * MaxSegmentCount
}

// Segment is one slice of an outbound message.
type Segment struct {
	Index uint16
	Data  []byte
}

// Session identifies the sender process and its sequence space towards one destination.
type Session struct {
	Sender uuid.UUID
	Epoch  uint32
}

// Segmenter tracks one outbound message to one destination until every segment is acknowledged.
type Segmenter struct {
	MessageID uint32
	Sequence  uint32
	Session   Session

	// Attempts counts retransmission rounds without progress.
	Attempts int
	// NextRetransmit is the deadline of the next retransmission round.
	NextRetransmit time.Time

	payload     []byte
	segmentSize int
	count       int
	acked       *bitset.BitSet
	sent        *bitset.BitSet
}

// NewSegmenter splits payload into ceil(len(payload)/maxSegmentSize) segments.
// A zero-length payload still yields exactly one empty segment.
// The payload is not copied and must not be modified while the segmenter is alive.
func NewSegmenter(payload []byte, maxSegmentSize int) *Segmenter {
	assert.Assert(maxSegmentSize > 0 && maxSegmentSize <= pkt.MaxSegmentDataSize, "invalid max segment size %d", maxSegmentSize)
	assert.Assert(len(payload) <= MaxMessageSize(maxSegmentSize), "payload of %d bytes needs more than %d segments", len(payload), MaxSegmentCount)

	count := (len(payload) + maxSegmentSize - 1) / maxSegmentSize
	if count == 0 {
		count = 1
	}

	return &Segmenter{
		payload:     payload,
		segmentSize: maxSegmentSize,
		count:       count,
		acked:       bitset.New(uint(count)),
		sent:        bitset.New(uint(count)),
	}
}

func (s *Segmenter) SegmentCount() int {
	return s.count
}

func (s *Segmenter) SegmentSize() int {
	return s.segmentSize
}

func (s *Segmenter) MessageSize() int {
	return len(s.payload)
}

func (s *Segmenter) AcknowledgedCount() int {
	return int(s.acked.Count())
}

// IsComplete reports whether every segment has been acknowledged.
func (s *Segmenter) IsComplete() bool {
	return s.AcknowledgedCount() == s.count
}

// Segment returns the segment with the given index.
// The second return value is false if the index is out of range.
func (s *Segmenter) Segment(index uint16) (Segment, bool) {
	i := int(index)
	if i >= s.count {
		return Segment{}, false
	}

	start := i * s.segmentSize
	end := min(start+s.segmentSize, len(s.payload))

	return Segment{Index: index, Data: s.payload[start:end]}, true
}

// NextUnacknowledgedSegments returns up to windowSize segments that are not acknowledged yet, in ascending index order.
// It serves both the first transmission and every retransmission round.
func (s *Segmenter) NextUnacknowledgedSegments(windowSize int) []Segment {
	var segments []Segment

	for i, ok := s.acked.NextClear(0); ok && int(i) < s.count && len(segments) < windowSize; i, ok = s.acked.NextClear(i + 1) {
		segment, _ := s.Segment(uint16(i))
		segments = append(segments, segment)
	}

	return segments
}

// Acknowledge marks the segment as acknowledged.
// Returns true if the segment was not acknowledged before. Out of range indices are ignored.
func (s *Segmenter) Acknowledge(index uint16) bool {
	if int(index) >= s.count || s.acked.Test(uint(index)) {
		return false
	}

	s.acked.Set(uint(index))
	return true
}

func (s *Segmenter) IsAcknowledged(index uint16) bool {
	return int(index) < s.count && s.acked.Test(uint(index))
}

// MarkSent records that the segment has been handed to the sender at least once.
func (s *Segmenter) MarkSent(index uint16) {
	if int(index) < s.count {
		s.sent.Set(uint(index))
	}
}

func (s *Segmenter) WasSent(index uint16) bool {
	return int(index) < s.count && s.sent.Test(uint(index))
}

// InFlight returns the number of segments that were sent but not acknowledged yet.
func (s *Segmenter) InFlight() int {
	return int(s.sent.DifferenceCardinality(s.acked))
}

// ToPacket builds the Data segment for the given slice of this message.
func (s *Segmenter) ToPacket(segment Segment) (*pkt.Segment, error) {
	return pkt.NewData(s.MessageID, segment.Index, uint16(s.count), pkt.DataBody{
		Sender:      s.Session.Sender,
		Epoch:       s.Session.Epoch,
		Sequence:    s.Sequence,
		MessageSize: uint32(len(s.payload)),
		SegmentSize: uint16(s.segmentSize),
		Chunk:       segment.Data,
	})
}
