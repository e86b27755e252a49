package pkt

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

const (
	PeerIDSize         = 16
	DataBodyHeaderSize = PeerIDSize + 14
	TimeoutBodySize    = 8
)

// MaxSegmentDataSize is the largest chunk a single Data segment can carry
// without the datagram exceeding MaxDatagramSize.
const MaxSegmentDataSize = MaxDatagramSize - HeaderSize - DataBodyHeaderSize

// DataBody is the payload of a Data segment.
// Format:
//
//	+--------+--------+--------+--------+
//	|    Sender Peer ID (128 bits)      |
//	|               ...                 |
//	+--------+--------+--------+--------+
//	|       Session Epoch (32 bits)     |
//	+--------+--------+--------+--------+
//	|      Sequence Number (32 bits)    |
//	+--------+--------+--------+--------+
//	|       Message Size (32 bits)      |
//	+--------+--------+--------+--------+
//	|  Segment Size   |                 |
//	|    (16 bits)    |   Chunk ...     |
//	+--------+--------+--------+--------+
//
// The chunk of segment i starts at offset i*SegmentSize of the message.
// Sequence numbers are only comparable within one (Sender, Epoch) session.
type DataBody struct {
	Sender      uuid.UUID
	Epoch       uint32
	Sequence    uint32
	MessageSize uint32
	SegmentSize uint16
	Chunk       []byte
}

// NewHello builds the heartbeat announcing peerID.
func NewHello(peerID uuid.UUID) *Segment {
	return newSegment(TypeHello, 0, 0, 0, peerID[:])
}

// NewBye builds the segment announcing that peerID is shutting down.
func NewBye(peerID uuid.UUID) *Segment {
	return newSegment(TypeBye, 0, 0, 0, peerID[:])
}

// NewData builds one Data segment of a message.
func NewData(messageID uint32, index, count uint16, body DataBody) (*Segment, error) {
	if len(body.Chunk) > MaxSegmentDataSize {
		return nil, fmt.Errorf("%w: chunk of %d bytes exceeds %d", ErrPayloadTooLarge, len(body.Chunk), MaxSegmentDataSize)
	}

	payload := make(Payload, DataBodyHeaderSize, DataBodyHeaderSize+len(body.Chunk))
	copy(payload[0:PeerIDSize], body.Sender[:])
	fields := payload[PeerIDSize:]
	binary.BigEndian.PutUint32(fields[0:4], body.Epoch)
	binary.BigEndian.PutUint32(fields[4:8], body.Sequence)
	binary.BigEndian.PutUint32(fields[8:12], body.MessageSize)
	binary.BigEndian.PutUint16(fields[12:14], body.SegmentSize)
	payload = append(payload, body.Chunk...)

	return newSegment(TypeData, messageID, index, count, payload), nil
}

func NewAck(messageID uint32, index uint16) *Segment {
	return newSegment(TypeAck, messageID, index, 0, nil)
}

func NewAbort(messageID uint32) *Segment {
	return newSegment(TypeAbort, messageID, 0, 0, nil)
}

// NewRetransmit asks the originator of messageID to re-send segment index.
func NewRetransmit(messageID uint32, index uint16) *Segment {
	return newSegment(TypeRetransmit, messageID, index, 0, nil)
}

// TimeoutBody names the abandoned sequence and the session it belongs to.
type TimeoutBody struct {
	Epoch    uint32
	Sequence uint32
}

// NewTimeout tells the receiver that the message with the given sequence will never complete.
func NewTimeout(messageID uint32, body TimeoutBody) *Segment {
	payload := make(Payload, TimeoutBodySize)
	binary.BigEndian.PutUint32(payload[0:4], body.Epoch)
	binary.BigEndian.PutUint32(payload[4:8], body.Sequence)
	return newSegment(TypeTimeout, messageID, 0, 0, payload)
}

// ParsePeerID reads the peer identity carried by Hello and Bye segments.
func ParsePeerID(s *Segment) (uuid.UUID, error) {
	if len(s.Payload) != PeerIDSize {
		return uuid.Nil, fmt.Errorf("%w: %s carries %d bytes, want %d byte peer id", ErrMalformedSegment, s.Header.Type, len(s.Payload), PeerIDSize)
	}
	return uuid.UUID(s.Payload), nil
}

// ParseDataBody reads the sub-header of a Data segment.
// The returned Chunk aliases the segment payload.
func ParseDataBody(s *Segment) (DataBody, error) {
	if len(s.Payload) < DataBodyHeaderSize {
		return DataBody{}, fmt.Errorf("%w: data body of %d bytes is shorter than %d", ErrMalformedSegment, len(s.Payload), DataBodyHeaderSize)
	}

	fields := s.Payload[PeerIDSize:]
	return DataBody{
		Sender:      uuid.UUID(s.Payload[0:PeerIDSize]),
		Epoch:       binary.BigEndian.Uint32(fields[0:4]),
		Sequence:    binary.BigEndian.Uint32(fields[4:8]),
		MessageSize: binary.BigEndian.Uint32(fields[8:12]),
		SegmentSize: binary.BigEndian.Uint16(fields[12:14]),
		Chunk:       s.Payload[DataBodyHeaderSize:],
	}, nil
}

// ParseTimeoutBody reads the abandoned sequence number of a Timeout segment.
func ParseTimeoutBody(s *Segment) (TimeoutBody, error) {
	if len(s.Payload) != TimeoutBodySize {
		return TimeoutBody{}, fmt.Errorf("%w: timeout body of %d bytes, want %d", ErrMalformedSegment, len(s.Payload), TimeoutBodySize)
	}
	return TimeoutBody{
		Epoch:    binary.BigEndian.Uint32(s.Payload[0:4]),
		Sequence: binary.BigEndian.Uint32(s.Payload[4:8]),
	}, nil
}
