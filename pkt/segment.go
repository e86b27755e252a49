// Package pkt encodes and decodes the segments exchanged between peers.
package pkt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Header represents the fixed segment header.
// Format:
//
//	+--------+--------+--------+--------+--------+--------+
//	| Version|  Type  |        Message ID (32 bits)       |
//	|(8 bits)|(8 bits)|                                   |
//	+--------+--------+--------+--------+--------+--------+
//	|  Segment Index  |  Segment Count  | Payload Length  |
//	|    (16 bits)    |    (16 bits)    |    (16 bits)    |
//	+--------+--------+--------+--------+--------+--------+
//
// Total size: 12 bytes, network byte order.
type Header struct {
	Version       byte
	Type          SegmentType
	MessageID     uint32
	SegmentIndex  uint16
	SegmentCount  uint16
	PayloadLength uint16
}

// Payload represents the data carried by the segment.
type Payload []byte

type Segment struct {
	Header  Header
	Payload Payload
}

const (
	HeaderSize      = 12
	ProtocolVersion = 1
	MaxPayloadSize  = 0xFFFF
	// MaxDatagramSize is the largest UDP payload an IPv4 datagram can carry.
	MaxDatagramSize = 65507
)

type SegmentType byte

const (
	TypeHello SegmentType = iota
	TypeBye
	TypeData
	TypeAck
	TypeAbort
	TypeRetransmit
	TypeTimeout
)

var segmentTypeNames = map[SegmentType]string{
	TypeHello:      "HELLO",
	TypeBye:        "BYE",
	TypeData:       "DATA",
	TypeAck:        "ACK",
	TypeAbort:      "ABORT",
	TypeRetransmit: "RETRANSMIT",
	TypeTimeout:    "TIMEOUT",
}

func (t SegmentType) String() string {
	if name, ok := segmentTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", byte(t))
}

// IsKnown reports whether the type is one this protocol version handles.
func (t SegmentType) IsKnown() bool {
	_, ok := segmentTypeNames[t]
	return ok
}

var (
	ErrMalformedSegment   = errors.New("pkt: malformed segment")
	ErrUnsupportedVersion = fmt.Errorf("%w: unsupported protocol version", ErrMalformedSegment)
	ErrPayloadTooLarge    = errors.New("pkt: payload too large")
)

// ParseSegment decodes a received datagram.
// The returned segment owns a copy of the payload bytes.
// Errors wrap ErrMalformedSegment; unknown segment types are not an error here.
func ParseSegment(data []byte) (*Segment, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the %d byte header", ErrMalformedSegment, len(data), HeaderSize)
	}

	header := Header{
		Version:       data[0],
		Type:          SegmentType(data[1]),
		MessageID:     binary.BigEndian.Uint32(data[2:6]),
		SegmentIndex:  binary.BigEndian.Uint16(data[6:8]),
		SegmentCount:  binary.BigEndian.Uint16(data[8:10]),
		PayloadLength: binary.BigEndian.Uint16(data[10:12]),
	}

	if header.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, header.Version, ProtocolVersion)
	}

	if int(header.PayloadLength) != len(data)-HeaderSize {
		return nil, fmt.Errorf("%w: declared payload length %d, datagram carries %d", ErrMalformedSegment, header.PayloadLength, len(data)-HeaderSize)
	}

	payload := make(Payload, header.PayloadLength)
	copy(payload, data[HeaderSize:])

	return &Segment{
		Header:  header,
		Payload: payload,
	}, nil
}

// ToByteArray serializes the segment.
// PayloadLength is taken from the actual payload, not from the header field.
func (s *Segment) ToByteArray() []byte {
	data := make([]byte, HeaderSize, HeaderSize+len(s.Payload))
	data[0] = s.Header.Version
	data[1] = byte(s.Header.Type)
	binary.BigEndian.PutUint32(data[2:6], s.Header.MessageID)
	binary.BigEndian.PutUint16(data[6:8], s.Header.SegmentIndex)
	binary.BigEndian.PutUint16(data[8:10], s.Header.SegmentCount)
	binary.BigEndian.PutUint16(data[10:12], uint16(len(s.Payload)))

	return append(data, s.Payload...)
}

func (s *Segment) String() string {
	return fmt.Sprintf("{ V:%d Type:%s Msg:%d Seg:%d/%d Len:%d }",
		s.Header.Version,
		s.Header.Type,
		s.Header.MessageID,
		s.Header.SegmentIndex,
		s.Header.SegmentCount,
		len(s.Payload))
}

func newSegment(segmentType SegmentType, messageID uint32, index, count uint16, payload Payload) *Segment {
	return &Segment{
		Header: Header{
			Version:       ProtocolVersion,
			Type:          segmentType,
			MessageID:     messageID,
			SegmentIndex:  index,
			SegmentCount:  count,
			PayloadLength: uint16(len(payload)),
		},
		Payload: payload,
	}
}
