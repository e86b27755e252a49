package pkt

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestSegmentRoundTrip(t *testing.T) {
	in := newSegment(TypeData, 0xDEADBEEF, 3, 10, Payload("hello"))

	raw := in.ToByteArray()
	if len(raw) != HeaderSize+5 {
		t.Fatalf("encoded length = %d, want %d", len(raw), HeaderSize+5)
	}

	out, err := ParseSegment(raw)
	if err != nil {
		t.Fatalf("ParseSegment: %v", err)
	}
	if out.Header != in.Header {
		t.Fatalf("header mismatch: got=%+v want=%+v", out.Header, in.Header)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("payload mismatch: %q", out.Payload)
	}
}

func TestHeaderLayoutIsBigEndian(t *testing.T) {
	s := newSegment(TypeAck, 0x01020304, 0x0506, 0x0708, nil)
	got := s.ToByteArray()
	want := []byte{ProtocolVersion, byte(TypeAck), 1, 2, 3, 4, 5, 6, 7, 8, 0, 0}
	if !bytes.Equal(got, want) {
		t.Fatalf("encoded header = %v, want %v", got, want)
	}
}

func TestParseSegmentRejectsMalformed(t *testing.T) {
	valid := NewAck(1, 2).ToByteArray()

	wrongVersion := bytes.Clone(valid)
	wrongVersion[0] = ProtocolVersion + 1

	lengthTooLong := append(bytes.Clone(valid), 0xFF)

	lengthTooShort := NewHello(uuid.New()).ToByteArray()
	lengthTooShort = lengthTooShort[:len(lengthTooShort)-1]

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrMalformedSegment},
		{"short header", valid[:HeaderSize-1], ErrMalformedSegment},
		{"unsupported version", wrongVersion, ErrUnsupportedVersion},
		{"trailing bytes", lengthTooLong, ErrMalformedSegment},
		{"truncated payload", lengthTooShort, ErrMalformedSegment},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSegment(tt.data)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !errors.Is(err, ErrMalformedSegment) {
				t.Fatalf("every decode error must wrap ErrMalformedSegment, got %v", err)
			}
		})
	}
}

func TestParseSegmentAcceptsUnknownType(t *testing.T) {
	raw := newSegment(SegmentType(0x7F), 1, 0, 0, nil).ToByteArray()

	s, err := ParseSegment(raw)
	if err != nil {
		t.Fatalf("ParseSegment: %v", err)
	}
	if s.Header.Type.IsKnown() {
		t.Fatalf("type 0x7F should be unknown")
	}
	if s.Header.Type.String() != "UNKNOWN(0x7F)" {
		t.Fatalf("unexpected name %q", s.Header.Type.String())
	}
}

func TestParseSegmentCopiesPayload(t *testing.T) {
	raw := newSegment(TypeData, 1, 0, 1, Payload("abc")).ToByteArray()

	s, err := ParseSegment(raw)
	if err != nil {
		t.Fatalf("ParseSegment: %v", err)
	}
	raw[HeaderSize] = 'X'
	if string(s.Payload) != "abc" {
		t.Fatalf("payload aliases the receive buffer: %q", s.Payload)
	}
}
