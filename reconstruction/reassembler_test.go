package reconstruction

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	"bjoernblessin.de/udpmessaging/sequencing"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newFromSegmenter(t *testing.T, s *sequencing.Segmenter) *Reassembler {
	t.Helper()
	r, err := NewReassembler(1, 0, uint32(s.MessageSize()), uint16(s.SegmentCount()), uint16(s.SegmentSize()), t0)
	if err != nil {
		t.Fatalf("NewReassembler: %v", err)
	}
	return r
}

func TestRoundTrip(t *testing.T) {
	const segmentSize = 16
	rng := rand.New(rand.NewSource(1))

	for n := 0; n <= 5*segmentSize+1; n++ {
		payload := make([]byte, n)
		rng.Read(payload)

		s := sequencing.NewSegmenter(payload, segmentSize)
		r := newFromSegmenter(t, s)

		segments := s.NextUnacknowledgedSegments(s.SegmentCount())
		rng.Shuffle(len(segments), func(i, j int) { segments[i], segments[j] = segments[j], segments[i] })

		var result []byte
		for i, segment := range segments {
			got, complete, err := r.AcceptSegment(segment.Index, segment.Data, t0)
			if err != nil {
				t.Fatalf("len %d: AcceptSegment(%d): %v", n, segment.Index, err)
			}
			if complete != (i == len(segments)-1) {
				t.Fatalf("len %d: complete=%v after %d of %d segments", n, complete, i+1, len(segments))
			}
			if complete {
				result = got
			}
		}

		if !bytes.Equal(result, payload) {
			t.Fatalf("len %d: reassembled payload differs", n)
		}
	}
}

func TestDuplicateSegmentIsNoOp(t *testing.T) {
	s := sequencing.NewSegmenter([]byte("hello world"), 4)
	r := newFromSegmenter(t, s)

	first, _ := s.Segment(0)
	if _, _, err := r.AcceptSegment(0, first.Data, t0); err != nil {
		t.Fatalf("AcceptSegment: %v", err)
	}

	later := t0.Add(time.Minute)
	_, complete, err := r.AcceptSegment(0, []byte("XXXX"), later)
	if !errors.Is(err, ErrDuplicateSegment) || complete {
		t.Fatalf("expected ErrDuplicateSegment, got complete=%v err=%v", complete, err)
	}
	if !r.LastActivity().Equal(t0) {
		t.Fatalf("duplicate must not count as progress")
	}

	var payload []byte
	for _, segment := range s.NextUnacknowledgedSegments(10)[1:] {
		payload, _, _ = r.AcceptSegment(segment.Index, segment.Data, t0)
	}
	if string(payload) != "hello world" {
		t.Fatalf("duplicate altered the payload: %q", payload)
	}
}

func TestInvalidSegments(t *testing.T) {
	r, err := NewReassembler(1, 0, 10, 3, 4, t0)
	if err != nil {
		t.Fatalf("NewReassembler: %v", err)
	}

	tests := []struct {
		name  string
		index uint16
		data  []byte
	}{
		{"index out of range", 3, []byte("ab")},
		{"short middle chunk", 1, []byte("abc")},
		{"overflowing last chunk", 2, []byte("abcd")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := r.AcceptSegment(tt.index, tt.data, t0); !errors.Is(err, ErrInvalidSegment) {
				t.Fatalf("expected ErrInvalidSegment, got %v", err)
			}
		})
	}

	if r.ReceivedCount() != 0 {
		t.Fatalf("invalid segments must not be recorded")
	}
}

func TestInvalidGeometry(t *testing.T) {
	tests := []struct {
		name        string
		messageSize uint32
		count       uint16
		segmentSize uint16
	}{
		{"zero count", 10, 0, 4},
		{"zero segment size", 10, 3, 0},
		{"too few segments", 10, 2, 4},
		{"too many segments", 10, 4, 4},
		{"empty message with two segments", 0, 2, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReassembler(1, 0, tt.messageSize, tt.count, tt.segmentSize, t0)
			if !errors.Is(err, ErrInvalidSegment) {
				t.Fatalf("expected ErrInvalidSegment, got %v", err)
			}
		})
	}
}

func TestMissingSegmentsAndExpiry(t *testing.T) {
	r, err := NewReassembler(1, 0, 40, 10, 4, t0)
	if err != nil {
		t.Fatalf("NewReassembler: %v", err)
	}

	r.AcceptSegment(0, []byte("aaaa"), t0.Add(time.Second))
	r.AcceptSegment(2, []byte("cccc"), t0.Add(2*time.Second))

	missing := r.MissingSegments(3)
	want := []uint16{1, 3, 4}
	if len(missing) != len(want) {
		t.Fatalf("MissingSegments = %v, want %v", missing, want)
	}
	for i := range want {
		if missing[i] != want[i] {
			t.Fatalf("MissingSegments = %v, want %v", missing, want)
		}
	}

	if r.IsExpired(t0.Add(5*time.Second), 5*time.Second) {
		t.Fatalf("entry should not be expired 3s after the last segment")
	}
	if !r.IsExpired(t0.Add(7*time.Second), 5*time.Second) {
		t.Fatalf("entry should be expired 5s after the last segment")
	}
}

func TestMatches(t *testing.T) {
	r, _ := NewReassembler(1, 9, 10, 3, 4, t0)

	if !r.Matches(9, 10, 3, 4) {
		t.Fatalf("identical geometry should match")
	}
	if r.Matches(8, 10, 3, 4) || r.Matches(9, 11, 3, 4) {
		t.Fatalf("different sequence or size should not match")
	}
}
