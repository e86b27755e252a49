package queue

import (
	"errors"
	"sync"
	"testing"
)

func TestPushPopFIFO(t *testing.T) {
	q := New[int](3)

	for i := 1; i <= 3; i++ {
		if err := q.Push(i); err != nil {
			t.Fatalf("Push(%d): %v", i, err)
		}
	}
	if err := q.Push(4); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	for want := 1; want <= 3; want++ {
		got, ok := q.Pop()
		if !ok || got != want {
			t.Fatalf("Pop() = %d,%v want %d,true", got, ok, want)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("Pop on empty queue returned ok")
	}
}

func TestPopAllWrapsAround(t *testing.T) {
	q := New[int](3)
	q.Push(1)
	q.Push(2)
	q.Pop()
	q.Push(3)
	q.Push(4)

	got := q.PopAll()
	want := []int{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("PopAll() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("PopAll() = %v, want %v", got, want)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d after PopAll", q.Len())
	}
	if q.PopAll() != nil {
		t.Fatalf("PopAll on empty queue should be nil")
	}
}

func TestWakeCollapses(t *testing.T) {
	q := New[int](8)
	q.Push(1)
	q.Push(2)

	select {
	case <-q.Wake():
	default:
		t.Fatalf("expected pending wake-up")
	}
	select {
	case <-q.Wake():
		t.Fatalf("expected a single collapsed wake-up")
	default:
	}
}

func TestConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 100
	q := New[int](producers * perProducer)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := q.Push(i); err != nil {
					t.Errorf("Push: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if got := len(q.PopAll()); got != producers*perProducer {
		t.Fatalf("drained %d elements, want %d", got, producers*perProducer)
	}
}
