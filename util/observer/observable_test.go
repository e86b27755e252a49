package observer

import (
	"testing"
	"time"
)

func TestNotifyObserversFanOut(t *testing.T) {
	o := NewObservable[int](4)
	a := o.Subscribe()
	b := o.Subscribe()

	if n := o.NotifyObservers(7); n != 2 {
		t.Fatalf("delivered = %d, want 2", n)
	}
	if got := <-a; got != 7 {
		t.Fatalf("a got %d, want 7", got)
	}
	if got := <-b; got != 7 {
		t.Fatalf("b got %d, want 7", got)
	}
}

func TestNotifyObserversDropsWhenFull(t *testing.T) {
	o := NewObservable[int](1)
	ch := o.Subscribe()

	o.NotifyObservers(1)
	if n := o.NotifyObservers(2); n != 0 {
		t.Fatalf("expected notification to be dropped, delivered = %d", n)
	}
	if got := <-ch; got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
}

func TestUnsubscribeClosesOnlyThatChannel(t *testing.T) {
	o := NewObservable[string](1)
	gone := o.Subscribe()
	kept := o.Subscribe()

	o.Unsubscribe(gone)
	o.Unsubscribe(gone)
	o.Unsubscribe(make(chan string))

	if _, ok := <-gone; ok {
		t.Fatalf("unsubscribed channel should be closed")
	}
	if n := o.NotifyObservers("still here"); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}

	select {
	case v := <-kept:
		if v != "still here" {
			t.Fatalf("got %q", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("remaining subscriber got nothing")
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	o := NewObservable[int](1)
	ch := o.Subscribe()
	o.Close()

	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	if n := o.NotifyObservers(1); n != 0 {
		t.Fatalf("closed observable delivered %d notifications", n)
	}
	if _, ok := <-o.Subscribe(); ok {
		t.Fatalf("subscribe after close should return a closed channel")
	}
}

type collector struct{ got []int }

func (c *collector) Update(v int) { c.got = append(c.got, v) }

func TestForward(t *testing.T) {
	ch := make(chan int, 3)
	ch <- 1
	ch <- 2
	close(ch)

	c := &collector{}
	Forward(ch, c)
	if len(c.got) != 2 || c.got[0] != 1 || c.got[1] != 2 {
		t.Fatalf("got %v", c.got)
	}
}
