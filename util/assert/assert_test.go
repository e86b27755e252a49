package assert

import (
	"strings"
	"testing"
)

func expectPanic(t *testing.T, contains string, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic")
		}
		if msg, ok := r.(string); !ok || !strings.Contains(msg, contains) {
			t.Fatalf("panic %v does not contain %q", r, contains)
		}
	}()
	fn()
}

func TestAssert(t *testing.T) {
	Assert(true, "never shown")
	expectPanic(t, "value 3 too large", func() { Assert(false, "value %d too large", 3) })
}

func TestIsNil(t *testing.T) {
	var p *int
	IsNil(nil)
	IsNil(p)
	expectPanic(t, "expected nil", func() { IsNil(1) })
}

func TestIsNotNil(t *testing.T) {
	var m map[string]int
	IsNotNil(1)
	expectPanic(t, "socket missing", func() { IsNotNil(m, "socket missing") })
}

func TestNever(t *testing.T) {
	expectPanic(t, "unreachable", func() { Never() })
}
