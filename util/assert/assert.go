// Package assert provides runtime checks for internal invariants.
// A failed assertion is a programming error, never a reaction to network input.
package assert

import (
	"fmt"
	"reflect"
)

// Assert panics with the formatted message if condition is false.
func Assert(condition bool, msgAndArgs ...any) {
	if condition {
		return
	}
	panic("assertion failed: " + format(msgAndArgs))
}

// IsNil panics if v is not nil.
func IsNil(v any, msgAndArgs ...any) {
	if isNil(v) {
		return
	}
	panic(fmt.Sprintf("assertion failed: expected nil, got %v: %s", v, format(msgAndArgs)))
}

// IsNotNil panics if v is nil.
func IsNotNil(v any, msgAndArgs ...any) {
	if !isNil(v) {
		return
	}
	panic("assertion failed: expected non-nil: " + format(msgAndArgs))
}

// Never marks code that must be unreachable.
func Never(msgAndArgs ...any) {
	panic("unreachable code reached: " + format(msgAndArgs))
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

func format(msgAndArgs []any) string {
	if len(msgAndArgs) == 0 {
		return ""
	}
	msg, ok := msgAndArgs[0].(string)
	if !ok {
		return fmt.Sprint(msgAndArgs...)
	}
	return fmt.Sprintf(msg, msgAndArgs[1:]...)
}
