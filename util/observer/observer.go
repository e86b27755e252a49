package observer

type Observer[T any] interface {
	// Update is called when the observable notifies its observers.
	Update(data T)
}

// Forward drains ch into o until ch is closed.
// Intended to be run in its own goroutine.
func Forward[T any](ch <-chan T, o Observer[T]) {
	for v := range ch {
		o.Update(v)
	}
}
