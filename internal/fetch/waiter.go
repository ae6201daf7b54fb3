package fetch

import (
	"sync"
)

// Waiter merges any number of one-shot completion channels into a single
// stream. Channels can be added while the stream is being consumed; each
// delivers at most one value before it is forgotten.
type Waiter[T any] struct {
	out  chan T
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewWaiter creates an empty waiter.
func NewWaiter[T any]() *Waiter[T] {
	return &Waiter[T]{
		out:  make(chan T),
		stop: make(chan struct{}),
	}
}

// Watch adds a completion channel to the stream.
func (w *Waiter[T]) Watch(done <-chan T) {
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()

		select {
		case v, ok := <-done:
			if !ok {
				return
			}
			select {
			case w.out <- v:
			case <-w.stop:
			}
		case <-w.stop:
		}
	}()
}

// Stream returns the merged completions. It never closes; callers select
// against their own shutdown signal.
func (w *Waiter[T]) Stream() <-chan T {
	return w.out
}

// Close releases the waiter. Completions not yet consumed are dropped.
func (w *Waiter[T]) Close() {
	close(w.stop)
	w.wg.Wait()
}
