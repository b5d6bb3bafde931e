package chain

import (
	"context"
	"sync"
)

// Signal is a settle-once future. The first settle wins; later settles are
// ignored. Any number of goroutines may wait on it.
type Signal[T any] struct {
	once sync.Once
	done chan struct{}
	v    T
}

func newSignal[T any]() *Signal[T] {
	return &Signal[T]{done: make(chan struct{})}
}

// settle stores v and releases waiters. It reports whether this call
// settled the signal.
func (s *Signal[T]) settle(v T) bool {
	settled := false
	s.once.Do(func() {
		s.v = v
		settled = true
		close(s.done)
	})
	return settled
}

// Done is closed once the signal settles.
func (s *Signal[T]) Done() <-chan struct{} { return s.done }

// Value returns the settled value and true, or the zero value and false when
// the signal has not settled yet.
func (s *Signal[T]) Value() (T, bool) {
	select {
	case <-s.done:
		return s.v, true
	default:
		var zero T
		return zero, false
	}
}

// Wait blocks until the signal settles or ctx is done.
func (s *Signal[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-s.done:
		return s.v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
