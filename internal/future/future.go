// Package future provides a single-assignment result that can be awaited
// with a context or observed through callbacks. Callbacks run on the
// goroutine that settles the future, or immediately if it already settled.
package future

import (
	"context"
	"sync"
)

// Future holds a value or error that is set exactly once.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	settled   bool
	val       T
	err       error
	callbacks []func(T, error)
}

// New returns an unsettled future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future already settled with v.
func Completed[T any](v T) *Future[T] {
	f := New[T]()
	f.Complete(v)
	return f
}

// Failed returns a future already settled with err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Complete settles the future with v. Returns false if it was already settled.
func (f *Future[T]) Complete(v T) bool { return f.settle(v, nil) }

// Fail settles the future with err. Returns false if it was already settled.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.settle(zero, err)
}

// Settle completes with v when err is nil and fails otherwise.
func (f *Future[T]) Settle(v T, err error) bool {
	if err != nil {
		var zero T
		v = zero
	}
	return f.settle(v, err)
}

func (f *Future[T]) settle(v T, err error) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	f.settled = true
	f.val, f.err = v, err
	cbs := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range cbs {
		cb(v, err)
	}
	return true
}

// Done returns a channel closed once the future settles.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Result returns the outcome and whether the future has settled.
func (f *Future[T]) Result() (T, error, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val, f.err, f.settled
}

// Wait blocks until the future settles or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnDone registers cb to run when the future settles.
func (f *Future[T]) OnDone(cb func(T, error)) {
	f.mu.Lock()
	if !f.settled {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	v, err := f.val, f.err
	f.mu.Unlock()
	cb(v, err)
}

// Then returns a future that settles with next's outcome once first has
// completed successfully. If first fails, the result fails with that error
// and next is never observed.
func Then[A, B any](first *Future[A], next *Future[B]) *Future[B] {
	out := New[B]()
	first.OnDone(func(_ A, err error) {
		if err != nil {
			out.Fail(err)
			return
		}
		next.OnDone(func(v B, err error) { out.Settle(v, err) })
	})
	return out
}
