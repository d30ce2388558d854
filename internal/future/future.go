// Package future is a completion primitive for tracker results and lifecycle gates.
// Callbacks run on the goroutine that completes the future, so a future completed from a
// service loop keeps its callbacks on that loop.
package future

import (
	"context"
	"sync"
)

// Future is completed at most once, by Complete or Fail.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	value     T
	err       error
	callbacks []func(T, error)
}

// New returns a pending future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future already holding v.
func Completed[T any](v T) *Future[T] {
	f := New[T]()
	f.Complete(v)
	return f
}

// Failed returns a future already holding err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Complete stores v. It returns false if the future was already completed.
func (f *Future[T]) Complete(v T) bool {
	return f.settle(v, nil)
}

// Fail stores err. It returns false if the future was already completed.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.settle(zero, err)
}

func (f *Future[T]) settle(v T, err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.value = v
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, fn := range callbacks {
		fn(v, err)
	}
	return true
}

// Done is closed once the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has completed.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the stored value and error; ok is false while pending.
func (f *Future[T]) Result() (value T, err error, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err, f.completed
}

// Wait blocks until completion or ctx is done. Not for use on a service loop.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		v, err, _ := f.Result()
		return v, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete registers fn. If the future is already complete fn runs immediately.
func (f *Future[T]) OnComplete(fn func(T, error)) {
	if fn == nil {
		return
	}
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	v, err := f.value, f.err
	f.mu.Unlock()
	fn(v, err)
}

// Then chains a continuation that produces the next future.
func Then[T, U any](f *Future[T], fn func(T) *Future[U]) *Future[U] {
	next := New[U]()
	f.OnComplete(func(v T, err error) {
		if err != nil {
			next.Fail(err)
			return
		}
		fn(v).OnComplete(func(u U, err error) {
			if err != nil {
				next.Fail(err)
				return
			}
			next.Complete(u)
		})
	})
	return next
}
