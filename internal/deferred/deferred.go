// Package deferred provides a single-assignment result value used as the
// return type of every asynchronous operation in receiverlink.
//
// A Result starts pending and settles exactly once, either with a value or
// with an error. Callbacks may be attached before or after settlement; they
// always run on the Result's Executor, never inside the call that settles
// the Result or registers the callback.
package deferred

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPanicked wraps a panic raised by a mapping function.
var ErrPanicked = errors.New("deferred: mapping function panicked")

// Result is a single-assignment future.
type Result[T any] struct {
	exec Executor

	mu        sync.Mutex
	settled   bool
	value     T
	err       error
	callbacks []func(T, error)
	done      chan struct{}
}

// New returns a pending Result delivering callbacks on exec. A nil exec
// uses DefaultPool.
func New[T any](exec Executor) *Result[T] {
	if exec == nil {
		exec = DefaultPool()
	}
	return &Result[T]{exec: exec, done: make(chan struct{})}
}

// Resolved returns a Result already settled with v.
func Resolved[T any](exec Executor, v T) *Result[T] {
	r := New[T](exec)
	r.Resolve(v)
	return r
}

// Failed returns a Result already settled with err.
func Failed[T any](exec Executor, err error) *Result[T] {
	r := New[T](exec)
	r.Reject(err)
	return r
}

// Resolve settles r with v. Settling a Result twice panics.
func (r *Result[T]) Resolve(v T) {
	r.settle(v, nil)
}

// Reject settles r with err. A nil err is replaced by a generic error so
// that a failed Result is always distinguishable from a successful one.
// Settling a Result twice panics.
func (r *Result[T]) Reject(err error) {
	if err == nil {
		err = errors.New("deferred: rejected without cause")
	}
	var zero T
	r.settle(zero, err)
}

// Settle resolves or rejects r depending on err.
func (r *Result[T]) Settle(v T, err error) {
	if err != nil {
		r.Reject(err)
		return
	}
	r.Resolve(v)
}

func (r *Result[T]) settle(v T, err error) {
	r.mu.Lock()
	if r.settled {
		r.mu.Unlock()
		panic("deferred: result settled twice")
	}
	r.settled = true
	r.value = v
	r.err = err
	callbacks := r.callbacks
	r.callbacks = nil
	close(r.done)
	r.mu.Unlock()

	if len(callbacks) > 0 {
		r.exec.Submit(func() {
			for _, cb := range callbacks {
				invoke(cb, v, err)
			}
		})
	}
}

// Finally registers cb to run once with the outcome.
func (r *Result[T]) Finally(cb func(T, error)) *Result[T] {
	r.mu.Lock()
	if !r.settled {
		r.callbacks = append(r.callbacks, cb)
		r.mu.Unlock()
		return r
	}
	v, err := r.value, r.err
	r.mu.Unlock()

	r.exec.Submit(func() { invoke(cb, v, err) })
	return r
}

// OnSuccess registers cb to run if r resolves.
func (r *Result[T]) OnSuccess(cb func(T)) *Result[T] {
	return r.Finally(func(v T, err error) {
		if err == nil {
			cb(v)
		}
	})
}

// OnFailure registers cb to run if r is rejected.
func (r *Result[T]) OnFailure(cb func(error)) *Result[T] {
	return r.Finally(func(_ T, err error) {
		if err != nil {
			cb(err)
		}
	})
}

// Done is closed once r settles.
func (r *Result[T]) Done() <-chan struct{} {
	return r.done
}

// Settled reports whether r has settled.
func (r *Result[T]) Settled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settled
}

// Await blocks until r settles or ctx is done. It is meant for tests and
// for bridging into synchronous code; it must never be called from a
// session read loop.
func (r *Result[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Executor returns the executor callbacks run on.
func (r *Result[T]) Executor() Executor {
	return r.exec
}

// MapError derives a Result whose failure is transformed by fn. Success
// values pass through unchanged.
func (r *Result[T]) MapError(fn func(error) error) *Result[T] {
	out := New[T](r.exec)
	r.Finally(func(v T, err error) {
		if err == nil {
			out.Resolve(v)
			return
		}
		mapped, perr := protect(func() (error, error) { return fn(err), nil })
		if perr != nil {
			out.Reject(perr)
			return
		}
		out.Reject(mapped)
	})
	return out
}

// Map derives a Result by applying fn to the success value of r. An error
// returned by fn, or a panic inside it, becomes the derived failure.
// Failures of r pass through unchanged.
func Map[T, U any](r *Result[T], fn func(T) (U, error)) *Result[U] {
	out := New[U](r.exec)
	r.Finally(func(v T, err error) {
		if err != nil {
			out.Reject(err)
			return
		}
		u, err := protect(func() (U, error) { return fn(v) })
		out.Settle(u, err)
	})
	return out
}

// Then chains an asynchronous step onto r.
func Then[T, U any](r *Result[T], fn func(T) *Result[U]) *Result[U] {
	out := New[U](r.exec)
	r.Finally(func(v T, err error) {
		if err != nil {
			out.Reject(err)
			return
		}
		next, perr := protect(func() (*Result[U], error) { return fn(v), nil })
		if perr != nil {
			out.Reject(perr)
			return
		}
		if next == nil {
			out.Reject(errors.New("deferred: chained step returned no result"))
			return
		}
		next.Finally(out.Settle)
	})
	return out
}

// invoke keeps one panicking callback from starving the others registered
// on the same Result.
func invoke[T any](cb func(T, error), v T, err error) {
	defer func() {
		if p := recover(); p != nil {
			reportPanic(p)
		}
	}()
	cb(v, err)
}

func protect[U any](fn func() (U, error)) (u U, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrPanicked, p)
		}
	}()
	return fn()
}
