// Package task provides pollable handles for background work.
//
// A Handle is created by Spawn, which returns immediately. The tick loop
// checks it with TryPoll, which never blocks; the result is delivered
// exactly once. BlockUntilDone exists for tests and initialization and must
// not be called on a per-tick path.
package task

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"arbiter-ai/internal/domain"
)

// Result is the outcome of a unit of work.
type Result[T any] struct {
	Value T
	Err   error
}

var handleSeq atomic.Uint64

// Handle is a pollable reference to background work producing a T.
type Handle[T any] struct {
	id        uint64
	done      chan struct{}
	result    Result[T]
	consumed  atomic.Bool
	abandoned atomic.Bool
}

func newHandle[T any]() *Handle[T] {
	return &Handle[T]{
		id:   handleSeq.Add(1),
		done: make(chan struct{}),
	}
}

// Spawn schedules work on the pool and returns its handle without waiting
// for a worker slot. Panics inside work are recovered and reported as
// domain.ErrTaskJoin.
func Spawn[T any](p *Pool, work func(ctx context.Context) (T, error)) *Handle[T] {
	h := newHandle[T]()
	p.submit(func(ctx context.Context) {
		if h.abandoned.Load() {
			var zero T
			h.finish(zero, domain.NewDomainError("task.Spawn", domain.ErrTaskJoin, "abandoned before start"))
			return
		}
		h.run(ctx, work)
	}, func(err error) {
		var zero T
		h.finish(zero, domain.NewDomainError("task.Spawn", domain.ErrTaskJoin, err.Error()))
	})
	return h
}

// Completed returns a handle that is already resolved.
func Completed[T any](v T, err error) *Handle[T] {
	h := newHandle[T]()
	h.finish(v, err)
	return h
}

func (h *Handle[T]) run(ctx context.Context, work func(ctx context.Context) (T, error)) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			h.finish(zero, domain.NewDomainError("task.run", domain.ErrTaskJoin,
				fmt.Sprintf("panic: %v\n%s", r, debug.Stack())))
		}
	}()
	v, err := work(ctx)
	h.finish(v, err)
}

func (h *Handle[T]) finish(v T, err error) {
	select {
	case <-h.done:
		return
	default:
	}
	h.result = Result[T]{Value: v, Err: err}
	close(h.done)
}

// ID is a process-unique identifier for the handle.
func (h *Handle[T]) ID() uint64 { return h.id }

// Done is closed when the work has finished.
func (h *Handle[T]) Done() <-chan struct{} { return h.done }

// IsFinished reports whether the work has finished, without consuming it.
func (h *Handle[T]) IsFinished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// TryPoll returns the result if the work has finished and it has not been
// consumed yet. It never blocks. After the result has been delivered once,
// TryPoll keeps returning false.
func (h *Handle[T]) TryPoll() (Result[T], bool) {
	select {
	case <-h.done:
	default:
		return Result[T]{}, false
	}
	if !h.consumed.CompareAndSwap(false, true) {
		return Result[T]{}, false
	}
	return h.result, true
}

// BlockUntilDone waits for the work to finish and consumes its result.
// Only for tests and initialization.
func (h *Handle[T]) BlockUntilDone(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-h.done:
	case <-ctx.Done():
		return zero, domain.NewDomainError("Handle.BlockUntilDone", domain.ErrTimeout, ctx.Err().Error())
	}
	if !h.consumed.CompareAndSwap(false, true) {
		return zero, domain.NewDomainError("Handle.BlockUntilDone", domain.ErrTaskJoin, "result already consumed")
	}
	return h.result.Value, h.result.Err
}

// Abandon drops interest in the result. Work that has not started yet is
// skipped; work already running completes and its result is discarded.
func (h *Handle[T]) Abandon() {
	h.abandoned.Store(true)
	h.consumed.Store(true)
}

// Abandoned reports whether Abandon was called.
func (h *Handle[T]) Abandoned() bool { return h.abandoned.Load() }
