// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wledger

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"
)

// Future is the completion handle of one queued write.  Writes commit in
// submission order on the store's writer goroutine; the future fires
// after the commit or rollback of its job.
type Future[T any] struct {
	done      chan struct{}
	cancelled atomic.Bool
	started   atomic.Bool

	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// complete resolves the future exactly once.
func (f *Future[T]) complete(value T, err error) {
	f.value = value
	f.err = err
	close(f.done)
}

// Done returns a channel closed when the write has committed or failed.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the write completes and returns its result.  A
// positive timeout bounds the wait; zero or negative waits indefinitely.
// Waiting out the timeout does not cancel the write.
func (f *Future[T]) Wait(timeout time.Duration) (T, error) {
	if timeout <= 0 {
		<-f.done
		return f.value, f.err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.value, f.err
	case <-timer.C:
		var zero T
		return zero, storeError(ErrDatabase,
			"timed out waiting for write to commit",
			context.DeadlineExceeded)
	}
}

// Cancel drops the write if it has not started executing.  It returns
// whether the cancellation took effect; once the writer picks the job
// up the write always runs to completion.
func (f *Future[T]) Cancel() bool {
	if f.started.Load() {
		return false
	}
	// The writer checks cancelled again after marking the job started,
	// so a race here resolves to exactly one of the two outcomes.
	return f.cancelled.CompareAndSwap(false, true)
}

// writeJob is one queued unit of work.  Implementations carry their own
// typed future.
type writeJob interface {
	// begin marks the job started and reports whether it was cancelled
	// first.
	begin() bool

	// run executes the job inside the writer's SQL transaction.
	run(ctx context.Context, dbtx *sql.Tx) error

	// resolve fires the future.  A nil error publishes the value the
	// run stored.
	resolve(err error)

	// jobCtx is the submitter's context, checked before the
	// transaction begins.
	jobCtx() context.Context
}

// futureJob binds a typed write function to its future.
type futureJob[T any] struct {
	ctx    context.Context
	future *Future[T]
	fn     func(ctx context.Context, dbtx *sql.Tx) (T, error)
}

func (j *futureJob[T]) begin() bool {
	j.future.started.Store(true)
	if j.future.cancelled.Load() {
		var zero T
		j.future.complete(zero, storeError(ErrCancelled,
			"write cancelled before execution", nil))
		return false
	}
	return true
}

func (j *futureJob[T]) run(ctx context.Context, dbtx *sql.Tx) error {
	value, err := j.fn(ctx, dbtx)
	if err != nil {
		return err
	}
	j.future.value = value
	return nil
}

func (j *futureJob[T]) resolve(err error) {
	if err != nil {
		var zero T
		j.future.complete(zero, err)
		return
	}
	j.future.complete(j.future.value, nil)
}

func (j *futureJob[T]) jobCtx() context.Context {
	return j.ctx
}
