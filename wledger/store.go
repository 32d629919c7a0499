// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wledger implements the durable wallet ledger: transactions,
// their inputs and outputs, key-instance ownership linkage, account
// associations, and the confirmation state machine over them.
//
// All mutations run on a single writer goroutine, one SQL transaction
// per queued job, so partially linked transactions are never visible and
// concurrent writers cannot interleave.  Mutating methods return a
// Future the caller waits on explicitly.  Reads go straight to the
// shared database pool.
//
// The SQL dialect is the subset shared by SQLite and Postgres;
// placeholders use the $n form both accept.
package wledger

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
)

// writeQueueDepth bounds the number of pending write jobs before
// submitters block.
const writeQueueDepth = 64

// Store is the wallet ledger over one SQL database.
type Store struct {
	db     *sql.DB
	params *chaincfg.Params

	jobs chan writeJob
	quit chan struct{}
	wg   sync.WaitGroup

	// closeMu holds submitters open across their closed check and the
	// enqueue, so Close cannot retire the writer in between and strand
	// a queued job.
	closeMu sync.RWMutex
	closed  atomic.Bool
}

// Open creates the schema if needed and starts the writer goroutine.
// The caller retains ownership of the database handle and closes it
// after the store.
func Open(ctx context.Context, db *sql.DB, params *chaincfg.Params) (
	*Store, error) {

	if err := createSchema(ctx, db); err != nil {
		return nil, err
	}

	s := &Store{
		db:     db,
		params: params,
		jobs:   make(chan writeJob, writeQueueDepth),
		quit:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writer()

	log.Trace("Ledger store opened")
	return s, nil
}

// Close stops the writer after draining already queued jobs.  Further
// writes fail with ErrStoreClosed.
func (s *Store) Close() error {
	s.closeMu.Lock()
	alreadyClosed := !s.closed.CompareAndSwap(false, true)
	s.closeMu.Unlock()
	if alreadyClosed {
		return nil
	}
	close(s.quit)
	s.wg.Wait()
	log.Trace("Ledger store closed")
	return nil
}

// writer runs queued jobs in submission order, each in its own SQL
// transaction.
func (s *Store) writer() {
	defer s.wg.Done()

	for {
		select {
		case job := <-s.jobs:
			s.executeJob(job)

		case <-s.quit:
			// Resolve everything already queued before exiting so
			// no submitted future is left hanging.
			for {
				select {
				case job := <-s.jobs:
					s.executeJob(job)
				default:
					return
				}
			}
		}
	}
}

// executeJob runs one job inside a SQL transaction, committing on
// success and rolling back on failure, then resolves its future.
func (s *Store) executeJob(job writeJob) {
	if !job.begin() {
		return
	}
	ctx := job.jobCtx()
	if err := ctx.Err(); err != nil {
		job.resolve(storeError(ErrCancelled,
			"write context done before execution", err))
		return
	}

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		job.resolve(storeError(ErrDatabase,
			"failed to begin write transaction", err))
		return
	}
	if err := job.run(ctx, dbtx); err != nil {
		if rbErr := dbtx.Rollback(); rbErr != nil {
			log.Errorf("Failed to roll back write: %v", rbErr)
		}
		job.resolve(err)
		return
	}
	if err := dbtx.Commit(); err != nil {
		job.resolve(storeError(ErrDatabase,
			"failed to commit write transaction", err))
		return
	}
	job.resolve(nil)
}

// submit queues a write and returns its future.  Submission fails the
// future immediately when the store is closed or the context is done.
func submit[T any](s *Store, ctx context.Context,
	fn func(ctx context.Context, dbtx *sql.Tx) (T, error)) *Future[T] {

	future := newFuture[T]()
	job := &futureJob[T]{ctx: ctx, future: future, fn: fn}

	var zero T
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed.Load() {
		future.complete(zero, storeError(ErrStoreClosed,
			"ledger store is closed", nil))
		return future
	}

	// The read lock is held across the enqueue, so the writer is still
	// running and will drain this job even if Close is waiting.
	select {
	case s.jobs <- job:
	case <-ctx.Done():
		future.complete(zero, storeError(ErrCancelled,
			"write context done before submission", ctx.Err()))
	}
	return future
}

// runWrite queues a write and waits for it, for callers that want the
// result synchronously.
func runWrite[T any](s *Store, ctx context.Context,
	fn func(ctx context.Context, dbtx *sql.Tx) (T, error)) (T, error) {

	return submit(s, ctx, fn).Wait(0)
}

// now is the stored row timestamp, unix seconds.
func now() int64 {
	return time.Now().Unix()
}

// nextRowID assigns the next primary key for an id-keyed table.  Only
// ever called on the writer, so MAX+1 cannot race.
func nextRowID(ctx context.Context, dbtx *sql.Tx, table,
	column string) (int64, error) {

	var max sql.NullInt64
	err := dbtx.QueryRowContext(ctx,
		"SELECT MAX("+column+") FROM "+table).Scan(&max)
	if err != nil {
		return 0, storeError(ErrDatabase,
			"failed to assign row id for "+table, err)
	}
	return max.Int64 + 1, nil
}
