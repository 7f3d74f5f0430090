// Package memdb provides an in-process transaction that satisfies pgx.Tx for
// the Begin/Commit/Rollback subset. Stores built on it stage their writes on
// the transaction and apply them only when it commits, which gives tests and
// single-process runs the same all-or-nothing behaviour as Postgres.
package memdb

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
)

var (
	ErrTxDone    = errors.New("memdb: transaction already closed")
	ErrForeignTx = errors.New("memdb: transaction was not opened by memdb")
)

// DB serializes commits so staged writes from one transaction apply atomically.
type DB struct {
	mu       sync.Mutex
	failNext error
}

func New() *DB {
	return &DB{}
}

func (d *DB) Begin(context.Context) (pgx.Tx, error) {
	return &Tx{db: d}, nil
}

// FailNextCommit makes the next Commit return err without applying anything.
func (d *DB) FailNextCommit(err error) {
	d.mu.Lock()
	d.failNext = err
	d.mu.Unlock()
}

// Tx embeds pgx.Tx so it satisfies the interface; only Begin, Commit and
// Rollback are implemented and the SQL methods panic if called.
type Tx struct {
	pgx.Tx

	db     *DB
	mu     sync.Mutex
	staged []func()
	done   bool
}

// Stage queues fn to run when tx commits.
func Stage(tx pgx.Tx, fn func()) error {
	mt, ok := tx.(*Tx)
	if !ok {
		return ErrForeignTx
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mt.done {
		return ErrTxDone
	}
	mt.staged = append(mt.staged, fn)
	return nil
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("memdb: nested transactions are not supported")
}

func (t *Tx) Commit(context.Context) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return ErrTxDone
	}
	t.done = true
	staged := t.staged
	t.staged = nil
	t.mu.Unlock()

	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	if err := t.db.failNext; err != nil {
		t.db.failNext = nil
		return err
	}
	for _, fn := range staged {
		fn()
	}
	return nil
}

// Rollback discards staged writes. Rolling back a finished transaction is a
// no-op so callers can always defer it, as with pgx.
func (t *Tx) Rollback(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	t.staged = nil
	return nil
}
