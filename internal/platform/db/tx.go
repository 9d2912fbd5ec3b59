package db

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTxKey carries the active pgx.Tx for the current unit of work.
const DBTxKey contextKey = "db_tx"

// Queryable is the subset of pgx shared by pools, connections and
// transactions. Repositories run every statement through it so they join
// whatever transaction the caller opened.
type Queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// TxFromContext returns the transaction stored in ctx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// Conn picks the most specific handle available: the active transaction,
// then the tenant-scoped connection, then the pool.
func Conn(ctx context.Context, pool *pgxpool.Pool) Queryable {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// txHooksKey carries the callbacks deferred until the outermost commit.
const txHooksKey contextKey = "db_tx_hooks"

type commitHooks struct {
	mu  sync.Mutex
	fns []func()
}

// AfterCommit defers fn until the unit of work open in ctx commits. A
// rolled back unit of work drops fn. Outside a unit of work fn runs at once.
func AfterCommit(ctx context.Context, fn func()) {
	h, ok := ctx.Value(txHooksKey).(*commitHooks)
	if !ok {
		fn()
		return
	}
	h.mu.Lock()
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
}

// WithCommitHooks starts collecting AfterCommit callbacks in ctx. TxRunner
// implementations call it for the outermost unit of work and invoke fire
// once the commit has succeeded.
func WithCommitHooks(ctx context.Context) (_ context.Context, fire func()) {
	h := &commitHooks{}
	return context.WithValue(ctx, txHooksKey, h), func() {
		h.mu.Lock()
		fns := h.fns
		h.fns = nil
		h.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	}
}

// TxRunner runs fn as one atomic unit of work.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PGTxRunner opens transactions on the tenant connection when one is
// attached to the context, falling back to the pool for CLI callers.
type PGTxRunner struct {
	pool *pgxpool.Pool
}

func NewTxRunner(pool *pgxpool.Pool) *PGTxRunner {
	return &PGTxRunner{pool: pool}
}

// InTx joins an already open transaction instead of nesting a new one, so
// services can compose each other inside a single commit.
func (r *PGTxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	ctx, fire := WithCommitHooks(ctx)

	var (
		tx  pgx.Tx
		err error
	)
	if conn := ConnFromContext(ctx); conn != nil {
		tx, err = conn.Begin(ctx)
	} else {
		tx, err = r.pool.Begin(ctx)
	}
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, DBTxKey, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	fire()
	return nil
}
