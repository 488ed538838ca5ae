// Package postgres is the PostgreSQL storage backend.
//
// Repositories read the active transaction from the context (see
// pkg/platform/tx), so the same Repos value serves autocommit calls and
// RunInTx callbacks. Multi-row locks are always taken in id order.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"cardvault/internal/storage"
	dErrors "cardvault/pkg/domain-errors"
	txcontext "cardvault/pkg/platform/tx"
)

//go:embed schema.sql
var schema string

const defaultTxTimeout = 5 * time.Second

const uniqueViolation = "23505"

// Backend implements storage.Backend on a *sql.DB opened with lib/pq.
type Backend struct {
	db      *sql.DB
	timeout time.Duration
}

type Option func(*Backend)

// WithTxTimeout bounds transactions whose context carries no deadline.
func WithTxTimeout(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.timeout = d
		}
	}
}

func New(db *sql.DB, opts ...Option) *Backend {
	b := &Backend{db: db, timeout: defaultTxTimeout}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Migrate creates the schema if it does not exist yet.
func (b *Backend) Migrate(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (b *Backend) conn(ctx context.Context) txcontext.Querier {
	return txcontext.Conn(ctx, b.db)
}

func (b *Backend) Repos() storage.Repos {
	return storage.Repos{
		Definitions:  &definitionStore{b},
		Instances:    &instanceStore{b},
		MintCounters: &mintCounterStore{b},
		Wallets:      &walletStore{b},
		Listings:     &listingStore{b},
		Trades:       &tradeStore{b},
	}
}

// RunInTx runs fn in a READ COMMITTED transaction. Consistency comes from row
// locks and guarded updates inside the repositories. A nested call joins the
// outer transaction.
func (b *Backend) RunInTx(ctx context.Context, fn func(ctx context.Context, r storage.Repos) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, ok := txcontext.From(ctx); ok {
		return fn(ctx, b.Repos())
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(txcontext.WithTx(ctx, tx), b.Repos()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction timed out")
		}
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

var _ storage.Backend = (*Backend)(nil)

const foreignKeyViolation = "23503"

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation
}
