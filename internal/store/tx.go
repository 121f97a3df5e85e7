package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/agora/internal/market"
)

// Tx is a store transaction. All writes made through it commit atomically
// together with the events appended through it.
type Tx struct {
	tx       *sql.Tx
	appended []market.Event
}

// Update runs fn in a transaction. If fn returns an error the transaction is
// rolled back and no events are delivered. On commit, appended events are
// passed to the registered append hooks.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback() // No-op if committed

	tx := &Tx{tx: sqlTx}
	if err := fn(tx); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.fireHooks(tx.appended)
	return nil
}

// Appended returns the events appended so far in this transaction.
func (t *Tx) Appended() []market.Event {
	return t.appended
}

// affected returns whether exactly one row was changed.
func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
