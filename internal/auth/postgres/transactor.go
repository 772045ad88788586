// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package postgres

import (
	"context"

	"github.com/samber/oops"

	"github.com/chorequest/chorequest/internal/auth"
)

// Transactor implements auth.Transactor. The active pgx.Tx travels in the
// context so repository calls made with that context join it.
type Transactor struct {
	pool Pool
}

// NewTransactor creates a Transactor backed by pool.
func NewTransactor(pool Pool) *Transactor {
	return &Transactor{pool: pool}
}

// InTransaction runs fn in a transaction, committing when fn returns nil.
// A context that already carries a transaction is reused as is.
func (t *Transactor) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTx(ctx) {
		return fn(ctx)
	}
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return oops.Code("TX_BEGIN_FAILED").Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return oops.Code("TX_COMMIT_FAILED").Wrap(err)
	}
	return nil
}

var _ auth.Transactor = (*Transactor)(nil)
