// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package memory

import (
	"context"
	"sync"

	"github.com/chorequest/chorequest/internal/auth"
)

// Transactor serializes transactions with one mutex. There is no rollback:
// the in-memory repositories apply writes immediately.
type Transactor struct {
	mu sync.Mutex
}

// Compile-time interface check.
var _ auth.Transactor = (*Transactor)(nil)

// NewTransactor creates a Transactor.
func NewTransactor() *Transactor {
	return &Transactor{}
}

// InTransaction runs fn while holding the transaction lock.
func (t *Transactor) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(ctx)
}
