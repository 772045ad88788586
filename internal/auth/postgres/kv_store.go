// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"

	"github.com/chorequest/chorequest/internal/kv"
)

// KVStore implements kv.Store on the kv_entries table so that several
// instances share rate limit counters and one-time codes.
//
// Update serializes on a transaction-scoped advisory lock keyed by the
// entry key, which also covers keys that do not exist yet. Set and Delete
// do not take the lock; writers racing an Update must go through Update.
type KVStore struct {
	pool   Pool
	now    func() time.Time
	logger *slog.Logger
}

// KVOption configures a KVStore.
type KVOption func(*KVStore)

// WithKVClock sets the clock used for expiry.
func WithKVClock(now func() time.Time) KVOption {
	return func(s *KVStore) { s.now = now }
}

// WithKVLogger sets the logger used by the sweeper.
func WithKVLogger(l *slog.Logger) KVOption {
	return func(s *KVStore) { s.logger = l }
}

// NewKVStore creates a KVStore.
func NewKVStore(pool Pool, opts ...KVOption) *KVStore {
	s := &KVStore{pool: pool, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *KVStore) expiry(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := s.now().Add(ttl)
	return &t
}

// Get returns the live value of key.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return s.get(ctx, conn(ctx, s.pool), key)
}

func (s *KVStore) get(ctx context.Context, q querier, key string) ([]byte, bool, error) {
	var value []byte
	err := q.QueryRow(ctx, `
		SELECT value FROM kv_entries
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)
	`, key, s.now()).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, oops.Code("KV_GET_FAILED").With("key", key).Wrap(err)
	}
	return value, true, nil
}

// Set stores value under key. A ttl <= 0 stores without expiry.
func (s *KVStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.put(ctx, conn(ctx, s.pool), key, value, ttl)
}

func (s *KVStore) put(ctx context.Context, q querier, key string, value []byte, ttl time.Duration) error {
	_, err := q.Exec(ctx, `
		INSERT INTO kv_entries (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`, key, value, s.expiry(ttl))
	if err != nil {
		return oops.Code("KV_SET_FAILED").With("key", key).Wrap(err)
	}
	return nil
}

// Delete removes key. Missing keys are not an error.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	return s.delete(ctx, conn(ctx, s.pool), key)
}

func (s *KVStore) delete(ctx context.Context, q querier, key string) error {
	if _, err := q.Exec(ctx, `DELETE FROM kv_entries WHERE key = $1`, key); err != nil {
		return oops.Code("KV_DELETE_FAILED").With("key", key).Wrap(err)
	}
	return nil
}

// Update applies fn to key inside a transaction holding the key's lock.
func (s *KVStore) Update(ctx context.Context, key string, fn kv.UpdateFunc) error {
	if fn == nil {
		return oops.Code("KV_INVALID_UPDATE").Errorf("update function is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return oops.Code("KV_UPDATE_FAILED").With("key", key).With("operation", "begin").Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "kv:"+key); err != nil {
		return oops.Code("KV_UPDATE_FAILED").With("key", key).With("operation", "lock").Wrap(err)
	}
	current, found, err := s.get(ctx, tx, key)
	if err != nil {
		return err
	}

	m, err := fn(current, found)
	if err != nil {
		return err
	}
	switch m.Op {
	case kv.OpKeep:
		return nil
	case kv.OpPut:
		err = s.put(ctx, tx, key, m.Value, m.TTL)
	case kv.OpDelete:
		err = s.delete(ctx, tx, key)
	default:
		return oops.Code("KV_INVALID_UPDATE").With("op", int(m.Op)).Errorf("unknown update operation")
	}
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return oops.Code("KV_UPDATE_FAILED").With("key", key).With("operation", "commit").Wrap(err)
	}
	return nil
}

// Sweep deletes expired entries and returns how many were removed.
func (s *KVStore) Sweep(ctx context.Context) (int64, error) {
	result, err := s.pool.Exec(ctx, `DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= $1`, s.now())
	if err != nil {
		return 0, oops.Code("KV_SWEEP_FAILED").Wrap(err)
	}
	return result.RowsAffected(), nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *KVStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				s.logger.WarnContext(ctx, "kv sweep failed", "error", err)
			} else if n > 0 {
				s.logger.DebugContext(ctx, "kv entries swept", "removed", n)
			}
		}
	}
}

var _ kv.Store = (*KVStore)(nil)
