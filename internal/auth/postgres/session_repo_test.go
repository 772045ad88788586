// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorequest/chorequest/internal/auth"
	"github.com/chorequest/chorequest/internal/auth/postgres"
	"github.com/chorequest/chorequest/pkg/errutil"
)

var sessionCols = []string{
	"id", "actor_id", "role", "token_hash", "user_agent", "ip_address", "auto_lock",
	"created_at", "expires_at", "max_expires_at", "refreshed_at", "last_seen_at", "locked_at",
}

func TestSessionRepository_GetByTokenHash(t *testing.T) {
	ctx := context.Background()
	id, actorID := ulid.Make(), ulid.Make()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	locked := now.Add(time.Minute)

	t.Run("found", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`FROM sessions WHERE token_hash = \$1`).
			WithArgs("hash").
			WillReturnRows(pgxmock.NewRows(sessionCols).AddRow(
				id.String(), actorID.String(), "child", "hash", "tablet", "192.0.2.1", true,
				now, now.Add(36*time.Hour), now.Add(36*time.Hour), now, now, &locked))

		s, err := postgres.NewSessionRepository(mock).GetByTokenHash(ctx, "hash")
		require.NoError(t, err)
		assert.Equal(t, id, s.ID)
		assert.Equal(t, actorID, s.ActorID)
		assert.Equal(t, auth.RoleChild, s.Role)
		assert.True(t, s.AutoLock)
		assert.True(t, s.IsLocked())
		assert.Equal(t, now.Add(36*time.Hour), s.ExpiresAt)
	})

	t.Run("not found", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`FROM sessions WHERE token_hash = \$1`).
			WithArgs("missing").
			WillReturnRows(pgxmock.NewRows(sessionCols))

		_, err := postgres.NewSessionRepository(mock).GetByTokenHash(ctx, "missing")
		assert.ErrorIs(t, err, auth.ErrNotFound)
		errutil.AssertErrorCode(t, err, "SESSION_NOT_FOUND")
	})

	t.Run("query error", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`FROM sessions WHERE token_hash = \$1`).
			WithArgs("hash").
			WillReturnError(errors.New("connection reset"))

		_, err := postgres.NewSessionRepository(mock).GetByTokenHash(ctx, "hash")
		errutil.AssertErrorCode(t, err, "SESSION_GET_FAILED")
		assert.NotErrorIs(t, err, auth.ErrNotFound)
	})
}

func TestSessionRepository_Create(t *testing.T) {
	now := time.Now().UTC()
	s := &auth.Session{
		ID: ulid.Make(), ActorID: ulid.Make(), Role: auth.RoleParent, TokenHash: "hash",
		CreatedAt: now, ExpiresAt: now.Add(time.Hour), MaxExpiresAt: now.Add(24 * time.Hour),
		RefreshedAt: now, LastSeenAt: now,
	}

	mock := newMock(t)
	mock.ExpectExec(`INSERT INTO sessions`).
		WithArgs(s.ID.String(), s.ActorID.String(), "parent", "hash", "", "", false,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, postgres.NewSessionRepository(mock).Create(context.Background(), s))
}

func TestSessionRepository_Updates(t *testing.T) {
	ctx := context.Background()
	id := ulid.Make()
	at := time.Now().UTC()

	tests := []struct {
		name  string
		sql   string
		call  func(*postgres.SessionRepository) error
		extra []any
	}{
		{"touch", `UPDATE sessions SET last_seen_at`, func(r *postgres.SessionRepository) error { return r.Touch(ctx, id, at) }, []any{at}},
		{"refresh", `LEAST\(\$2, max_expires_at\)`, func(r *postgres.SessionRepository) error { return r.Refresh(ctx, id, at, at) }, []any{at, at}},
		{"lock", `COALESCE\(locked_at, \$2\)`, func(r *postgres.SessionRepository) error { return r.Lock(ctx, id, at) }, []any{at}},
		{"unlock", `locked_at = NULL`, func(r *postgres.SessionRepository) error { return r.Unlock(ctx, id, at) }, []any{at}},
		{"delete", `DELETE FROM sessions WHERE id`, func(r *postgres.SessionRepository) error { return r.Delete(ctx, id) }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]any{id.String()}, tt.extra...)

			mock := newMock(t)
			mock.ExpectExec(tt.sql).WithArgs(args...).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			require.NoError(t, tt.call(postgres.NewSessionRepository(mock)))

			missing := newMock(t)
			missing.ExpectExec(tt.sql).WithArgs(args...).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
			err := tt.call(postgres.NewSessionRepository(missing))
			assert.ErrorIs(t, err, auth.ErrNotFound)

			failing := newMock(t)
			failing.ExpectExec(tt.sql).WithArgs(args...).WillReturnError(errors.New("boom"))
			err = tt.call(postgres.NewSessionRepository(failing))
			errutil.AssertErrorCode(t, err, "SESSION_UPDATE_FAILED")
			errutil.AssertErrorContext(t, err, "operation", tt.name)
		})
	}
}

func TestSessionRepository_DeleteExpired(t *testing.T) {
	now := time.Now().UTC()
	mock := newMock(t)
	mock.ExpectExec(`DELETE FROM sessions WHERE expires_at <= \$1`).
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	n, err := postgres.NewSessionRepository(mock).DeleteExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestSessionRepository_DeleteByActorIsIdempotent(t *testing.T) {
	actorID := ulid.Make()
	mock := newMock(t)
	mock.ExpectExec(`DELETE FROM sessions WHERE actor_id = \$1`).
		WithArgs(actorID.String()).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, postgres.NewSessionRepository(mock).DeleteByActor(context.Background(), actorID))
}
