// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/chorequest/chorequest/internal/auth"
)

const sessionColumns = `id, actor_id, role, token_hash, user_agent, ip_address, auto_lock,
	created_at, expires_at, max_expires_at, refreshed_at, last_seen_at, locked_at`

// SessionRepository implements auth.SessionRepository using PostgreSQL.
type SessionRepository struct {
	pool Pool
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(pool Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// Create stores a new session.
func (r *SessionRepository) Create(ctx context.Context, s *auth.Session) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		s.ID.String(),
		s.ActorID.String(),
		string(s.Role),
		s.TokenHash,
		s.UserAgent,
		s.IPAddress,
		s.AutoLock,
		s.CreatedAt,
		s.ExpiresAt,
		s.MaxExpiresAt,
		s.RefreshedAt,
		s.LastSeenAt,
		s.LockedAt,
	)
	if err != nil {
		return oops.Code("SESSION_CREATE_FAILED").
			With("operation", "insert session").
			With("actor_id", s.ActorID.String()).
			Wrap(err)
	}
	return nil
}

// GetByID retrieves a session by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.Session, error) {
	row := conn(ctx, r.pool).QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id.String())
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, oops.Code("SESSION_GET_FAILED").With("id", id.String()).Wrap(err)
	}
	return s, nil
}

// GetByTokenHash retrieves a session by its token hash.
func (r *SessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*auth.Session, error) {
	row := conn(ctx, r.pool).QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE token_hash = $1`, tokenHash)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("SESSION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("SESSION_GET_FAILED").With("operation", "get session by token hash").Wrap(err)
	}
	return s, nil
}

// Touch records activity on a session.
func (r *SessionRepository) Touch(ctx context.Context, id ulid.ULID, lastSeen time.Time) error {
	return r.update(ctx, id, "touch", `UPDATE sessions SET last_seen_at = $2 WHERE id = $1`, lastSeen)
}

// Refresh slides the expiry forward. The stored expiry never passes
// max_expires_at.
func (r *SessionRepository) Refresh(ctx context.Context, id ulid.ULID, expiresAt, refreshedAt time.Time) error {
	return r.update(ctx, id, "refresh", `
		UPDATE sessions SET expires_at = LEAST($2, max_expires_at), refreshed_at = $3
		WHERE id = $1
	`, expiresAt, refreshedAt)
}

// Lock marks a session locked. An existing lock time is kept.
func (r *SessionRepository) Lock(ctx context.Context, id ulid.ULID, at time.Time) error {
	return r.update(ctx, id, "lock", `UPDATE sessions SET locked_at = COALESCE(locked_at, $2) WHERE id = $1`, at)
}

// Unlock clears the lock and records at as the latest activity.
func (r *SessionRepository) Unlock(ctx context.Context, id ulid.ULID, at time.Time) error {
	return r.update(ctx, id, "unlock", `UPDATE sessions SET locked_at = NULL, last_seen_at = $2 WHERE id = $1`, at)
}

// Delete removes a session by ID.
func (r *SessionRepository) Delete(ctx context.Context, id ulid.ULID) error {
	return r.update(ctx, id, "delete", `DELETE FROM sessions WHERE id = $1`)
}

// DeleteByActor removes every session of an actor. Deleting nothing is not
// an error.
func (r *SessionRepository) DeleteByActor(ctx context.Context, actorID ulid.ULID) error {
	if _, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM sessions WHERE actor_id = $1`, actorID.String()); err != nil {
		return oops.Code("SESSION_DELETE_FAILED").
			With("operation", "delete sessions by actor").
			With("actor_id", actorID.String()).
			Wrap(err)
	}
	return nil
}

// DeleteExpired removes sessions whose expiry is at or before now and
// returns how many were removed.
func (r *SessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, oops.Code("SESSION_DELETE_FAILED").
			With("operation", "delete expired sessions").
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

func (r *SessionRepository) update(ctx context.Context, id ulid.ULID, operation, sql string, args ...any) error {
	result, err := conn(ctx, r.pool).Exec(ctx, sql, append([]any{id.String()}, args...)...)
	if err != nil {
		return oops.Code("SESSION_UPDATE_FAILED").
			With("operation", operation).
			With("id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return notFound(id)
	}
	return nil
}

func notFound(id ulid.ULID) error {
	return oops.Code("SESSION_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
}

// scanSession reads one session row. pgx.ErrNoRows is returned unchanged.
func scanSession(row pgx.Row) (*auth.Session, error) {
	var (
		idStr, actorIDStr, role string
		s                       auth.Session
	)
	err := row.Scan(&idStr, &actorIDStr, &role, &s.TokenHash, &s.UserAgent, &s.IPAddress, &s.AutoLock,
		&s.CreatedAt, &s.ExpiresAt, &s.MaxExpiresAt, &s.RefreshedAt, &s.LastSeenAt, &s.LockedAt)
	if err != nil {
		return nil, err //nolint:wrapcheck // callers add context
	}
	if s.ID, err = ulid.Parse(idStr); err != nil {
		return nil, oops.Code("SESSION_INVALID_ID").With("id", idStr).Wrap(err)
	}
	if s.ActorID, err = ulid.Parse(actorIDStr); err != nil {
		return nil, oops.Code("SESSION_INVALID_ACTOR_ID").With("actor_id", actorIDStr).Wrap(err)
	}
	s.Role = auth.Role(role)
	return &s, nil
}

var _ auth.SessionRepository = (*SessionRepository)(nil)
