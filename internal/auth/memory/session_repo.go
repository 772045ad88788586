// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/chorequest/chorequest/internal/auth"
)

// SessionRepository is an in-memory auth.SessionRepository.
type SessionRepository struct {
	mu       sync.RWMutex
	sessions map[ulid.ULID]*auth.Session
	byToken  map[string]ulid.ULID
}

// Compile-time interface check.
var _ auth.SessionRepository = (*SessionRepository)(nil)

// NewSessionRepository creates an empty SessionRepository.
func NewSessionRepository() *SessionRepository {
	return &SessionRepository{
		sessions: make(map[ulid.ULID]*auth.Session),
		byToken:  make(map[string]ulid.ULID),
	}
}

// Create stores a session.
func (r *SessionRepository) Create(_ context.Context, session *auth.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byToken[session.TokenHash]; dup {
		return oops.Code("SESSION_CREATE_FAILED").Errorf("duplicate token hash")
	}
	r.sessions[session.ID] = cloneSession(session)
	r.byToken[session.TokenHash] = session.ID
	return nil
}

// GetByID retrieves a session by ID.
func (r *SessionRepository) GetByID(_ context.Context, id ulid.ULID) (*auth.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, notFound(id)
	}
	return cloneSession(s), nil
}

// GetByTokenHash retrieves a session by token hash.
func (r *SessionRepository) GetByTokenHash(_ context.Context, tokenHash string) (*auth.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byToken[tokenHash]
	if !ok {
		return nil, oops.Code("SESSION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	return cloneSession(r.sessions[id]), nil
}

// Touch records activity.
func (r *SessionRepository) Touch(_ context.Context, id ulid.ULID, lastSeen time.Time) error {
	return r.update(id, func(s *auth.Session) { s.LastSeenAt = lastSeen })
}

// Refresh moves the sliding expiry.
func (r *SessionRepository) Refresh(_ context.Context, id ulid.ULID, expiresAt, refreshedAt time.Time) error {
	return r.update(id, func(s *auth.Session) {
		s.ExpiresAt = expiresAt
		s.RefreshedAt = refreshedAt
	})
}

// Lock marks the session locked.
func (r *SessionRepository) Lock(_ context.Context, id ulid.ULID, at time.Time) error {
	return r.update(id, func(s *auth.Session) { s.LockedAt = &at })
}

// Unlock clears the lock and records activity.
func (r *SessionRepository) Unlock(_ context.Context, id ulid.ULID, at time.Time) error {
	return r.update(id, func(s *auth.Session) {
		s.LockedAt = nil
		s.LastSeenAt = at
	})
}

// Delete removes a session.
func (r *SessionRepository) Delete(_ context.Context, id ulid.ULID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return notFound(id)
	}
	delete(r.byToken, s.TokenHash)
	delete(r.sessions, id)
	return nil
}

// DeleteByActor removes every session of an actor.
func (r *SessionRepository) DeleteByActor(_ context.Context, actorID ulid.ULID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		if s.ActorID == actorID {
			delete(r.byToken, s.TokenHash)
			delete(r.sessions, id)
		}
	}
	return nil
}

// DeleteExpired removes sessions expired at now.
func (r *SessionRepository) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.sessions {
		if s.IsExpiredAt(now) {
			delete(r.byToken, s.TokenHash)
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored sessions.
func (r *SessionRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *SessionRepository) update(id ulid.ULID, fn func(*auth.Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return notFound(id)
	}
	fn(s)
	return nil
}

func notFound(id ulid.ULID) error {
	return oops.Code("SESSION_NOT_FOUND").With("session_id", id.String()).Wrap(auth.ErrNotFound)
}

func cloneSession(s *auth.Session) *auth.Session {
	c := *s
	if s.LockedAt != nil {
		t := *s.LockedAt
		c.LockedAt = &t
	}
	return &c
}
