// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/chorequest/chorequest/pkg/errutil"
)

// Session defaults.
const (
	SessionTokenBytes = 32 // 32 bytes = 64 hex chars

	DefaultParentLifetime  = 24 * time.Hour
	DefaultChildLifetime   = 36 * time.Hour
	DefaultRefreshInterval = time.Hour
	DefaultIdleLock        = 2 * time.Minute
	DefaultSweepInterval   = 15 * time.Minute
)

// SessionStatus is the result of presenting a token.
type SessionStatus int

// Session statuses.
const (
	// StatusInvalid means the token is unknown, expired or revoked. The
	// client must log in again.
	StatusInvalid SessionStatus = iota
	// StatusValid means the request is authenticated.
	StatusValid
	// StatusLocked means the session exists but the PIN must be entered
	// again. The token stays the same.
	StatusLocked
)

func (s SessionStatus) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusLocked:
		return "locked"
	default:
		return "invalid"
	}
}

// Session is an authenticated device.
type Session struct {
	ID        ulid.ULID
	ActorID   ulid.ULID
	Role      Role
	TokenHash string
	UserAgent string
	IPAddress string
	// AutoLock locks the session after IdleLock without activity. Set for
	// children, who share kiosk devices.
	AutoLock     bool
	CreatedAt    time.Time
	ExpiresAt    time.Time // sliding expiry, never after MaxExpiresAt
	MaxExpiresAt time.Time // absolute expiry
	RefreshedAt  time.Time // last time ExpiresAt moved
	LastSeenAt   time.Time // last recorded activity
	LockedAt     *time.Time
}

// IsExpiredAt returns true if the session is no longer valid at t.
func (s *Session) IsExpiredAt(t time.Time) bool {
	return !t.Before(s.ExpiresAt)
}

// IsLocked returns true if the session needs the PIN again.
func (s *Session) IsLocked() bool {
	return s.LockedAt != nil
}

// SessionMeta describes the client a session is issued to.
type SessionMeta struct {
	UserAgent string
	IPAddress string
}

// SessionConfig is the session lifetime policy.
type SessionConfig struct {
	// ParentLifetime is the absolute lifetime of parent and admin sessions.
	ParentLifetime time.Duration
	// ChildLifetime is the absolute lifetime of child sessions.
	ChildLifetime time.Duration
	// SlidingWindow, when positive, makes ExpiresAt trail activity by this
	// much, refreshed at most every RefreshInterval and capped by the
	// absolute lifetime. Zero means absolute expiry only.
	SlidingWindow   time.Duration
	RefreshInterval time.Duration
	// IdleLock is the inactivity after which AutoLock sessions lock.
	IdleLock time.Duration
}

// DefaultSessionConfig returns the default lifetime policy.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ParentLifetime:  DefaultParentLifetime,
		ChildLifetime:   DefaultChildLifetime,
		RefreshInterval: DefaultRefreshInterval,
		IdleLock:        DefaultIdleLock,
	}
}

func (c SessionConfig) withDefaults() SessionConfig {
	d := DefaultSessionConfig()
	if c.ParentLifetime <= 0 {
		c.ParentLifetime = d.ParentLifetime
	}
	if c.ChildLifetime <= 0 {
		c.ChildLifetime = d.ChildLifetime
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = d.RefreshInterval
	}
	if c.IdleLock <= 0 {
		c.IdleLock = d.IdleLock
	}
	if c.SlidingWindow < 0 {
		c.SlidingWindow = 0
	}
	return c
}

// Lifetime returns the absolute session lifetime for role.
func (c SessionConfig) Lifetime(role Role) time.Duration {
	if role == RoleChild {
		return c.ChildLifetime
	}
	return c.ParentLifetime
}

// GenerateSessionToken creates a secure random token and its hash.
// Returns (plaintext_token, sha256_hash, error).
// The plaintext token is sent to the client; the hash is stored.
func GenerateSessionToken() (token, hash string, err error) {
	tokenBytes := make([]byte, SessionTokenBytes)
	if _, err = rand.Read(tokenBytes); err != nil {
		return "", "", oops.Code("SESSION_TOKEN_GENERATE_FAILED").
			With("operation", "crypto/rand.Read").
			With("requested_bytes", SessionTokenBytes).
			Wrap(err)
	}

	token = hex.EncodeToString(tokenBytes)
	return token, HashSessionToken(token), nil
}

// HashSessionToken computes the SHA256 hash of a session token.
func HashSessionToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// VerifySessionToken checks if the plaintext token matches the stored hash
// in constant time.
func VerifySessionToken(token, hash string) bool {
	if token == "" || hash == "" {
		return false
	}
	computed := HashSessionToken(token)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}

// SessionRepository manages session persistence.
type SessionRepository interface {
	// Create stores a new session.
	Create(ctx context.Context, session *Session) error

	// GetByID retrieves a session by its ID.
	GetByID(ctx context.Context, id ulid.ULID) (*Session, error)

	// GetByTokenHash retrieves a session by its token hash.
	GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error)

	// Touch records activity on a session.
	Touch(ctx context.Context, id ulid.ULID, lastSeen time.Time) error

	// Refresh moves a session's sliding expiry.
	Refresh(ctx context.Context, id ulid.ULID, expiresAt, refreshedAt time.Time) error

	// Lock marks a session as needing re-authentication.
	Lock(ctx context.Context, id ulid.ULID, at time.Time) error

	// Unlock clears the lock and records activity at the same time.
	Unlock(ctx context.Context, id ulid.ULID, at time.Time) error

	// Delete removes a session by ID.
	Delete(ctx context.Context, id ulid.ULID) error

	// DeleteByActor removes all sessions of an actor.
	DeleteByActor(ctx context.Context, actorID ulid.ULID) error

	// DeleteExpired removes sessions expired at now and returns how many.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// SessionManager issues and validates sessions.
//
// Expiry policy: every session has an absolute MaxExpiresAt fixed at
// creation. With a SlidingWindow configured, ExpiresAt trails activity and
// is moved at most once per RefreshInterval, never past MaxExpiresAt.
// Without one, ExpiresAt equals MaxExpiresAt.
type SessionManager struct {
	repo SessionRepository
	cfg  SessionConfig
	opts options
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(repo SessionRepository, cfg SessionConfig, opts ...Option) *SessionManager {
	return &SessionManager{repo: repo, cfg: cfg.withDefaults(), opts: buildOptions(opts)}
}

// Config returns the effective policy.
func (m *SessionManager) Config() SessionConfig {
	return m.cfg
}

// Create issues a session for actor and returns it with its plaintext token.
func (m *SessionManager) Create(ctx context.Context, actor *Actor, meta SessionMeta) (*Session, string, error) {
	if actor == nil || actor.ID.IsZero() {
		return nil, "", oops.Code("SESSION_INVALID_ACTOR").Errorf("actor is required")
	}

	token, tokenHash, err := GenerateSessionToken()
	if err != nil {
		return nil, "", err
	}

	now := m.opts.now()
	maxExpiry := now.Add(m.cfg.Lifetime(actor.Role))
	expiry := maxExpiry
	if m.cfg.SlidingWindow > 0 {
		expiry = earliest(now.Add(m.cfg.SlidingWindow), maxExpiry)
	}

	session := &Session{
		ID:           ulid.Make(),
		ActorID:      actor.ID,
		Role:         actor.Role,
		TokenHash:    tokenHash,
		UserAgent:    meta.UserAgent,
		IPAddress:    meta.IPAddress,
		AutoLock:     actor.Role == RoleChild,
		CreatedAt:    now,
		ExpiresAt:    expiry,
		MaxExpiresAt: maxExpiry,
		RefreshedAt:  now,
		LastSeenAt:   now,
	}
	if err := m.repo.Create(ctx, session); err != nil {
		return nil, "", oops.Code("SESSION_CREATE_FAILED").
			With("actor_id", actor.ID.String()).
			Wrap(err)
	}
	m.opts.metrics.sessionCreated(actor.Role)
	return session, token, nil
}

// Lookup returns the unexpired session for token without recording
// activity or applying the auto-lock.
func (m *SessionManager) Lookup(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, oops.Code(CodeSessionInvalid).Errorf("session token cannot be empty")
	}
	session, err := m.repo.GetByTokenHash(ctx, HashSessionToken(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code(CodeSessionInvalid).Errorf("invalid session token")
		}
		return nil, oops.Code("SESSION_VALIDATE_FAILED").
			With("operation", "get session by token hash").
			Wrap(err)
	}
	if session.IsExpiredAt(m.opts.now()) {
		if err := m.repo.Delete(ctx, session.ID); err != nil && !errors.Is(err, ErrNotFound) {
			m.opts.logger.WarnContext(ctx, "failed to delete expired session",
				"session_id", session.ID.String(), "error", err)
		}
		return nil, oops.Code(CodeSessionExpired).
			With("session_id", session.ID.String()).
			Errorf("session has expired")
	}
	return session, nil
}

// Validate checks token and reports the session's status.
//
// Invalid sessions come back with an error explaining why. A session that
// has sat idle past the threshold is locked here and reported Locked; the
// error is nil for Locked and Valid. Valid sessions have their activity
// recorded and, when sliding expiry is on, their expiry moved.
//
// Store failures and panics come back as internal errors and are audited.
func (m *SessionManager) Validate(ctx context.Context, token string) (_ *Session, _ SessionStatus, err error) {
	defer m.finishValidate(ctx, &err)

	session, err := m.Lookup(ctx, token)
	if err != nil {
		return nil, StatusInvalid, err
	}
	if session.IsLocked() {
		return session, StatusLocked, nil
	}

	now := m.opts.now()
	if m.shouldAutoLockAt(session, now) {
		if err := m.repo.Lock(ctx, session.ID, now); err != nil {
			// Still reported locked: an idle kiosk must not stay usable
			// because the write failed.
			m.opts.logger.ErrorContext(ctx, "failed to persist session auto-lock",
				"session_id", session.ID.String(), "error", err)
		}
		session.LockedAt = &now
		m.opts.metrics.sessionLocked()
		m.opts.audit.Record(ctx, AuditEvent{
			ID:         ulid.Make(),
			Kind:       EventAutoLock,
			ActorID:    &session.ActorID,
			Outcome:    OutcomeSuccess,
			OccurredAt: now,
		})
		return session, StatusLocked, nil
	}

	if err := m.repo.Touch(ctx, session.ID, now); err != nil {
		m.opts.logger.WarnContext(ctx, "failed to record session activity",
			"session_id", session.ID.String(), "error", err)
	} else {
		session.LastSeenAt = now
	}

	if next, ok := m.nextExpiry(session, now); ok {
		if err := m.repo.Refresh(ctx, session.ID, next, now); err != nil {
			m.opts.logger.WarnContext(ctx, "failed to refresh session expiry",
				"session_id", session.ID.String(), "error", err)
		} else {
			session.ExpiresAt = next
			session.RefreshedAt = now
		}
	}
	return session, StatusValid, nil
}

// finishValidate is deferred by Validate. It turns panics into internal
// errors and audits internal failures.
func (m *SessionManager) finishValidate(ctx context.Context, errp *error) {
	if r := recover(); r != nil {
		*errp = panicError(string(EventSessionCheck), r)
	}
	err := *errp
	if Classify(err) != FailureInternal {
		return
	}
	errutil.LogErrorContext(ctx, m.opts.logger, "session validation failed", err)
	m.opts.audit.Record(ctx, AuditEvent{
		ID:         ulid.Make(),
		Kind:       EventSessionCheck,
		Outcome:    OutcomeFailure,
		Reason:     FailureInternal.String(),
		Code:       errutil.Code(err),
		OccurredAt: m.opts.now(),
	})
}

// nextExpiry returns the slid expiry when a refresh is due.
func (m *SessionManager) nextExpiry(s *Session, now time.Time) (time.Time, bool) {
	if m.cfg.SlidingWindow <= 0 || now.Sub(s.RefreshedAt) < m.cfg.RefreshInterval {
		return time.Time{}, false
	}
	next := earliest(now.Add(m.cfg.SlidingWindow), s.MaxExpiresAt)
	if !next.After(s.ExpiresAt) {
		return time.Time{}, false
	}
	return next, true
}

// ShouldAutoLock reports whether the session has been idle longer than
// the threshold. Only AutoLock sessions ever do.
func (m *SessionManager) ShouldAutoLock(ctx context.Context, sessionID ulid.ULID) (bool, error) {
	session, err := m.get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return m.shouldAutoLockAt(session, m.opts.now()), nil
}

// ShouldAutoLockAt is ShouldAutoLock for a session already in hand.
func (m *SessionManager) ShouldAutoLockAt(s *Session, now time.Time) bool {
	return m.shouldAutoLockAt(s, now)
}

func (m *SessionManager) shouldAutoLockAt(s *Session, now time.Time) bool {
	return s.AutoLock && now.Sub(s.LastSeenAt) > m.cfg.IdleLock
}

// Lock marks a session as needing the PIN again. The row and token stay.
func (m *SessionManager) Lock(ctx context.Context, sessionID ulid.ULID) error {
	if err := m.repo.Lock(ctx, sessionID, m.opts.now()); err != nil {
		return m.sessionError(err, "lock", sessionID)
	}
	return nil
}

// Unlock reactivates a locked session and records activity so it does not
// lock again straight away. Callers must have re-authenticated the owner.
func (m *SessionManager) Unlock(ctx context.Context, sessionID ulid.ULID) error {
	if err := m.repo.Unlock(ctx, sessionID, m.opts.now()); err != nil {
		return m.sessionError(err, "unlock", sessionID)
	}
	return nil
}

// Revoke deletes the session for token. Revoking an unknown token is not
// an error; the client discards its token either way.
func (m *SessionManager) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	session, err := m.repo.GetByTokenHash(ctx, HashSessionToken(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return oops.Code("SESSION_REVOKE_FAILED").
			With("operation", "get session by token hash").
			Wrap(err)
	}
	if err := m.repo.Delete(ctx, session.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return oops.Code("SESSION_REVOKE_FAILED").
			With("session_id", session.ID.String()).
			Wrap(err)
	}
	return nil
}

// RevokeActor deletes every session of an actor.
func (m *SessionManager) RevokeActor(ctx context.Context, actorID ulid.ULID) error {
	if err := m.repo.DeleteByActor(ctx, actorID); err != nil {
		return oops.Code("SESSION_REVOKE_FAILED").
			With("actor_id", actorID.String()).
			Wrap(err)
	}
	return nil
}

// Sweep deletes expired sessions and returns how many were removed.
func (m *SessionManager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.repo.DeleteExpired(ctx, m.opts.now())
	if err != nil {
		return 0, oops.Code("SESSION_SWEEP_FAILED").Wrap(err)
	}
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *SessionManager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Sweep(ctx)
			if err != nil {
				if ctx.Err() == nil {
					m.opts.logger.WarnContext(ctx, "session sweep failed", "error", err)
				}
				continue
			}
			if n > 0 {
				m.opts.logger.DebugContext(ctx, "swept expired sessions", "count", n)
			}
		}
	}
}

func (m *SessionManager) get(ctx context.Context, id ulid.ULID) (*Session, error) {
	session, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, m.sessionError(err, "get", id)
	}
	return session, nil
}

func (m *SessionManager) sessionError(err error, operation string, id ulid.ULID) error {
	if errors.Is(err, ErrNotFound) {
		return oops.Code(CodeSessionInvalid).
			With("session_id", id.String()).
			Errorf("session not found")
	}
	return oops.Code("SESSION_UPDATE_FAILED").
		With("operation", operation).
		With("session_id", id.String()).
		Wrap(err)
}

func earliest(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
