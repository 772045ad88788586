// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/chorequest/chorequest/internal/auth"
	"github.com/chorequest/chorequest/internal/auth/memory"
	"github.com/chorequest/chorequest/pkg/errutil"
)

func TestGenerateSessionToken(t *testing.T) {
	token1, hash1, err := auth.GenerateSessionToken()
	require.NoError(t, err)
	assert.Len(t, token1, 64) // 32 bytes hex-encoded
	assert.Len(t, hash1, 64)  // sha256 hex
	assert.NotEqual(t, token1, hash1)
	assert.Equal(t, hash1, auth.HashSessionToken(token1))

	token2, hash2, err := auth.GenerateSessionToken()
	require.NoError(t, err)
	assert.NotEqual(t, token1, token2)
	assert.NotEqual(t, hash1, hash2)

	assert.True(t, auth.VerifySessionToken(token1, hash1))
	assert.False(t, auth.VerifySessionToken(token2, hash1))
	assert.False(t, auth.VerifySessionToken("", hash1))
	assert.False(t, auth.VerifySessionToken(token1, ""))
}

type sessionFixture struct {
	clock   *testClock
	repo    *memory.SessionRepository
	manager *auth.SessionManager
	audit   *recordingSink
}

func newSessionFixture(cfg auth.SessionConfig) *sessionFixture {
	clock := newTestClock()
	repo := memory.NewSessionRepository()
	sink := &recordingSink{}
	return &sessionFixture{
		clock:   clock,
		repo:    repo,
		audit:   sink,
		manager: auth.NewSessionManager(repo, cfg, auth.WithClock(clock.Now), auth.WithAuditSink(sink)),
	}
}

func testActor(role auth.Role) *auth.Actor {
	family := ulid.Make()
	return &auth.Actor{ID: ulid.Make(), FamilyID: &family, DisplayName: "Sam", Role: role}
}

func TestSessionManager_Create(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(auth.DefaultSessionConfig())

	tests := []struct {
		role     auth.Role
		lifetime time.Duration
		autoLock bool
	}{
		{auth.RoleParent, 24 * time.Hour, false},
		{auth.RoleAdmin, 24 * time.Hour, false},
		{auth.RoleChild, 36 * time.Hour, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			actor := testActor(tt.role)
			meta := auth.SessionMeta{UserAgent: "kiosk", IPAddress: "10.0.0.9"}
			session, token, err := f.manager.Create(ctx, actor, meta)
			require.NoError(t, err)

			now := f.clock.Now()
			assert.Len(t, token, 64)
			assert.Equal(t, auth.HashSessionToken(token), session.TokenHash)
			assert.Equal(t, actor.ID, session.ActorID)
			assert.Equal(t, tt.role, session.Role)
			assert.Equal(t, now.Add(tt.lifetime), session.MaxExpiresAt)
			assert.Equal(t, session.MaxExpiresAt, session.ExpiresAt)
			assert.Equal(t, tt.autoLock, session.AutoLock)
			assert.Equal(t, "kiosk", session.UserAgent)
			assert.Equal(t, "10.0.0.9", session.IPAddress)
			assert.Nil(t, session.LockedAt)
		})
	}

	t.Run("rejects missing actor", func(t *testing.T) {
		_, _, err := f.manager.Create(ctx, nil, auth.SessionMeta{})
		errutil.AssertErrorCode(t, err, "SESSION_INVALID_ACTOR")
	})
}

func TestSessionManager_ValidateAroundLifetime(t *testing.T) {
	ctx := context.Background()
	cfg := auth.DefaultSessionConfig()
	cfg.IdleLock = 72 * time.Hour // keep auto-lock out of the way
	f := newSessionFixture(cfg)

	_, token, err := f.manager.Create(ctx, testActor(auth.RoleParent), auth.SessionMeta{})
	require.NoError(t, err)

	f.clock.Advance(auth.DefaultParentLifetime - time.Second)
	session, status, err := f.manager.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, auth.StatusValid, status)
	assert.Equal(t, f.clock.Now(), session.LastSeenAt)

	f.clock.Advance(2 * time.Second)
	session, status, err = f.manager.Validate(ctx, token)
	assert.Nil(t, session)
	assert.Equal(t, auth.StatusInvalid, status)
	errutil.AssertErrorCode(t, err, auth.CodeSessionExpired)
	assert.Equal(t, 0, f.repo.Len(), "expired session is deleted")
}

func TestSessionManager_ValidateUnknownToken(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(auth.DefaultSessionConfig())

	_, status, err := f.manager.Validate(ctx, "deadbeef")
	assert.Equal(t, auth.StatusInvalid, status)
	errutil.AssertErrorCode(t, err, auth.CodeSessionInvalid)

	_, status, err = f.manager.Validate(ctx, "")
	assert.Equal(t, auth.StatusInvalid, status)
	errutil.AssertErrorCode(t, err, auth.CodeSessionInvalid)
	assert.Equal(t, auth.FailureSessionInvalid, auth.Classify(err))
}

func TestSessionManager_AutoLock(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(auth.DefaultSessionConfig())

	session, token, err := f.manager.Create(ctx, testActor(auth.RoleChild), auth.SessionMeta{})
	require.NoError(t, err)

	t.Run("not before the idle threshold", func(t *testing.T) {
		f.clock.Advance(auth.DefaultIdleLock)
		lock, err := f.manager.ShouldAutoLock(ctx, session.ID)
		require.NoError(t, err)
		assert.False(t, lock)
	})

	t.Run("after the idle threshold", func(t *testing.T) {
		f.clock.Advance(time.Millisecond)
		lock, err := f.manager.ShouldAutoLock(ctx, session.ID)
		require.NoError(t, err)
		assert.True(t, lock)
	})

	t.Run("validate locks the idle session and keeps it", func(t *testing.T) {
		got, status, err := f.manager.Validate(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, auth.StatusLocked, status)
		require.NotNil(t, got.LockedAt)
		assert.Equal(t, 1, f.repo.Len())
		assert.Equal(t, auth.EventAutoLock, f.audit.lastEvent(t).Kind)
	})

	t.Run("polling does not unlock", func(t *testing.T) {
		_, status, err := f.manager.Validate(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, auth.StatusLocked, status)
	})

	t.Run("unlock reactivates the same token", func(t *testing.T) {
		require.NoError(t, f.manager.Unlock(ctx, session.ID))
		_, status, err := f.manager.Validate(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, auth.StatusValid, status)
	})
}

func TestSessionManager_ActivityPostponesAutoLock(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(auth.DefaultSessionConfig())

	session, token, err := f.manager.Create(ctx, testActor(auth.RoleChild), auth.SessionMeta{})
	require.NoError(t, err)

	for range 10 {
		f.clock.Advance(time.Minute)
		_, status, err := f.manager.Validate(ctx, token)
		require.NoError(t, err)
		require.Equal(t, auth.StatusValid, status)
	}
	lock, err := f.manager.ShouldAutoLock(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, lock)
}

func TestSessionManager_ParentSessionsDoNotAutoLock(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(auth.DefaultSessionConfig())

	session, token, err := f.manager.Create(ctx, testActor(auth.RoleParent), auth.SessionMeta{})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	lock, err := f.manager.ShouldAutoLock(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, lock)

	_, status, err := f.manager.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, auth.StatusValid, status)
}

func TestSessionManager_ManualLock(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(auth.DefaultSessionConfig())

	session, token, err := f.manager.Create(ctx, testActor(auth.RoleParent), auth.SessionMeta{})
	require.NoError(t, err)

	require.NoError(t, f.manager.Lock(ctx, session.ID))
	_, status, err := f.manager.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, auth.StatusLocked, status)

	err = f.manager.Lock(ctx, ulid.Make())
	errutil.AssertErrorCode(t, err, auth.CodeSessionInvalid)
}

func TestSessionManager_SlidingExpiry(t *testing.T) {
	ctx := context.Background()
	cfg := auth.DefaultSessionConfig()
	cfg.SlidingWindow = 4 * time.Hour
	f := newSessionFixture(cfg)

	session, token, err := f.manager.Create(ctx, testActor(auth.RoleParent), auth.SessionMeta{})
	require.NoError(t, err)
	start := f.clock.Now()
	assert.Equal(t, start.Add(4*time.Hour), session.ExpiresAt)
	assert.Equal(t, start.Add(24*time.Hour), session.MaxExpiresAt)

	t.Run("no refresh within the interval", func(t *testing.T) {
		f.clock.Advance(30 * time.Minute)
		got, _, err := f.manager.Validate(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, start.Add(4*time.Hour), got.ExpiresAt)
	})

	t.Run("refresh once the interval passed", func(t *testing.T) {
		f.clock.Advance(30 * time.Minute)
		got, _, err := f.manager.Validate(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, f.clock.Now().Add(4*time.Hour), got.ExpiresAt)
	})

	t.Run("never beyond the absolute lifetime", func(t *testing.T) {
		for f.clock.Now().Before(start.Add(23 * time.Hour)) {
			f.clock.Advance(time.Hour)
			_, status, err := f.manager.Validate(ctx, token)
			require.NoError(t, err)
			require.Equal(t, auth.StatusValid, status)
		}
		got, err := f.repo.GetByTokenHash(ctx, auth.HashSessionToken(token))
		require.NoError(t, err)
		assert.Equal(t, start.Add(24*time.Hour), got.ExpiresAt)

		f.clock.Advance(time.Hour)
		_, status, err := f.manager.Validate(ctx, token)
		assert.Equal(t, auth.StatusInvalid, status)
		errutil.AssertErrorCode(t, err, auth.CodeSessionExpired)
	})

	t.Run("idle sessions lapse at the sliding expiry", func(t *testing.T) {
		_, token, err := f.manager.Create(ctx, testActor(auth.RoleParent), auth.SessionMeta{})
		require.NoError(t, err)
		f.clock.Advance(4 * time.Hour)
		_, status, err := f.manager.Validate(ctx, token)
		assert.Equal(t, auth.StatusInvalid, status)
		require.Error(t, err)
	})
}

func TestSessionManager_Revoke(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(auth.DefaultSessionConfig())

	_, token, err := f.manager.Create(ctx, testActor(auth.RoleParent), auth.SessionMeta{})
	require.NoError(t, err)

	require.NoError(t, f.manager.Revoke(ctx, token))
	_, status, err := f.manager.Validate(ctx, token)
	assert.Equal(t, auth.StatusInvalid, status)
	require.Error(t, err)

	t.Run("revoking again is not an error", func(t *testing.T) {
		require.NoError(t, f.manager.Revoke(ctx, token))
		require.NoError(t, f.manager.Revoke(ctx, ""))
	})
}

func TestSessionManager_RevokeActor(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(auth.DefaultSessionConfig())
	actor := testActor(auth.RoleChild)
	other := testActor(auth.RoleChild)

	for range 3 {
		_, _, err := f.manager.Create(ctx, actor, auth.SessionMeta{})
		require.NoError(t, err)
	}
	_, _, err := f.manager.Create(ctx, other, auth.SessionMeta{})
	require.NoError(t, err)

	require.NoError(t, f.manager.RevokeActor(ctx, actor.ID))
	assert.Equal(t, 1, f.repo.Len())
}

func TestSessionManager_Sweep(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(auth.DefaultSessionConfig())

	_, _, err := f.manager.Create(ctx, testActor(auth.RoleParent), auth.SessionMeta{})
	require.NoError(t, err)
	_, _, err = f.manager.Create(ctx, testActor(auth.RoleChild), auth.SessionMeta{})
	require.NoError(t, err)

	f.clock.Advance(30 * time.Hour)
	n, err := f.manager.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, f.repo.Len())
}

func TestSessionManager_RunSweeperStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newSessionFixture(auth.DefaultSessionConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.manager.RunSweeper(ctx, time.Millisecond)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

// brokenSessionRepo fails token lookups the way an unreachable store does.
type brokenSessionRepo struct {
	*memory.SessionRepository
	panics bool
}

func (r *brokenSessionRepo) GetByTokenHash(context.Context, string) (*auth.Session, error) {
	if r.panics {
		panic("nil pool")
	}
	return nil, errors.New("connection refused")
}

func TestSessionManager_ValidateAuditsStoreFailures(t *testing.T) {
	tests := []struct {
		name   string
		panics bool
	}{
		{"store error", false},
		{"panic", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			repo := &brokenSessionRepo{SessionRepository: memory.NewSessionRepository(), panics: tt.panics}
			manager := auth.NewSessionManager(repo, auth.DefaultSessionConfig(), auth.WithAuditSink(sink))

			var (
				session *auth.Session
				status  auth.SessionStatus
				err     error
			)
			require.NotPanics(t, func() {
				session, status, err = manager.Validate(context.Background(), "token")
			})
			require.Error(t, err)
			assert.Nil(t, session)
			assert.Equal(t, auth.StatusInvalid, status)
			assert.Equal(t, auth.FailureInternal, auth.Classify(err))

			events := sink.all()
			require.Len(t, events, 1)
			assert.Equal(t, auth.EventSessionCheck, events[0].Kind)
			assert.Equal(t, auth.OutcomeFailure, events[0].Outcome)
			assert.Equal(t, "internal", events[0].Reason)
			assert.NotEmpty(t, events[0].Code)
		})
	}
}

func TestSessionManager_ValidateDoesNotAuditRejectedTokens(t *testing.T) {
	f := newSessionFixture(auth.DefaultSessionConfig())

	_, status, err := f.manager.Validate(context.Background(), "unknown")
	require.Error(t, err)
	assert.Equal(t, auth.StatusInvalid, status)
	assert.Empty(t, f.audit.all())
}

func TestSessionStatus_String(t *testing.T) {
	assert.Equal(t, "valid", auth.StatusValid.String())
	assert.Equal(t, "locked", auth.StatusLocked.String())
	assert.Equal(t, "invalid", auth.StatusInvalid.String())
}
