// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"github.com/chorequest/chorequest/internal/auth"
	"github.com/chorequest/chorequest/internal/auth/memory"
	"github.com/chorequest/chorequest/internal/kv"
	"github.com/chorequest/chorequest/internal/sms"
)

// testClock is a manually advanced clock shared by every component under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestHasher returns an argon2id hasher with cheap parameters.
func newTestHasher() *auth.Argon2idHasher {
	return auth.NewArgon2idHasherWithParams(auth.Argon2Params{Time: 1, Memory: 1024, Threads: 1})
}

// captureSender records delivered codes instead of sending them.
type captureSender struct {
	mu    sync.Mutex
	codes map[string][]string
	err   error
}

func newCaptureSender() *captureSender {
	return &captureSender{codes: make(map[string][]string)}
}

func (s *captureSender) SendSMS(_ context.Context, destination, code string) (sms.DeliveryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return sms.DeliveryResult{Success: false, Message: s.err.Error()}, s.err
	}
	s.codes[destination] = append(s.codes[destination], code)
	return sms.DeliveryResult{Success: true, Message: "captured", ProviderID: "cap-1"}, nil
}

func (s *captureSender) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *captureSender) last(t *testing.T, destination string) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := s.codes[destination]
	require.NotEmpty(t, codes, "no code sent to %s", destination)
	return codes[len(codes)-1]
}

func (s *captureSender) count(destination string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.codes[destination])
}

// recordingSink keeps audit events in memory.
type recordingSink struct {
	mu     sync.Mutex
	events []auth.AuditEvent
}

func (r *recordingSink) Record(_ context.Context, e auth.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) all() []auth.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]auth.AuditEvent(nil), r.events...)
}

func (r *recordingSink) lastEvent(t *testing.T) auth.AuditEvent {
	t.Helper()
	events := r.all()
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

// harness wires every auth component over in-memory storage.
type harness struct {
	clock    *testClock
	store    *kv.MemoryStore
	actors   *memory.ActorRepository
	repo     *memory.SessionRepository
	hasher   *auth.Argon2idHasher
	sender   *captureSender
	audit    *recordingSink
	limiter  *auth.LoginLimiter
	otp      *auth.OTPIssuer
	sessions *auth.SessionManager
	verifier *auth.Verifier
	accounts *auth.AccountService
}

type harnessConfig struct {
	rateLimit auth.RateLimitConfig
	otp       auth.OTPConfig
	session   auth.SessionConfig
}

func newHarness(t *testing.T, mutate ...func(*harnessConfig)) *harness {
	t.Helper()
	cfg := harnessConfig{
		rateLimit: auth.DefaultRateLimitConfig(),
		session:   auth.DefaultSessionConfig(),
	}
	for _, m := range mutate {
		m(&cfg)
	}

	h := &harness{
		clock:  newTestClock(),
		actors: memory.NewActorRepository(),
		repo:   memory.NewSessionRepository(),
		hasher: newTestHasher(),
		sender: newCaptureSender(),
		audit:  &recordingSink{},
	}
	h.store = kv.NewMemoryStore(kv.WithClock(h.clock.Now))
	t.Cleanup(h.store.Close)

	opts := []auth.Option{auth.WithClock(h.clock.Now), auth.WithAuditSink(h.audit)}
	h.limiter = auth.NewLoginLimiter(h.store, cfg.rateLimit, opts...)

	var err error
	h.otp, err = auth.NewOTPIssuer(h.store, h.sender, cfg.otp, opts...)
	require.NoError(t, err)

	h.sessions = auth.NewSessionManager(h.repo, cfg.session, opts...)
	h.verifier, err = auth.NewVerifier(auth.VerifierDeps{
		Actors:   h.actors,
		Sessions: h.sessions,
		Limiter:  h.limiter,
		OTP:      h.otp,
		Hasher:   h.hasher,
	}, opts...)
	require.NoError(t, err)

	h.accounts, err = auth.NewAccountService(h.actors, memory.NewTransactor(), h.hasher)
	require.NoError(t, err)
	return h
}

func (h *harness) family(t *testing.T) ulid.ULID {
	t.Helper()
	f, err := h.accounts.CreateFamily(context.Background(), "The Testers")
	require.NoError(t, err)
	return f.ID
}

func (h *harness) child(t *testing.T, familyID ulid.ULID, name, pin string) *auth.Actor {
	t.Helper()
	c, err := h.accounts.CreateChild(context.Background(), familyID, name, pin)
	require.NoError(t, err)
	return c
}

func (h *harness) parent(t *testing.T, familyID ulid.ULID, phone, password string) *auth.Actor {
	t.Helper()
	p, err := h.accounts.CreateParent(context.Background(), familyID, "Parent", phone, password)
	require.NoError(t, err)
	return p
}
