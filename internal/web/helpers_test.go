// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"github.com/chorequest/chorequest/internal/auth"
	"github.com/chorequest/chorequest/internal/auth/memory"
	"github.com/chorequest/chorequest/internal/kv"
	"github.com/chorequest/chorequest/internal/sms"
	"github.com/chorequest/chorequest/internal/web"
)

const remoteAddr = "198.51.100.7:51234"

type testClock struct {
	mu  sync.Mutex
	now time.Time
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

type captureSender struct {
	mu    sync.Mutex
	codes map[string]string
}

func (s *captureSender) SendSMS(_ context.Context, destination, code string) (sms.DeliveryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[destination] = code
	return sms.DeliveryResult{Success: true}, nil
}

func (s *captureSender) code(t *testing.T, destination string) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.codes[destination]
	require.True(t, ok, "no code sent to %s", destination)
	return code
}

func (s *captureSender) sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.codes)
}

type apiHarness struct {
	clock    *testClock
	sender   *captureSender
	accounts *auth.AccountService
	sessions *auth.SessionManager
	server   *web.Server
	handler  http.Handler
}

func newAPI(t *testing.T, cfg web.Config) *apiHarness {
	t.Helper()
	return newAPIWithSessions(t, cfg, memory.NewSessionRepository())
}

// newAPIWithSessions builds the API over the given session repository.
func newAPIWithSessions(t *testing.T, cfg web.Config, sessionRepo auth.SessionRepository) *apiHarness {
	t.Helper()
	h := &apiHarness{
		clock:  &testClock{now: time.Date(2026, 5, 2, 16, 0, 0, 0, time.UTC)},
		sender: &captureSender{codes: make(map[string]string)},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts := []auth.Option{auth.WithClock(h.clock.Now), auth.WithLogger(logger)}

	store := kv.NewMemoryStore(kv.WithClock(h.clock.Now))
	t.Cleanup(store.Close)

	actors := memory.NewActorRepository()
	hasher := auth.NewArgon2idHasherWithParams(auth.Argon2Params{Time: 1, Memory: 1024, Threads: 1})

	otp, err := auth.NewOTPIssuer(store, h.sender, auth.OTPConfig{}, opts...)
	require.NoError(t, err)
	h.sessions = auth.NewSessionManager(sessionRepo, auth.DefaultSessionConfig(), opts...)
	verifier, err := auth.NewVerifier(auth.VerifierDeps{
		Actors:   actors,
		Sessions: h.sessions,
		Limiter:  auth.NewLoginLimiter(store, auth.DefaultRateLimitConfig(), opts...),
		OTP:      otp,
		Hasher:   hasher,
	}, opts...)
	require.NoError(t, err)

	h.accounts, err = auth.NewAccountService(actors, memory.NewTransactor(), hasher, opts...)
	require.NoError(t, err)

	h.server, err = web.NewServer(web.Deps{Verifier: verifier, Sessions: h.sessions, Logger: logger}, cfg)
	require.NoError(t, err)
	h.handler = h.server.Handler()
	return h
}

func (h *apiHarness) family(t *testing.T) ulid.ULID {
	t.Helper()
	f, err := h.accounts.CreateFamily(context.Background(), "The Okafors")
	require.NoError(t, err)
	return f.ID
}

func (h *apiHarness) child(t *testing.T, family ulid.ULID, name, pin string) *auth.Actor {
	t.Helper()
	c, err := h.accounts.CreateChild(context.Background(), family, name, pin)
	require.NoError(t, err)
	return c
}

func (h *apiHarness) parent(t *testing.T, family ulid.ULID, phone, password string) *auth.Actor {
	t.Helper()
	p, err := h.accounts.CreateParent(context.Background(), family, "Ada", phone, password)
	require.NoError(t, err)
	return p
}

type request struct {
	method string
	path   string
	body   any
	token  string // sent as a bearer token
	cookie string // sent as the session cookie
	remote string
	header map[string]string
}

func (h *apiHarness) do(t *testing.T, req request) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader = http.NoBody
	switch b := req.body.(type) {
	case nil:
	case string:
		body = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}

	r := httptest.NewRequest(req.method, req.path, body)
	r.RemoteAddr = remoteAddr
	if req.remote != "" {
		r.RemoteAddr = req.remote
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("User-Agent", "kitchen-tablet")
	if req.token != "" {
		r.Header.Set("Authorization", "Bearer "+req.token)
	}
	if req.cookie != "" {
		r.AddCookie(&http.Cookie{Name: web.CookieName, Value: req.cookie})
	}
	for k, v := range req.header {
		r.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, r)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

type errorBody struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int64  `json:"retry_after_seconds"`
	Status            string `json:"status"`
	Reprompt          string `json:"reprompt"`
}

type loginBody struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Actor     struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Role     string `json:"role"`
		FamilyID string `json:"family_id"`
	} `json:"actor"`
}

type previewBody struct {
	Award   float64 `json:"award"`
	Points  int64   `json:"points"`
	Streak  int     `json:"streak"`
	History *struct {
		Count   int    `json:"count"`
		LastDay string `json:"last_day"`
		Counted bool   `json:"counted"`
	} `json:"history"`
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == web.CookieName {
			return c
		}
	}
	return nil
}

// failingSessionRepo fails token lookups the way an unreachable store does.
type failingSessionRepo struct {
	*memory.SessionRepository
	panics bool
}

func (r *failingSessionRepo) GetByTokenHash(context.Context, string) (*auth.Session, error) {
	if r.panics {
		panic("nil pool")
	}
	return nil, errors.New("connection refused")
}

func pinLogin(family ulid.ULID, pin string) map[string]string {
	return map[string]string{"method": "pin", "family_id": family.String(), "pin": pin}
}
