// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

// Package web exposes the auth core and the points preview over a JSON HTTP
// API.
//
// Every authenticated route goes through RequireSession, which reads the
// token with TokenFromRequest. Failures are rendered by writeError from the
// auth failure taxonomy, so internal details never reach the client.
package web

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/samber/oops"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/chorequest/chorequest/internal/auth"
	"github.com/chorequest/chorequest/internal/observability"
)

// DefaultMaxBodyBytes bounds request bodies.
const DefaultMaxBodyBytes = 64 << 10

// Config controls HTTP-specific behaviour.
type Config struct {
	// TrustProxy takes the client key from the first X-Forwarded-For hop.
	// Enable only behind a proxy that overwrites the header.
	TrustProxy bool

	// CookieSecure forces the Secure cookie attribute. It is also set for
	// requests that arrive over TLS.
	CookieSecure bool

	MaxBodyBytes int64
}

// Deps are the services the API calls.
type Deps struct {
	Verifier *auth.Verifier
	Sessions *auth.SessionManager
	Logger   *slog.Logger
	// Metrics is optional.
	Metrics *observability.Metrics
}

// Server routes API requests.
type Server struct {
	verifier *auth.Verifier
	sessions *auth.SessionManager
	logger   *slog.Logger
	metrics  *observability.Metrics
	cfg      Config
}

// NewServer creates the API server.
func NewServer(deps Deps, cfg Config) (*Server, error) {
	if deps.Verifier == nil {
		return nil, oops.Code("WEB_INVALID_CONFIG").Errorf("verifier is required")
	}
	if deps.Sessions == nil {
		return nil, oops.Code("WEB_INVALID_CONFIG").Errorf("session manager is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Server{
		verifier: deps.Verifier,
		sessions: deps.Sessions,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		cfg:      cfg,
	}, nil
}

// Handler returns the routed, instrumented API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/auth/login", s.route("login", s.handleLogin))
	mux.Handle("POST /api/auth/otp", s.route("otp", s.handleRequestOTP))
	mux.Handle("POST /api/auth/unlock", s.route("unlock", s.handleUnlock))
	mux.Handle("POST /api/auth/logout", s.route("logout", s.handleLogout))
	mux.Handle("GET /api/auth/session", s.route("session", s.RequireSession(http.HandlerFunc(s.handleSession)).ServeHTTP))
	mux.Handle("POST /api/points/preview", s.route("points_preview", s.RequireSession(http.HandlerFunc(s.handlePointsPreview)).ServeHTTP))

	return otelhttp.NewHandler(securityHeaders(mux), "chorequest.api")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// route records latency and status for one named route and logs the request.
func (s *Server) route(name string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		h(sw, r)
		elapsed := time.Since(start)

		if s.metrics != nil {
			s.metrics.RequestsTotal.WithLabelValues(name, strconv.Itoa(sw.code)).Inc()
			s.metrics.RequestDuration.WithLabelValues(name).Observe(elapsed.Seconds())
		}
		s.logger.DebugContext(r.Context(), "http request",
			"route", name,
			"method", r.Method,
			"status", sw.code,
			"duration", elapsed)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
