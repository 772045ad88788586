// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/chorequest/chorequest/internal/auth"
)

// CookieName is the session cookie.
const CookieName = "chorequest_session"

const bearerPrefix = "bearer "

type sessionKey struct{}

// TokenFromRequest returns the session token carried by r. A bearer
// Authorization header wins over the cookie.
func TokenFromRequest(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
			return strings.TrimSpace(header[len(bearerPrefix):])
		}
		return ""
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}

// SessionFromContext returns the session stored by RequireSession.
func SessionFromContext(ctx context.Context) (*auth.Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*auth.Session)
	return s, ok && s != nil
}

// RequireSession admits requests that carry a valid, unlocked session.
// Locked sessions get 423 with a PIN reprompt; anything else gets 401.
func (s *Server) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := TokenFromRequest(r)
		if token == "" {
			s.writeError(w, r, oops.Code(auth.CodeSessionInvalid).Errorf("no session token"))
			return
		}

		session, status, err := s.validate(r, token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		switch status {
		case auth.StatusValid:
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
		case auth.StatusLocked:
			s.writeError(w, r, oops.Code(auth.CodeSessionLocked).
				With("session_id", session.ID.String()).
				Errorf("session is locked"))
		default:
			s.writeError(w, r, oops.Code(auth.CodeSessionInvalid).Errorf("session is invalid"))
		}
	})
}

// validate calls the session manager and turns a panic into an internal
// error.
func (s *Server) validate(r *http.Request, token string) (session *auth.Session, status auth.SessionStatus, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			session, status = nil, auth.StatusInvalid
			err = oops.Code(auth.CodeInternal).
				With("operation", "validate session").
				With("panic", fmt.Sprint(rec)).
				Errorf("internal error")
		}
	}()
	return s.sessions.Validate(r.Context(), token)
}

// ClientKey identifies the network origin of r for rate limiting.
func (s *Server) ClientKey(r *http.Request) string {
	return clientKey(r, s.cfg.TrustProxy)
}

func clientKey(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) setSessionCookie(w http.ResponseWriter, r *http.Request, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure || r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure || r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}
