// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package web

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorequest/chorequest/internal/auth"
)

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		auth   string
		cookie string
		want   string
	}{
		{"none", "", "", ""},
		{"bearer", "Bearer abc123", "", "abc123"},
		{"bearer case insensitive", "bearer   abc123 ", "", "abc123"},
		{"cookie", "", "fromcookie", "fromcookie"},
		{"bearer wins", "Bearer header", "fromcookie", "header"},
		{"other scheme", "Basic dXNlcg==", "fromcookie", ""},
		{"empty bearer", "Bearer ", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.auth != "" {
				r.Header.Set("Authorization", tt.auth)
			}
			if tt.cookie != "" {
				r.AddCookie(&http.Cookie{Name: CookieName, Value: tt.cookie})
			}
			assert.Equal(t, tt.want, TokenFromRequest(r))
		})
	}
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.5:41000"
	r.Header.Set("X-Forwarded-For", "203.0.113.4, 10.0.0.1")

	assert.Equal(t, "10.0.0.5", clientKey(r, false), "forwarded header ignored without trust")
	assert.Equal(t, "203.0.113.4", clientKey(r, true))

	r.Header.Del("X-Forwarded-For")
	assert.Equal(t, "10.0.0.5", clientKey(r, true))

	r.RemoteAddr = "not-a-hostport"
	assert.Equal(t, "not-a-hostport", clientKey(r, false))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(auth.FailureValidation))
	assert.Equal(t, http.StatusUnauthorized, statusFor(auth.FailureSessionInvalid))
	assert.Equal(t, http.StatusLocked, statusFor(auth.FailureSessionLocked))
	assert.Equal(t, http.StatusInternalServerError, statusFor(auth.FailureInternal))
}

func TestWriteError_InternalHidesCause(t *testing.T) {
	var logs bytes.Buffer
	s := &Server{logger: slog.New(slog.NewTextHandler(&logs, nil))}

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	s.writeError(rec, r, oops.Code("DB_UNREACHABLE").With("host", "db.internal").Errorf("dial tcp 10.0.0.3:5432: refused"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal", body.Error)
	assert.Equal(t, auth.MsgInternal, body.Message)
	assert.NotContains(t, rec.Body.String(), "10.0.0.3")
	assert.Contains(t, logs.String(), "10.0.0.3")
}
