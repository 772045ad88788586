// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package web

import (
	"encoding/json"
	"net/http"
	"time"
	_ "time/tzdata" // family time zones resolve without a system zoneinfo

	"github.com/oklog/ulid/v2"

	"github.com/chorequest/chorequest/internal/auth"
	"github.com/chorequest/chorequest/internal/streak"
)

type loginRequest struct {
	Method   string `json:"method"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
	Code     string `json:"code"`
	FamilyID string `json:"family_id"`
	PIN      string `json:"pin"`
}

type actorView struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Role     string  `json:"role"`
	FamilyID *string `json:"family_id,omitempty"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Actor     actorView `json:"actor"`
}

func viewActor(a auth.ActorSummary) actorView {
	v := actorView{ID: a.ID.String(), Name: a.DisplayName, Role: string(a.Role)}
	if a.FamilyID != nil {
		id := a.FamilyID.String()
		v.FamilyID = &id
	}
	return v
}

func (s *Server) writeLogin(w http.ResponseWriter, r *http.Request, res *auth.LoginResult) {
	s.setSessionCookie(w, r, res.Token, res.Session.ExpiresAt)
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     res.Token,
		ExpiresAt: res.Session.ExpiresAt,
		Actor:     viewActor(res.Actor),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	var (
		res *auth.LoginResult
		err error
	)
	key, ua := s.ClientKey(r), r.UserAgent()
	switch auth.Method(req.Method) {
	case auth.MethodPassword:
		res, err = s.verifier.LoginWithPassword(r.Context(), auth.PasswordLogin{
			ClientKey: key, Phone: req.Phone, Password: req.Password, UserAgent: ua,
		})
	case auth.MethodOTP:
		res, err = s.verifier.LoginWithOTP(r.Context(), auth.OTPLogin{
			ClientKey: key, Phone: req.Phone, Code: req.Code, UserAgent: ua,
		})
	case auth.MethodPIN:
		familyID, parseErr := ulid.ParseStrict(req.FamilyID)
		if parseErr != nil {
			s.writeError(w, r, badRequest("family_id is invalid"))
			return
		}
		res, err = s.verifier.LoginWithPIN(r.Context(), auth.PINLogin{
			ClientKey: key, FamilyID: familyID, PIN: req.PIN, UserAgent: ua,
		})
	default:
		s.writeError(w, r, badRequest("method must be password, otp or pin"))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeLogin(w, r, res)
}

type otpRequest struct {
	Phone string `json:"phone"`
}

// handleRequestOTP answers 202 whether or not the phone is registered.
func (s *Server) handleRequestOTP(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.verifier.RequestOTP(r.Context(), auth.OTPRequest{
		ClientKey: s.ClientKey(r),
		Phone:     req.Phone,
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"message": "if the number is registered, a code is on its way",
	})
}

type unlockRequest struct {
	PIN string `json:"pin"`
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req unlockRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.verifier.UnlockWithPIN(r.Context(), auth.UnlockRequest{
		ClientKey: s.ClientKey(r),
		Token:     TokenFromRequest(r),
		PIN:       req.PIN,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeLogin(w, r, res)
}

// handleLogout revokes the presented session. Logging out without a
// session, or twice, still succeeds. The cookie is cleared even when the
// revoke fails.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.clearSessionCookie(w, r)
	if token := TokenFromRequest(r); token != "" {
		if err := s.verifier.Logout(r.Context(), s.ClientKey(r), token); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

type sessionResponse struct {
	Status    string    `json:"status"`
	SessionID string    `json:"session_id"`
	ActorID   string    `json:"actor_id"`
	Role      string    `json:"role"`
	AutoLock  bool      `json:"auto_lock"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFromContext(r.Context())
	if !ok {
		s.writeError(w, r, badRequest("no session"))
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Status:    auth.StatusValid.String(),
		SessionID: session.ID.String(),
		ActorID:   session.ActorID.String(),
		Role:      string(session.Role),
		AutoLock:  session.AutoLock,
		ExpiresAt: session.ExpiresAt,
	})
}

type previewRequest struct {
	Base   float64         `json:"base"`
	Streak int             `json:"streak"`
	Combo  json.RawMessage `json:"combo"`
	// History, when present, replaces Streak: the completion is applied to
	// the task's streak state and priced on the result.
	History *historyRequest `json:"history"`
}

type historyRequest struct {
	Count       int       `json:"count"`
	LastDay     string    `json:"last_day"`
	CompletedAt time.Time `json:"completed_at"`
	TimeZone    string    `json:"time_zone"`
}

type historyView struct {
	Count   int    `json:"count"`
	LastDay string `json:"last_day"`
	Counted bool   `json:"counted"`
}

type previewResponse struct {
	Award  float64         `json:"award"`
	Points int64           `json:"points"`
	Streak int             `json:"streak"`
	Combo  streak.Strategy `json:"combo"`
	// History is the streak state after the completion, when one was sent.
	History *historyView `json:"history,omitempty"`
}

// previewStreak resolves the streak to price. With a history it advances
// the state by the completion and uses the completions that preceded it.
func previewStreak(req previewRequest, now time.Time) (int, *historyView, error) {
	if req.History == nil {
		return req.Streak, nil, nil
	}
	h := req.History
	if h.Count < 0 {
		return 0, nil, badRequest("history count cannot be negative")
	}
	if h.LastDay != "" {
		if _, err := time.Parse(time.DateOnly, h.LastDay); err != nil {
			return 0, nil, badRequest("history last_day must be YYYY-MM-DD")
		}
	}
	loc := time.UTC
	if h.TimeZone != "" {
		var err error
		if loc, err = time.LoadLocation(h.TimeZone); err != nil {
			return 0, nil, badRequest("unknown time zone %q", h.TimeZone)
		}
	}
	completedAt := h.CompletedAt
	if completedAt.IsZero() {
		completedAt = now
	}

	next, counted := streak.Advance(streak.State{Count: h.Count, LastDay: h.LastDay}, completedAt, loc)
	view := &historyView{Count: next.Count, LastDay: next.LastDay, Counted: counted}
	if !counted {
		// A repeat on the same day earns no combo.
		return 0, view, nil
	}
	return next.Preceding(), view, nil
}

// handlePointsPreview prices a completion without recording it.
func (s *Server) handlePointsPreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	combo := streak.None()
	if len(req.Combo) > 0 && string(req.Combo) != "null" {
		if err := json.Unmarshal(req.Combo, &combo); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	count, history, err := previewStreak(req, time.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	award, err := streak.Award(streak.Context{Base: req.Base, Streak: count, Strategy: combo})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, previewResponse{
		Award:   award,
		Points:  streak.Points(award),
		Streak:  count,
		Combo:   combo,
		History: history,
	})
}
