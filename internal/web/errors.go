// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package web

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/samber/oops"

	"github.com/chorequest/chorequest/internal/auth"
	"github.com/chorequest/chorequest/pkg/errutil"
)

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
	// Status and Reprompt are set on session failures.
	Status   string `json:"status,omitempty"`
	Reprompt string `json:"reprompt,omitempty"`
}

// statusFor maps a failure kind to its HTTP status.
func statusFor(kind auth.FailureKind) int {
	switch kind {
	case auth.FailureValidation:
		return http.StatusBadRequest
	case auth.FailureInvalidCredentials, auth.FailureSessionInvalid:
		return http.StatusUnauthorized
	case auth.FailureRateLimited:
		return http.StatusTooManyRequests
	case auth.FailureSessionLocked:
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err using only its public message. Internal failures
// are logged with their full context.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := auth.Classify(err)
	resp := errorResponse{
		Error:   kind.String(),
		Message: auth.PublicMessage(err),
	}

	switch kind {
	case auth.FailureRateLimited:
		if d, ok := auth.RetryAfter(err); ok {
			resp.RetryAfterSeconds = int64(math.Ceil(d.Seconds()))
			w.Header().Set("Retry-After", strconv.FormatInt(resp.RetryAfterSeconds, 10))
		}
	case auth.FailureSessionInvalid:
		resp.Status = auth.StatusInvalid.String()
	case auth.FailureSessionLocked:
		resp.Status = auth.StatusLocked.String()
		resp.Reprompt = "pin"
	case auth.FailureInternal:
		errutil.LogErrorContext(r.Context(), s.logger, "request failed", err)
	}

	writeJSON(w, statusFor(kind), resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	//nolint:errcheck // client may disconnect
	json.NewEncoder(w).Encode(v)
}

// badRequest builds a validation error with a message safe to show.
func badRequest(format string, args ...any) error {
	return oops.Code(auth.CodeInvalidInput).Errorf(format, args...)
}

// decodeJSON reads exactly one JSON object from the request body.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	defer reader.Close() //nolint:errcheck // body already consumed
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return badRequest("request body is required")
		case errors.As(err, &tooLarge):
			return badRequest("request body is too large")
		default:
			return badRequest("request body is not valid JSON")
		}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return badRequest("unexpected data after JSON body")
	}
	return nil
}
