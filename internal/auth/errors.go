// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/samber/oops"

	"github.com/chorequest/chorequest/pkg/errutil"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Error codes returned by the auth flows.
const (
	CodeInvalidInput       = "AUTH_INVALID_INPUT"
	CodeEmptySecret        = "AUTH_EMPTY_SECRET"
	CodeInvalidCredentials = "AUTH_INVALID_CREDENTIALS"
	CodeCodeInvalid        = "AUTH_CODE_INVALID"
	CodeRateLimited        = "AUTH_RATE_LIMITED"
	CodePINTaken           = "AUTH_PIN_TAKEN"
	CodePhoneTaken         = "AUTH_PHONE_TAKEN"
	CodeInternal           = "AUTH_INTERNAL"
	CodeSessionInvalid     = "SESSION_INVALID"
	CodeSessionExpired     = "SESSION_EXPIRED"
	CodeSessionLocked      = "SESSION_LOCKED"
	CodeSessionNotLocked   = "SESSION_NOT_LOCKED"
)

// User-facing messages for authentication failures. They never say which
// check failed.
const (
	MsgInvalidCredentials = "invalid credentials"
	MsgCodeInvalid        = "code incorrect or expired"
	MsgSessionInvalid     = "session is invalid or has expired"
	MsgSessionLocked      = "session is locked, enter your PIN"
	MsgInternal           = "something went wrong, please try again"
)

// FailureKind is the outcome class of a failed auth operation.
type FailureKind int

// Failure kinds, from least to most severe.
const (
	FailureNone FailureKind = iota
	FailureValidation
	FailureInvalidCredentials
	FailureRateLimited
	FailureSessionInvalid
	FailureSessionLocked
	FailureInternal
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureValidation:
		return "validation"
	case FailureInvalidCredentials:
		return "invalid_credentials"
	case FailureRateLimited:
		return "rate_limited"
	case FailureSessionInvalid:
		return "session_invalid"
	case FailureSessionLocked:
		return "session_locked"
	default:
		return "internal"
	}
}

// Classify maps err onto a FailureKind. Errors without a known code are
// FailureInternal.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	switch errutil.Code(err) {
	case CodeInvalidInput, CodeEmptySecret, CodePINTaken, CodePhoneTaken, CodeSessionNotLocked,
		"STREAK_INVALID_INPUT", "STREAK_INVALID_CONFIG":
		return FailureValidation
	case CodeInvalidCredentials, CodeCodeInvalid:
		return FailureInvalidCredentials
	case CodeRateLimited:
		return FailureRateLimited
	case CodeSessionInvalid, CodeSessionExpired:
		return FailureSessionInvalid
	case CodeSessionLocked:
		return FailureSessionLocked
	default:
		return FailureInternal
	}
}

// PublicMessage returns the message safe to show the end user for err.
// Validation failures keep their specific message; everything else maps to
// a fixed per-kind message.
func PublicMessage(err error) string {
	switch Classify(err) {
	case FailureNone:
		return ""
	case FailureValidation:
		return err.Error()
	case FailureInvalidCredentials:
		if errutil.Code(err) == CodeCodeInvalid {
			return MsgCodeInvalid
		}
		return MsgInvalidCredentials
	case FailureRateLimited:
		if d, ok := RetryAfter(err); ok {
			return fmt.Sprintf("too many attempts, try again in %s", humanizeWait(d))
		}
		return "too many attempts, try again later"
	case FailureSessionInvalid:
		return MsgSessionInvalid
	case FailureSessionLocked:
		return MsgSessionLocked
	default:
		return MsgInternal
	}
}

// RetryAfter returns the remaining lockout carried by a rate limit error.
func RetryAfter(err error) (time.Duration, bool) {
	if Classify(err) != FailureRateLimited {
		return 0, false
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return 0, false
	}
	d, ok := oopsErr.Context()["retry_after"].(time.Duration)
	return d, ok
}

func rateLimitedError(key string, retryAfter time.Duration) error {
	return oops.Code(CodeRateLimited).
		With("client_key", key).
		With("retry_after", retryAfter).
		Errorf("too many attempts")
}

func invalidInput(field, format string, args ...any) error {
	return oops.Code(CodeInvalidInput).With("field", field).Errorf(format, args...)
}

// panicError converts a value recovered from a panic into an internal error.
func panicError(operation string, r any) error {
	return oops.Code(CodeInternal).
		With("operation", operation).
		With("panic", fmt.Sprint(r)).
		Errorf("internal error")
}

func humanizeWait(d time.Duration) string {
	switch {
	case d <= time.Minute:
		secs := int((d + time.Second - 1) / time.Second)
		if secs <= 1 {
			return "1 second"
		}
		return fmt.Sprintf("%d seconds", secs)
	default:
		mins := int((d + time.Minute - 1) / time.Minute)
		return fmt.Sprintf("%d minutes", mins)
	}
}
