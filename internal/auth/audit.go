// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package auth

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

// Method is a login method.
type Method string

// Login methods.
const (
	MethodPassword Method = "password"
	MethodOTP      Method = "otp"
	MethodPIN      Method = "pin"
)

// EventKind names an audited auth event.
type EventKind string

// Audited events.
const (
	EventLogin      EventKind = "login"
	EventOTPRequest EventKind = "otp_request"
	EventUnlock     EventKind = "unlock"
	EventLogout     EventKind = "logout"
	EventAutoLock   EventKind = "auto_lock"
	// EventSessionCheck is recorded when validating a session fails
	// internally.
	EventSessionCheck EventKind = "session_check"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AuditEvent is one auth outcome.
type AuditEvent struct {
	ID         ulid.ULID
	Kind       EventKind
	Method     Method     // empty for events that are not logins
	ActorID    *ulid.ULID // nil when the actor is unknown
	ClientKey  string
	Outcome    string
	Reason     string // failure kind for failures
	Code       string // error code for failures
	Metadata   map[string]string
	OccurredAt time.Time
}

// AuditSink records auth events. Record must not block the caller for long
// and must not fail the flow; implementations drop or buffer instead.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent)
}

// NopAuditSink discards events.
type NopAuditSink struct{}

// Record implements AuditSink.
func (NopAuditSink) Record(context.Context, AuditEvent) {}

// AuditSinkFunc adapts a function to AuditSink.
type AuditSinkFunc func(ctx context.Context, event AuditEvent)

// Record implements AuditSink.
func (f AuditSinkFunc) Record(ctx context.Context, event AuditEvent) { f(ctx, event) }
