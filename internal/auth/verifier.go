// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package auth

import (
	"context"
	"errors"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chorequest/chorequest/internal/sms"
	"github.com/chorequest/chorequest/pkg/errutil"
)

// PasswordLogin is a parent or admin logging in with a password.
type PasswordLogin struct {
	ClientKey string
	Phone     string
	Password  string
	UserAgent string
}

// OTPRequest asks for a one-time code to be sent to a phone.
type OTPRequest struct {
	ClientKey string
	Phone     string
}

// OTPLogin is a parent or admin logging in with a one-time code.
type OTPLogin struct {
	ClientKey string
	Phone     string
	Code      string
	UserAgent string
}

// PINLogin is a child logging in on a family device.
type PINLogin struct {
	ClientKey string
	FamilyID  ulid.ULID
	PIN       string
	UserAgent string
}

// UnlockRequest re-authenticates the owner of a locked session.
type UnlockRequest struct {
	ClientKey string
	Token     string
	PIN       string
}

// LoginResult is a successful authentication.
type LoginResult struct {
	Session *Session
	Token   string
	Actor   ActorSummary
}

// VerifierDeps are the collaborators of a Verifier.
type VerifierDeps struct {
	Actors   ActorRepository
	Sessions *SessionManager
	Limiter  *LoginLimiter
	OTP      *OTPIssuer
	Hasher   SecretHasher
}

// Verifier runs the login flows.
//
// Every flow validates its input, then records an attempt with the
// LoginLimiter before any secret is examined. The limiter is reset only
// once every check has passed and the session exists. Failures are
// reported with one generic message per flow.
type Verifier struct {
	actors   ActorRepository
	sessions *SessionManager
	limiter  *LoginLimiter
	otp      *OTPIssuer
	hasher   SecretHasher
	opts     options
}

// NewVerifier creates a Verifier.
func NewVerifier(deps VerifierDeps, opts ...Option) (*Verifier, error) {
	switch {
	case deps.Actors == nil:
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("actor repository is required")
	case deps.Sessions == nil:
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("session manager is required")
	case deps.Limiter == nil:
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("login limiter is required")
	case deps.OTP == nil:
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("otp issuer is required")
	case deps.Hasher == nil:
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("secret hasher is required")
	}
	return &Verifier{
		actors:   deps.Actors,
		sessions: deps.Sessions,
		limiter:  deps.Limiter,
		otp:      deps.OTP,
		hasher:   deps.Hasher,
		opts:     buildOptions(opts),
	}, nil
}

// attempt is the audit record of one flow, filled in as the flow learns
// more about who is authenticating.
type attempt struct {
	kind      EventKind
	method    Method
	clientKey string
	actorID   *ulid.ULID
	metadata  map[string]string
}

func (v *Verifier) start(ctx context.Context, name string, a *attempt) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("auth.event", string(a.kind))}
	if a.method != "" {
		attrs = append(attrs, attribute.String("auth.method", string(a.method)))
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// finish is deferred by every flow. It turns panics into internal errors,
// then records the outcome in the span, metrics, logs and audit sink.
func (v *Verifier) finish(ctx context.Context, span trace.Span, a *attempt, errp *error) {
	if r := recover(); r != nil {
		*errp = panicError(string(a.kind), r)
	}
	defer span.End()

	err := *errp
	event := AuditEvent{
		ID:         ulid.Make(),
		Kind:       a.kind,
		Method:     a.method,
		ActorID:    a.actorID,
		ClientKey:  a.clientKey,
		Outcome:    OutcomeSuccess,
		Metadata:   a.metadata,
		OccurredAt: v.opts.now(),
	}
	if err != nil {
		kind := Classify(err)
		event.Outcome = OutcomeFailure
		event.Reason = kind.String()
		event.Code = errutil.Code(err)
		span.SetAttributes(attribute.String("auth.failure", kind.String()))
		if kind == FailureInternal {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			errutil.LogErrorContext(ctx, v.opts.logger, "auth flow failed", err)
		}
	}
	if a.kind == EventLogin {
		v.opts.metrics.login(a.method, event.Outcome)
	}
	v.opts.audit.Record(ctx, event)
}

// checkLimit records an attempt for clientKey and fails when it is locked out.
func (v *Verifier) checkLimit(ctx context.Context, clientKey string) error {
	decision, err := v.limiter.CheckAndRecordAttempt(ctx, clientKey)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return rateLimitedError(clientKey, decision.RetryAfter)
	}
	return nil
}

// complete issues the session and clears the limiter.
func (v *Verifier) complete(ctx context.Context, actor *Actor, clientKey, userAgent string) (*LoginResult, error) {
	session, token, err := v.sessions.Create(ctx, actor, SessionMeta{UserAgent: userAgent, IPAddress: clientKey})
	if err != nil {
		return nil, oops.Code(CodeInternal).With("operation", "create session").Wrap(err)
	}
	v.resetLimit(ctx, clientKey)
	return &LoginResult{Session: session, Token: token, Actor: actor.Summary()}, nil
}

func (v *Verifier) resetLimit(ctx context.Context, clientKey string) {
	if err := v.limiter.Reset(ctx, clientKey); err != nil {
		errutil.LogErrorContext(ctx, v.opts.logger, "failed to reset login limiter", err)
	}
}

// upgradeSecret rehashes a secret stored with an outdated algorithm.
// Failures are logged; the login already succeeded.
func (v *Verifier) upgradeSecret(ctx context.Context, actor *Actor, secret string, pin bool) {
	digest := actor.PasswordHash
	if pin {
		digest = actor.PINHash
	}
	if !v.hasher.NeedsUpgrade(digest) {
		return
	}
	upgraded, err := v.hasher.Hash(secret)
	if err != nil {
		errutil.LogErrorContext(ctx, v.opts.logger, "failed to rehash secret", err)
		return
	}
	passwordHash, pinHash := actor.PasswordHash, actor.PINHash
	if pin {
		pinHash = upgraded
	} else {
		passwordHash = upgraded
	}
	if err := v.actors.UpdateSecrets(ctx, actor.ID, passwordHash, pinHash); err != nil {
		errutil.LogErrorContext(ctx, v.opts.logger, "failed to store rehashed secret", err)
		return
	}
	actor.PasswordHash, actor.PINHash = passwordHash, pinHash
}

func invalidCredentials() error {
	return oops.Code(CodeInvalidCredentials).Errorf(MsgInvalidCredentials)
}

func codeInvalid() error {
	return oops.Code(CodeCodeInvalid).Errorf(MsgCodeInvalid)
}

// LoginWithPassword authenticates a parent or admin by phone and password.
// Unknown phones cost the same as wrong passwords.
func (v *Verifier) LoginWithPassword(ctx context.Context, req PasswordLogin) (res *LoginResult, err error) {
	a := &attempt{kind: EventLogin, method: MethodPassword, clientKey: req.ClientKey}
	ctx, span := v.start(ctx, "auth.LoginWithPassword", a)
	defer v.finish(ctx, span, a, &err)

	phone, err := NormalizePhone(req.Phone)
	if err != nil {
		return nil, err
	}
	if err := ValidatePassword(req.Password); err != nil {
		return nil, err
	}
	if err := v.checkLimit(ctx, req.ClientKey); err != nil {
		return nil, err
	}

	actor, lookupErr := v.actors.GetByPhone(ctx, phone)
	if lookupErr != nil && !errors.Is(lookupErr, ErrNotFound) {
		return nil, oops.Code(CodeInternal).With("operation", "get actor by phone").Wrap(lookupErr)
	}

	digest := dummyDigest
	known := lookupErr == nil && actor.Role.UsesPhone() && actor.PasswordHash != ""
	if known {
		digest = actor.PasswordHash
		a.actorID = &actor.ID
	}
	if !v.hasher.Verify(req.Password, digest) || !known {
		return nil, invalidCredentials()
	}

	v.upgradeSecret(ctx, actor, req.Password, false)
	return v.complete(ctx, actor, req.ClientKey, req.UserAgent)
}

// RequestOTP sends a one-time code to a registered phone. Unknown phones
// succeed without sending anything.
func (v *Verifier) RequestOTP(ctx context.Context, req OTPRequest) (err error) {
	a := &attempt{kind: EventOTPRequest, method: MethodOTP, clientKey: req.ClientKey}
	ctx, span := v.start(ctx, "auth.RequestOTP", a)
	defer v.finish(ctx, span, a, &err)

	phone, err := NormalizePhone(req.Phone)
	if err != nil {
		return err
	}
	if err := v.checkLimit(ctx, req.ClientKey); err != nil {
		return err
	}

	actor, err := v.actors.GetByPhone(ctx, phone)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			a.metadata = map[string]string{"delivered": "false"}
			return nil
		}
		return oops.Code(CodeInternal).With("operation", "get actor by phone").Wrap(err)
	}
	if !actor.Role.UsesPhone() {
		a.metadata = map[string]string{"delivered": "false"}
		return nil
	}
	a.actorID = &actor.ID

	issued, err := v.otp.Issue(ctx, phone)
	if err != nil {
		return err
	}
	a.metadata = map[string]string{
		"delivered":   "true",
		"provider_id": issued.Delivery.ProviderID,
		"to":          sms.MaskPhone(phone),
	}
	return nil
}

// LoginWithOTP authenticates a parent or admin with a one-time code.
func (v *Verifier) LoginWithOTP(ctx context.Context, req OTPLogin) (res *LoginResult, err error) {
	a := &attempt{kind: EventLogin, method: MethodOTP, clientKey: req.ClientKey}
	ctx, span := v.start(ctx, "auth.LoginWithOTP", a)
	defer v.finish(ctx, span, a, &err)

	phone, err := NormalizePhone(req.Phone)
	if err != nil {
		return nil, err
	}
	if err := ValidateCode(req.Code, v.otp.Length()); err != nil {
		return nil, err
	}
	if err := v.checkLimit(ctx, req.ClientKey); err != nil {
		return nil, err
	}

	ok, err := v.otp.Verify(ctx, phone, req.Code)
	if err != nil {
		return nil, oops.Code(CodeInternal).With("operation", "verify code").Wrap(err)
	}
	if !ok {
		return nil, codeInvalid()
	}

	actor, err := v.actors.GetByPhone(ctx, phone)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, codeInvalid()
		}
		return nil, oops.Code(CodeInternal).With("operation", "get actor by phone").Wrap(err)
	}
	a.actorID = &actor.ID
	if !actor.Role.UsesPhone() {
		return nil, codeInvalid()
	}
	return v.complete(ctx, actor, req.ClientKey, req.UserAgent)
}

// LoginWithPIN authenticates a child of the given family by PIN.
//
// PINs are unique within a family, so at most one child can match. The
// matched actor must still be a child attached to that family.
func (v *Verifier) LoginWithPIN(ctx context.Context, req PINLogin) (res *LoginResult, err error) {
	a := &attempt{kind: EventLogin, method: MethodPIN, clientKey: req.ClientKey}
	ctx, span := v.start(ctx, "auth.LoginWithPIN", a)
	defer v.finish(ctx, span, a, &err)

	if req.FamilyID.IsZero() {
		return nil, invalidInput("family_id", "family is required")
	}
	if err := ValidatePIN(req.PIN); err != nil {
		return nil, err
	}
	if err := v.checkLimit(ctx, req.ClientKey); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("auth.family_id", req.FamilyID.String()))

	children, err := v.actors.ListChildren(ctx, req.FamilyID)
	if err != nil {
		return nil, oops.Code(CodeInternal).With("operation", "list children").Wrap(err)
	}

	child := v.matchPIN(req.PIN, children)
	if child == nil {
		return nil, invalidCredentials()
	}
	a.actorID = &child.ID
	if child.Role != RoleChild || !child.HasFamily() || *child.FamilyID != req.FamilyID {
		return nil, invalidCredentials()
	}

	v.upgradeSecret(ctx, child, req.PIN, true)
	return v.complete(ctx, child, req.ClientKey, req.UserAgent)
}

// matchPIN returns the candidate whose PIN digest matches pin. With no
// candidates it still pays for one verification.
func (v *Verifier) matchPIN(pin string, candidates []*Actor) *Actor {
	if len(candidates) == 0 {
		v.hasher.Verify(pin, dummyDigest)
		return nil
	}
	for _, c := range candidates {
		if c.PINHash != "" && v.hasher.Verify(pin, c.PINHash) {
			return c
		}
	}
	return nil
}

// UnlockWithPIN re-authenticates the owner of a locked session. The token
// stays the same.
func (v *Verifier) UnlockWithPIN(ctx context.Context, req UnlockRequest) (res *LoginResult, err error) {
	a := &attempt{kind: EventUnlock, method: MethodPIN, clientKey: req.ClientKey}
	ctx, span := v.start(ctx, "auth.UnlockWithPIN", a)
	defer v.finish(ctx, span, a, &err)

	if req.Token == "" {
		return nil, oops.Code(CodeSessionInvalid).Errorf("session token cannot be empty")
	}
	if err := ValidatePIN(req.PIN); err != nil {
		return nil, err
	}
	if err := v.checkLimit(ctx, req.ClientKey); err != nil {
		return nil, err
	}

	session, err := v.sessions.Lookup(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	a.actorID = &session.ActorID
	if !session.IsLocked() && !v.sessions.ShouldAutoLockAt(session, v.opts.now()) {
		return nil, oops.Code(CodeSessionNotLocked).Errorf("session is not locked")
	}

	actor, err := v.actors.GetByID(ctx, session.ActorID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code(CodeSessionInvalid).Errorf("session owner no longer exists")
		}
		return nil, oops.Code(CodeInternal).With("operation", "get actor by id").Wrap(err)
	}

	digest := actor.PINHash
	if digest == "" {
		digest = dummyDigest
	}
	if !v.hasher.Verify(req.PIN, digest) || actor.PINHash == "" {
		return nil, invalidCredentials()
	}

	if err := v.sessions.Unlock(ctx, session.ID); err != nil {
		if Classify(err) == FailureSessionInvalid {
			return nil, err
		}
		return nil, oops.Code(CodeInternal).With("operation", "unlock session").Wrap(err)
	}
	v.resetLimit(ctx, req.ClientKey)

	session.LockedAt = nil
	session.LastSeenAt = v.opts.now()
	return &LoginResult{Session: session, Token: req.Token, Actor: actor.Summary()}, nil
}

// Logout revokes the session for token and audits it.
func (v *Verifier) Logout(ctx context.Context, clientKey, token string) (err error) {
	a := &attempt{kind: EventLogout, clientKey: clientKey}
	ctx, span := v.start(ctx, "auth.Logout", a)
	defer v.finish(ctx, span, a, &err)

	if session, lookupErr := v.sessions.Lookup(ctx, token); lookupErr == nil {
		a.actorID = &session.ActorID
	}
	return v.sessions.Revoke(ctx, token)
}
