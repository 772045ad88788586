// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package auth

import (
	"context"
	"encoding/json"
	"time"

	"github.com/samber/oops"

	"github.com/chorequest/chorequest/internal/kv"
)

// Rate limiting defaults.
const (
	// DefaultLockoutThreshold is the attempt count that triggers a lockout.
	DefaultLockoutThreshold = 5

	// DefaultLockoutDuration is how long a client key stays locked out.
	DefaultLockoutDuration = 10 * time.Minute
)

// RateLimitConfig configures a LoginLimiter.
type RateLimitConfig struct {
	// Enabled turns limiting on. Local development may switch it off.
	Enabled bool

	// Threshold is the attempt count that locks a client key.
	// Defaults to DefaultLockoutThreshold if zero or negative.
	Threshold int

	// Lockout is how long a locked key is rejected.
	// Defaults to DefaultLockoutDuration if zero or negative.
	Lockout time.Duration
}

// DefaultRateLimitConfig returns the production policy.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:   true,
		Threshold: DefaultLockoutThreshold,
		Lockout:   DefaultLockoutDuration,
	}
}

// RateLimitDecision is the result of recording an attempt.
type RateLimitDecision struct {
	// Allowed is false while the key is locked out.
	Allowed bool

	// Attempts is the number of attempts recorded in the current window.
	Attempts int

	// RetryAfter is the remaining lockout when Allowed is false.
	RetryAfter time.Duration
}

// rateLimitEntry is the stored state for one client key.
type rateLimitEntry struct {
	Attempts      int        `json:"attempts"`
	LastAttemptAt time.Time  `json:"last_attempt_at"`
	LockedUntil   *time.Time `json:"locked_until,omitempty"`
}

// LoginLimiter counts authentication attempts per client key and locks a
// key out once it reaches the threshold. Keys are network origins, not
// accounts.
type LoginLimiter struct {
	store   kv.Store
	cfg     RateLimitConfig
	opts    options
	enforce bool // forces limiting on when cfg.Enabled is false
}

// NewLoginLimiter creates a LoginLimiter storing its counters in store.
func NewLoginLimiter(store kv.Store, cfg RateLimitConfig, opts ...Option) *LoginLimiter {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultLockoutThreshold
	}
	if cfg.Lockout <= 0 {
		cfg.Lockout = DefaultLockoutDuration
	}
	return &LoginLimiter{store: store, cfg: cfg, opts: buildOptions(opts)}
}

func rateLimitKey(clientKey string) string {
	if clientKey == "" {
		clientKey = "unknown"
	}
	return "ratelimit:" + clientKey
}

// CheckAndRecordAttempt records an attempt for clientKey and reports
// whether it may proceed.
//
// A locked key is rejected until its lockout elapses; the first attempt
// after that starts a fresh count. The attempt that reaches the threshold is
// still allowed and locks the key for the next one.
func (l *LoginLimiter) CheckAndRecordAttempt(ctx context.Context, clientKey string) (RateLimitDecision, error) {
	if !l.cfg.Enabled && !l.enforce {
		return RateLimitDecision{Allowed: true}, nil
	}

	var (
		decision  RateLimitDecision
		lockedNow bool
	)
	now := l.opts.now()
	err := l.store.Update(ctx, rateLimitKey(clientKey), func(current []byte, found bool) (kv.Mutation, error) {
		var entry rateLimitEntry
		if found {
			if err := json.Unmarshal(current, &entry); err != nil {
				l.opts.logger.WarnContext(ctx, "discarding unreadable rate limit entry",
					"client_key", clientKey, "error", err)
				entry = rateLimitEntry{}
			}
		}

		if entry.LockedUntil != nil {
			if now.Before(*entry.LockedUntil) {
				decision = RateLimitDecision{
					Allowed:    false,
					Attempts:   entry.Attempts,
					RetryAfter: entry.LockedUntil.Sub(now),
				}
				return kv.Keep(), nil
			}
			entry = rateLimitEntry{}
		}

		entry.Attempts++
		entry.LastAttemptAt = now
		if entry.Attempts >= l.cfg.Threshold {
			until := now.Add(l.cfg.Lockout)
			entry.LockedUntil = &until
			lockedNow = true
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return kv.Mutation{}, oops.Code("AUTH_RATELIMIT_ENCODE_FAILED").Wrap(err)
		}
		decision = RateLimitDecision{Allowed: true, Attempts: entry.Attempts}
		return kv.Put(data, l.cfg.Lockout), nil
	})
	if err != nil {
		return RateLimitDecision{}, oops.Code("AUTH_RATELIMIT_FAILED").
			With("client_key", clientKey).
			Wrap(err)
	}

	if lockedNow {
		l.opts.metrics.lockout()
		l.opts.logger.WarnContext(ctx, "client key locked out",
			"client_key", clientKey,
			"attempts", decision.Attempts,
			"lockout", l.cfg.Lockout)
	}
	return decision, nil
}

// Reset clears the attempt count for clientKey. Called after a fully
// successful authentication.
func (l *LoginLimiter) Reset(ctx context.Context, clientKey string) error {
	if err := l.store.Delete(ctx, rateLimitKey(clientKey)); err != nil {
		return oops.Code("AUTH_RATELIMIT_FAILED").
			With("client_key", clientKey).
			With("operation", "reset").
			Wrap(err)
	}
	return nil
}

// Config returns the effective configuration.
func (l *LoginLimiter) Config() RateLimitConfig {
	return l.cfg
}
