// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package auth

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("chorequest/auth")

// Option configures the services in this package.
type Option func(*options)

type options struct {
	now     func() time.Time
	logger  *slog.Logger
	metrics *Metrics
	audit   AuditSink
}

func buildOptions(opts []Option) options {
	o := options{
		now:    time.Now,
		logger: slog.Default(),
		audit:  NopAuditSink{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records prometheus metrics. Metrics are off by default.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithAuditSink sets where Verifier outcomes are recorded.
func WithAuditSink(sink AuditSink) Option {
	return func(o *options) {
		if sink != nil {
			o.audit = sink
		}
	}
}
