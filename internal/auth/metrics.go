// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package auth

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the auth counters. A nil *Metrics records nothing.
type Metrics struct {
	Logins          *prometheus.CounterVec
	Lockouts        prometheus.Counter
	OTPIssued       *prometheus.CounterVec
	SessionsCreated *prometheus.CounterVec
	SessionLocks    prometheus.Counter
}

// NewMetrics creates the auth metrics and registers them with reg when it
// is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chorequest_auth_logins_total",
			Help: "Login attempts by method and outcome",
		}, []string{"method", "outcome"}),
		Lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chorequest_auth_lockouts_total",
			Help: "Client keys locked out after too many attempts",
		}),
		OTPIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chorequest_otp_issued_total",
			Help: "One-time codes issued by delivery outcome",
		}, []string{"outcome"}),
		SessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chorequest_sessions_created_total",
			Help: "Sessions created by actor role",
		}, []string{"role"}),
		SessionLocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chorequest_session_autolocks_total",
			Help: "Sessions locked after sitting idle",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Logins, m.Lockouts, m.OTPIssued, m.SessionsCreated, m.SessionLocks)
	}
	return m
}

func (m *Metrics) login(method Method, outcome string) {
	if m != nil {
		m.Logins.WithLabelValues(string(method), outcome).Inc()
	}
}

func (m *Metrics) lockout() {
	if m != nil {
		m.Lockouts.Inc()
	}
}

func (m *Metrics) otpIssued(outcome string) {
	if m != nil {
		m.OTPIssued.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) sessionCreated(role Role) {
	if m != nil {
		m.SessionsCreated.WithLabelValues(string(role)).Inc()
	}
}

func (m *Metrics) sessionLocked() {
	if m != nil {
		m.SessionLocks.Inc()
	}
}
