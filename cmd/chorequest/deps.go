// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package main

import (
	"context"
	"net"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chorequest/chorequest/internal/auth/postgres"
	"github.com/chorequest/chorequest/internal/observability"
	"github.com/chorequest/chorequest/internal/sms"
	"github.com/chorequest/chorequest/internal/store"
)

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// DatabaseFactory opens the connection pool.
	// Default: store.Connect
	DatabaseFactory func(ctx context.Context, url string, cfg store.PoolConfig) (Database, error)

	// SenderFactory builds the SMS backend.
	// Default: sms.New
	SenderFactory func(cfg sms.Config) (sms.Sender, error)

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer

	// ListenerFactory creates the API listener.
	// Default: net.Listen
	ListenerFactory func(network, address string) (net.Listener, error)
}

// Database wraps the methods used from *pgxpool.Pool.
type Database interface {
	postgres.Pool
	store.Pinger
	Close()
}

// ObservabilityServer interface wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
	Registerer() prometheus.Registerer
}

func (d *ServeDeps) withDefaults() *ServeDeps {
	out := ServeDeps{}
	if d != nil {
		out = *d
	}
	if out.DatabaseFactory == nil {
		out.DatabaseFactory = func(ctx context.Context, url string, cfg store.PoolConfig) (Database, error) {
			return store.Connect(ctx, url, cfg)
		}
	}
	if out.SenderFactory == nil {
		out.SenderFactory = sms.New
	}
	if out.ObservabilityServerFactory == nil {
		out.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, readinessChecker)
		}
	}
	if out.ListenerFactory == nil {
		out.ListenerFactory = net.Listen
	}
	return &out
}
