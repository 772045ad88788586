// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorequest/chorequest/internal/observability"
	"github.com/chorequest/chorequest/internal/store"
	"github.com/chorequest/chorequest/pkg/errutil"
)

type fakeObservability struct {
	registry *prometheus.Registry
	metrics  *observability.Metrics
	ready    observability.ReadinessChecker
	started  atomic.Bool
	stopped  atomic.Bool
	errCh    chan error
}

func newFakeObservability(ready observability.ReadinessChecker) *fakeObservability {
	reg := prometheus.NewRegistry()
	return &fakeObservability{
		registry: reg,
		metrics:  observability.NewMetrics(reg),
		ready:    ready,
		errCh:    make(chan error, 1),
	}
}

func (f *fakeObservability) Start() (<-chan error, error) {
	f.started.Store(true)
	return f.errCh, nil
}

func (f *fakeObservability) Stop(context.Context) error {
	f.stopped.Store(true)
	return nil
}

func (f *fakeObservability) Addr() string                      { return "fake:9100" }
func (f *fakeObservability) Metrics() *observability.Metrics   { return f.metrics }
func (f *fakeObservability) Registerer() prometheus.Registerer { return f.registry }

// serveHarness runs serve in the background on a loopback port.
type serveHarness struct {
	obs    *fakeObservability
	addr   string
	cancel context.CancelFunc
	done   chan error
}

func startServe(t *testing.T, args ...string) *serveHarness {
	t.Helper()
	isolate(t)

	cmd := NewServeCmd()
	cmd.SetOut(new(bytes.Buffer))
	base := []string{"--addr", "127.0.0.1:0", "--metrics-addr", "127.0.0.1:0", "--log-level", "error"}
	require.NoError(t, cmd.ParseFlags(append(base, args...)))

	h := &serveHarness{done: make(chan error, 1)}
	listening := make(chan string, 1)
	obsReady := make(chan *fakeObservability, 1)
	deps := &ServeDeps{
		ObservabilityServerFactory: func(_ string, ready observability.ReadinessChecker) ObservabilityServer {
			obs := newFakeObservability(ready)
			obsReady <- obs
			return obs
		},
		ListenerFactory: func(network, address string) (net.Listener, error) {
			l, err := net.Listen(network, address)
			if err == nil {
				listening <- l.Addr().String()
			}
			return l, err
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- runServeWithDeps(ctx, cmd, deps) }()

	select {
	case h.addr = <-listening:
	case err := <-h.done:
		cancel()
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("serve did not start listening")
	}
	h.obs = <-obsReady
	t.Cleanup(func() { h.stop(t) })
	return h
}

func (h *serveHarness) stop(t *testing.T) {
	t.Helper()
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not shut down")
	}
}

func (h *serveHarness) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, "http://"+h.addr+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestServe_InMemoryAPI(t *testing.T) {
	h := startServe(t)

	resp := h.do(t, http.MethodGet, "/api/auth/session", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "invalid", body["status"])
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	resp = h.do(t, http.MethodPost, "/api/auth/otp", `{"phone":"+15551230001"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/auth/login", `{"method":"pin","family_id":"not-a-ulid","pin":"1234"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.True(t, h.obs.started.Load())
	require.NoError(t, h.obs.ready(context.Background()), "in-memory deployments are always ready")

	h.stop(t)
	assert.True(t, h.obs.stopped.Load())
}

func TestServe_RecordsHTTPMetrics(t *testing.T) {
	h := startServe(t)

	h.do(t, http.MethodGet, "/api/auth/session", "")

	families, err := h.obs.registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["chorequest_http_requests_total"], "api metrics are registered with the observability server")
}

func TestServe_ObservabilityErrorTriggersShutdown(t *testing.T) {
	h := startServe(t)

	h.obs.errCh <- oops.Errorf("listener died")

	select {
	case err := <-h.done:
		require.NoError(t, err)
		h.cancel = nil
	case <-time.After(5 * time.Second):
		t.Fatal("serve kept running after the observability server failed")
	}
}

func TestServe_DatabaseFailure(t *testing.T) {
	isolate(t)
	cmd := NewServeCmd()
	cmd.SetOut(new(bytes.Buffer))
	require.NoError(t, cmd.ParseFlags([]string{"--database-url", "postgres://db.invalid/chores", "--log-level", "error"}))

	var gotURL string
	deps := &ServeDeps{
		DatabaseFactory: func(_ context.Context, url string, _ store.PoolConfig) (Database, error) {
			gotURL = url
			return nil, oops.Code("DB_CONNECT_FAILED").Errorf("no route to host")
		},
	}

	err := runServeWithDeps(context.Background(), cmd, deps)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "DB_CONNECT_FAILED")
	assert.Equal(t, "postgres://db.invalid/chores", gotURL)
}

func TestServe_ListenFailure(t *testing.T) {
	isolate(t)
	cmd := NewServeCmd()
	cmd.SetOut(new(bytes.Buffer))
	require.NoError(t, cmd.ParseFlags([]string{"--metrics-addr", "", "--log-level", "error"}))

	deps := &ServeDeps{
		ListenerFactory: func(string, string) (net.Listener, error) {
			return nil, oops.Errorf("address already in use")
		},
	}

	err := runServeWithDeps(context.Background(), cmd, deps)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "HTTP_LISTEN_FAILED")
}

func TestServe_InvalidConfig(t *testing.T) {
	isolate(t)
	cmd := NewServeCmd()
	cmd.SetOut(new(bytes.Buffer))
	require.NoError(t, cmd.ParseFlags([]string{"--kv-driver", "postgres"}))

	err := runServeWithDeps(context.Background(), cmd, nil)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
}
