// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func startServer(t *testing.T, ready ReadinessChecker) *Server {
	t.Helper()
	server := NewServer("127.0.0.1:0", ready)
	if _, err := server.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})
	return server
}

func get(t *testing.T, server *Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get("http://" + server.Addr() + path)
	if err != nil {
		t.Fatalf("failed to GET %s: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestServer_Metrics(t *testing.T) {
	server := startServer(t, nil)

	status, body := get(t, server, "/metrics")
	if status != http.StatusOK {
		t.Errorf("expected status 200, got %d", status)
	}
	for _, want := range []string{"# HELP", "# TYPE", "go_", "process_"} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in metrics output", want)
		}
	}
}

func TestServer_LivenessReturns200(t *testing.T) {
	server := startServer(t, func(context.Context) error { return errors.New("db down") })

	status, body := get(t, server, "/healthz/liveness")
	if status != http.StatusOK {
		t.Errorf("expected status 200, got %d", status)
	}
	if body != "ok\n" {
		t.Errorf("expected body 'ok\\n', got %q", body)
	}
}

func TestServer_ReadinessWhenReady(t *testing.T) {
	var sawDeadline atomic.Bool
	server := startServer(t, func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		sawDeadline.Store(ok)
		return nil
	})

	status, _ := get(t, server, "/healthz/readiness")
	if status != http.StatusOK {
		t.Errorf("expected status 200, got %d", status)
	}
	if !sawDeadline.Load() {
		t.Error("expected readiness check to run under a deadline")
	}
}

func TestServer_ReadinessWhenNotReady(t *testing.T) {
	server := startServer(t, func(context.Context) error { return errors.New("db down") })

	status, body := get(t, server, "/healthz/readiness")
	if status != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", status)
	}
	if body != "not ready\n" {
		t.Errorf("expected body 'not ready\\n', got %q", body)
	}
}

func TestServer_ReadinessWithNilChecker(t *testing.T) {
	server := startServer(t, nil)

	status, _ := get(t, server, "/healthz/readiness")
	if status != http.StatusOK {
		t.Errorf("expected status 200, got %d", status)
	}
}

func TestServer_DoubleStartFails(t *testing.T) {
	server := startServer(t, nil)

	if _, err := server.Start(); err == nil {
		t.Error("expected error on double start, got nil")
	}
}

func TestServer_StopIdempotent(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		t.Errorf("stop without start should not error: %v", err)
	}
}

func TestServer_ErrorChannelReportsServeErrors(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)

	errCh, err := server.Start()
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}

	// closing the listener makes Serve fail
	_ = server.listener.Close()

	select {
	case serveErr := <-errCh:
		if serveErr == nil {
			t.Error("expected an error from the error channel after closing listener")
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for error on error channel")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Stop(ctx)
}

func TestServer_ErrorChannelClosesOnNormalShutdown(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)

	errCh, err := server.Start()
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		t.Fatalf("failed to stop server: %v", err)
	}

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			t.Errorf("unexpected error on normal shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for error channel to close")
	}
}

func TestServer_ExposesRegisteredCollectors(t *testing.T) {
	server := startServer(t, nil)

	server.Metrics().RequestsTotal.WithLabelValues("login", "200").Inc()
	logins := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chorequest_test_logins_total",
		Help: "test counter",
	})
	server.Registerer().MustRegister(logins)
	logins.Add(3)

	_, body := get(t, server, "/metrics")
	if !strings.Contains(body, `chorequest_http_requests_total{route="login",status="200"} 1`) {
		t.Error("expected request counter in metrics output")
	}
	if !strings.Contains(body, "chorequest_test_logins_total 3") {
		t.Error("expected externally registered counter in metrics output")
	}
}
