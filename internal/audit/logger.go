// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

// Package audit persists authentication audit events off the request path.
//
// Logger implements auth.AuditSink. Record never blocks: events go onto a
// buffered channel and a single consumer hands them to a Writer. When the
// buffer is full the event is dropped and counted. When the Writer fails
// the event is appended to a JSON-lines write-ahead log, which ReplayWAL
// feeds back to the Writer later.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"

	"github.com/chorequest/chorequest/internal/auth"
	"github.com/chorequest/chorequest/internal/xdg"
)

// Defaults for Config.
const (
	DefaultBuffer       = 1024
	DefaultWriteTimeout = 5 * time.Second
	walFileName         = "audit-wal.jsonl"
)

// Writer stores audit events in a backend.
type Writer interface {
	Write(ctx context.Context, event auth.AuditEvent) error
	Close() error
}

// Config configures a Logger.
type Config struct {
	// Buffer is the queue capacity. Defaults to DefaultBuffer if zero.
	Buffer int

	// WALPath is the write-ahead log file. Empty means
	// $XDG_STATE_HOME/chorequest/audit-wal.jsonl.
	WALPath string

	// WriteTimeout bounds each Writer call.
	WriteTimeout time.Duration

	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

type metrics struct {
	dropped  prometheus.Counter
	failures *prometheus.CounterVec
	wal      prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chorequest_audit_dropped_total",
			Help: "Audit events dropped because the queue was full or closed",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chorequest_audit_failures_total",
			Help: "Audit write failures by reason",
		}, []string{"reason"}),
		wal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chorequest_audit_wal_entries",
			Help: "Events currently waiting in the write-ahead log",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.dropped, m.failures, m.wal)
	}
	return m
}

// Logger queues audit events for a Writer.
type Logger struct {
	writer  Writer
	cfg     Config
	logger  *slog.Logger
	metrics *metrics

	mu     sync.RWMutex
	closed bool
	queue  chan auth.AuditEvent
	stop   chan struct{}
	wg     sync.WaitGroup

	walMu   sync.Mutex
	walFile *os.File
}

// NewLogger starts a Logger writing to writer.
func NewLogger(writer Writer, cfg Config) (*Logger, error) {
	if writer == nil {
		return nil, oops.Code("AUDIT_INVALID_CONFIG").Errorf("writer is required")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WALPath == "" {
		dir, err := xdg.StateDir()
		if err != nil {
			return nil, oops.Code("AUDIT_INVALID_CONFIG").With("operation", "resolve wal path").Wrap(err)
		}
		cfg.WALPath = filepath.Join(dir, walFileName)
	}

	l := &Logger{
		writer:  writer,
		cfg:     cfg,
		logger:  logger,
		metrics: newMetrics(cfg.Registerer),
		queue:   make(chan auth.AuditEvent, cfg.Buffer),
		stop:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.consume()
	return l, nil
}

// Record queues event. It never blocks and never fails the caller.
func (l *Logger) Record(ctx context.Context, event auth.AuditEvent) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.metrics.dropped.Inc()
		return
	}
	select {
	case l.queue <- event:
	default:
		l.metrics.dropped.Inc()
		l.logger.WarnContext(ctx, "audit queue full, event dropped",
			"kind", string(event.Kind), "outcome", string(event.Outcome))
	}
}

func (l *Logger) consume() {
	defer l.wg.Done()
	for {
		select {
		case event := <-l.queue:
			l.write(event)
		case <-l.stop:
			for {
				select {
				case event := <-l.queue:
					l.write(event)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(event auth.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.WriteTimeout)
	defer cancel()

	err := l.writer.Write(ctx, event)
	if err == nil {
		return
	}
	l.metrics.failures.WithLabelValues("write_failed").Inc()
	if walErr := l.appendWAL(event); walErr != nil {
		l.metrics.failures.WithLabelValues("wal_failed").Inc()
		l.logger.Error("audit event lost: writer and wal both failed",
			"error", err,
			"wal_error", walErr,
			"event_id", event.ID.String(),
			"kind", string(event.Kind))
		return
	}
	l.logger.Warn("audit write failed, event kept in wal",
		"error", err, "event_id", event.ID.String())
}

func (l *Logger) appendWAL(event auth.AuditEvent) error {
	l.walMu.Lock()
	defer l.walMu.Unlock()

	if l.walFile == nil {
		if err := xdg.EnsureDir(filepath.Dir(l.cfg.WALPath)); err != nil {
			return err
		}
		f, err := os.OpenFile(l.cfg.WALPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY|os.O_SYNC, 0o600)
		if err != nil {
			return oops.Code("AUDIT_WAL_FAILED").With("path", l.cfg.WALPath).Wrap(err)
		}
		l.walFile = f
	}

	data, err := json.Marshal(event)
	if err != nil {
		return oops.Code("AUDIT_WAL_FAILED").Wrap(err)
	}
	if _, err := l.walFile.Write(append(data, '\n')); err != nil {
		return oops.Code("AUDIT_WAL_FAILED").With("path", l.cfg.WALPath).Wrap(err)
	}
	l.metrics.wal.Inc()
	return nil
}

// ReplayWAL writes every logged event to the Writer and truncates the log.
// Events that fail again stay in the log. Unreadable lines are dropped.
func (l *Logger) ReplayWAL(ctx context.Context) (replayed int, err error) {
	l.walMu.Lock()
	defer l.walMu.Unlock()

	data, err := os.ReadFile(l.cfg.WALPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, oops.Code("AUDIT_WAL_FAILED").With("path", l.cfg.WALPath).Wrap(err)
	}

	var remaining bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var event auth.AuditEvent
		if err := json.Unmarshal(line, &event); err != nil {
			l.metrics.failures.WithLabelValues("wal_unreadable").Inc()
			l.logger.WarnContext(ctx, "dropping unreadable wal line", "error", err)
			continue
		}
		if err := l.writer.Write(ctx, event); err != nil {
			remaining.Write(line)
			remaining.WriteByte('\n')
			continue
		}
		replayed++
	}
	if err := scanner.Err(); err != nil {
		return replayed, oops.Code("AUDIT_WAL_FAILED").With("path", l.cfg.WALPath).Wrap(err)
	}

	if l.walFile != nil {
		_ = l.walFile.Close() //nolint:errcheck // reopened on next append
		l.walFile = nil
	}
	if err := os.WriteFile(l.cfg.WALPath, remaining.Bytes(), 0o600); err != nil {
		return replayed, oops.Code("AUDIT_WAL_FAILED").With("path", l.cfg.WALPath).Wrap(err)
	}
	l.metrics.wal.Set(float64(bytes.Count(remaining.Bytes(), []byte{'\n'})))
	if replayed > 0 {
		l.logger.InfoContext(ctx, "replayed audit wal", "count", replayed)
	}
	return replayed, nil
}

// Close stops accepting events, drains the queue and closes the Writer.
// It is safe to call more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.stop)
	l.mu.Unlock()

	l.wg.Wait()

	var errs []error
	if err := l.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	l.walMu.Lock()
	if l.walFile != nil {
		if err := l.walFile.Close(); err != nil {
			errs = append(errs, err)
		}
		l.walFile = nil
	}
	l.walMu.Unlock()
	if len(errs) > 0 {
		return oops.Code("AUDIT_CLOSE_FAILED").Join(errs...)
	}
	return nil
}

var _ auth.AuditSink = (*Logger)(nil)
