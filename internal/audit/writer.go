// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"

	"github.com/chorequest/chorequest/internal/auth"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresWriter inserts events into the auth_audit table.
type PostgresWriter struct {
	db execer
}

// NewPostgresWriter creates a writer over a pgx pool or connection.
func NewPostgresWriter(db execer) *PostgresWriter {
	return &PostgresWriter{db: db}
}

// Write inserts one event. Inserting an id that already exists is a no-op,
// so WAL replay after a partial failure does not duplicate rows.
func (w *PostgresWriter) Write(ctx context.Context, event auth.AuditEvent) error {
	metadata := []byte("{}")
	if len(event.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(event.Metadata)
		if err != nil {
			return oops.Code("AUDIT_WRITE_FAILED").With("event_id", event.ID.String()).Wrap(err)
		}
	}

	var actorID *string
	if event.ActorID != nil {
		s := event.ActorID.String()
		actorID = &s
	}

	_, err := w.db.Exec(ctx,
		`INSERT INTO auth_audit (id, kind, method, actor_id, client_key, outcome, reason, code, metadata, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		event.ID.String(), string(event.Kind), string(event.Method), actorID,
		event.ClientKey, event.Outcome, event.Reason, event.Code, metadata, event.OccurredAt)
	if err != nil {
		return oops.Code("AUDIT_WRITE_FAILED").
			With("event_id", event.ID.String()).
			With("kind", string(event.Kind)).
			Wrap(err)
	}
	return nil
}

// Close is a no-op; the pool belongs to the caller.
func (w *PostgresWriter) Close() error { return nil }

// SlogWriter logs events. Used when no database is configured.
type SlogWriter struct {
	logger *slog.Logger
}

// NewSlogWriter creates a writer that logs to logger, or slog.Default().
func NewSlogWriter(logger *slog.Logger) *SlogWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogWriter{logger: logger}
}

// Write logs one event at info level, or warn for failures.
func (w *SlogWriter) Write(ctx context.Context, event auth.AuditEvent) error {
	attrs := []any{
		"event_id", event.ID.String(),
		"kind", string(event.Kind),
		"outcome", event.Outcome,
		"client_key", event.ClientKey,
		"occurred_at", event.OccurredAt,
	}
	if event.Method != "" {
		attrs = append(attrs, "method", string(event.Method))
	}
	if event.ActorID != nil {
		attrs = append(attrs, "actor_id", event.ActorID.String())
	}
	if event.Reason != "" {
		attrs = append(attrs, "reason", event.Reason, "code", event.Code)
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, "meta."+k, v)
	}

	level := slog.LevelInfo
	if event.Outcome == auth.OutcomeFailure {
		level = slog.LevelWarn
	}
	w.logger.Log(ctx, level, "auth audit", attrs...)
	return nil
}

// Close is a no-op.
func (w *SlogWriter) Close() error { return nil }
