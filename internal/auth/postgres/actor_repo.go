// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/chorequest/chorequest/internal/auth"
)

const actorColumns = `id, family_id, display_name, role, password_hash, pin_hash, phone, created_at, updated_at`

// ActorRepository implements auth.ActorRepository using PostgreSQL.
type ActorRepository struct {
	pool Pool
}

// NewActorRepository creates a new ActorRepository.
func NewActorRepository(pool Pool) *ActorRepository {
	return &ActorRepository{pool: pool}
}

// CreateFamily stores a new family.
func (r *ActorRepository) CreateFamily(ctx context.Context, family *auth.Family) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO families (id, name, created_at) VALUES ($1, $2, $3)
	`, family.ID.String(), family.Name, family.CreatedAt)
	if err != nil {
		return oops.Code("FAMILY_CREATE_FAILED").
			With("family_id", family.ID.String()).
			Wrap(err)
	}
	return nil
}

// Create stores a new actor.
func (r *ActorRepository) Create(ctx context.Context, actor *auth.Actor) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO actors (`+actorColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		actor.ID.String(),
		ulidToStringPtr(actor.FamilyID),
		actor.DisplayName,
		string(actor.Role),
		actor.PasswordHash,
		actor.PINHash,
		actor.Phone,
		actor.CreatedAt,
		actor.UpdatedAt,
	)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			if pgErr.ConstraintName == "actors_phone_key" {
				return oops.Code(auth.CodePhoneTaken).Errorf("phone number is already registered")
			}
		case pgerrcode.ForeignKeyViolation:
			return oops.Code("ACTOR_CREATE_FAILED").
				With("family_id", ulidToStringPtr(actor.FamilyID)).
				Errorf("family does not exist")
		}
	}
	return oops.Code("ACTOR_CREATE_FAILED").
		With("operation", "insert actor").
		With("actor_id", actor.ID.String()).
		Wrap(err)
}

// GetByID retrieves an actor by ID.
func (r *ActorRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.Actor, error) {
	row := conn(ctx, r.pool).QueryRow(ctx, `SELECT `+actorColumns+` FROM actors WHERE id = $1`, id.String())
	actor, err := scanActor(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACTOR_NOT_FOUND").With("actor_id", id.String()).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACTOR_GET_FAILED").With("actor_id", id.String()).Wrap(err)
	}
	return actor, nil
}

// GetByPhone retrieves a parent or admin by normalized phone number.
func (r *ActorRepository) GetByPhone(ctx context.Context, phone string) (*auth.Actor, error) {
	row := conn(ctx, r.pool).QueryRow(ctx, `SELECT `+actorColumns+` FROM actors WHERE phone = $1`, phone)
	actor, err := scanActor(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACTOR_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACTOR_GET_FAILED").With("operation", "get actor by phone").Wrap(err)
	}
	return actor, nil
}

// ListChildren returns the children of a family ordered by ID.
func (r *ActorRepository) ListChildren(ctx context.Context, familyID ulid.ULID) ([]*auth.Actor, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT `+actorColumns+` FROM actors
		WHERE family_id = $1 AND role = 'child'
		ORDER BY id
	`, familyID.String())
	if err != nil {
		return nil, oops.Code("ACTOR_LIST_FAILED").With("family_id", familyID.String()).Wrap(err)
	}
	defer rows.Close()

	var children []*auth.Actor
	for rows.Next() {
		child, err := scanActor(rows)
		if err != nil {
			return nil, oops.Code("ACTOR_LIST_FAILED").With("operation", "scan actor row").Wrap(err)
		}
		children = append(children, child)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("ACTOR_LIST_FAILED").With("operation", "iterate actor rows").Wrap(err)
	}
	return children, nil
}

// UpdateSecrets replaces both secret digests of an actor.
func (r *ActorRepository) UpdateSecrets(ctx context.Context, id ulid.ULID, passwordHash, pinHash string) error {
	result, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE actors SET password_hash = $2, pin_hash = $3, updated_at = $4
		WHERE id = $1
	`, id.String(), passwordHash, pinHash, time.Now())
	if err != nil {
		return oops.Code("ACTOR_UPDATE_FAILED").With("actor_id", id.String()).Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("ACTOR_NOT_FOUND").With("actor_id", id.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

// LockFamily takes a transaction-scoped advisory lock on the family. It
// must run inside Transactor.InTransaction.
func (r *ActorRepository) LockFamily(ctx context.Context, familyID ulid.ULID) error {
	if !inTx(ctx) {
		return oops.Code("ACTOR_LOCK_FAILED").
			With("family_id", familyID.String()).
			Errorf("family lock requires a transaction")
	}
	if _, err := conn(ctx, r.pool).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "family:"+familyID.String()); err != nil {
		return oops.Code("ACTOR_LOCK_FAILED").With("family_id", familyID.String()).Wrap(err)
	}
	return nil
}

// scanActor reads one actor row. pgx.ErrNoRows is returned unchanged.
func scanActor(row pgx.Row) (*auth.Actor, error) {
	var (
		idStr       string
		familyIDStr *string
		role        string
		actor       auth.Actor
	)
	err := row.Scan(&idStr, &familyIDStr, &actor.DisplayName, &role,
		&actor.PasswordHash, &actor.PINHash, &actor.Phone, &actor.CreatedAt, &actor.UpdatedAt)
	if err != nil {
		return nil, err //nolint:wrapcheck // callers add context
	}

	actor.ID, err = ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("ACTOR_INVALID_ID").With("id", idStr).Wrap(err)
	}
	actor.FamilyID, err = parseOptionalULID(familyIDStr, "family_id")
	if err != nil {
		return nil, err
	}
	actor.Role = auth.Role(role)
	if !actor.Role.Valid() {
		return nil, oops.Code("ACTOR_INVALID_ROLE").With("role", role).Errorf("unknown role")
	}
	return &actor, nil
}

func ulidToStringPtr(id *ulid.ULID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func parseOptionalULID(s *string, field string) (*ulid.ULID, error) {
	if s == nil {
		return nil, nil
	}
	id, err := ulid.Parse(*s)
	if err != nil {
		return nil, oops.Code("ACTOR_INVALID_ID").With(field, *s).Wrap(err)
	}
	return &id, nil
}

var _ auth.ActorRepository = (*ActorRepository)(nil)
