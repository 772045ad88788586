// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package auth

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Role is an actor class. Each role authenticates differently.
type Role string

// Actor roles.
const (
	RoleParent Role = "parent"
	RoleAdmin  Role = "admin"
	RoleChild  Role = "child"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleParent, RoleAdmin, RoleChild:
		return true
	default:
		return false
	}
}

// UsesPhone reports whether actors of this role log in by phone.
func (r Role) UsesPhone() bool {
	return r == RoleParent || r == RoleAdmin
}

// Family groups a household's parents and children.
type Family struct {
	ID        ulid.ULID
	Name      string
	CreatedAt time.Time
}

// NewFamily creates a validated Family.
func NewFamily(name string) (*Family, error) {
	if err := ValidateDisplayName(name); err != nil {
		return nil, err
	}
	return &Family{ID: ulid.Make(), Name: name, CreatedAt: time.Now()}, nil
}

// Actor is anyone who can authenticate: a parent, an admin or a child.
type Actor struct {
	ID          ulid.ULID
	FamilyID    *ulid.ULID // nil for admins outside any family
	DisplayName string
	Role        Role
	// PasswordHash is empty when the actor has no password (children always,
	// parents who only use one-time codes).
	PasswordHash string
	// PINHash is set for children only.
	PINHash   string
	Phone     *string // required for parents and admins, nil for children
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasFamily reports whether the actor is attached to a family.
func (a *Actor) HasFamily() bool {
	return a.FamilyID != nil && !a.FamilyID.IsZero()
}

// Summary returns the minimal description sent back to clients.
func (a *Actor) Summary() ActorSummary {
	return ActorSummary{
		ID:          a.ID,
		DisplayName: a.DisplayName,
		Role:        a.Role,
		FamilyID:    a.FamilyID,
	}
}

// ActorSummary is what a login response reveals about the actor.
type ActorSummary struct {
	ID          ulid.ULID
	DisplayName string
	Role        Role
	FamilyID    *ulid.ULID
}

// NewParent creates a validated parent. phone must already be normalized;
// passwordHash may be empty for code-only parents.
func NewParent(familyID ulid.ULID, name, phone, passwordHash string) (*Actor, error) {
	if familyID.IsZero() {
		return nil, invalidInput("family_id", "parent must belong to a family")
	}
	return newPhoneActor(RoleParent, &familyID, name, phone, passwordHash)
}

// NewAdmin creates a validated admin. familyID may be nil.
func NewAdmin(familyID *ulid.ULID, name, phone, passwordHash string) (*Actor, error) {
	if familyID != nil && familyID.IsZero() {
		return nil, invalidInput("family_id", "family ID cannot be zero when provided")
	}
	return newPhoneActor(RoleAdmin, familyID, name, phone, passwordHash)
}

// NewChild creates a validated child. Children have no password and no phone.
func NewChild(familyID ulid.ULID, name, pinHash string) (*Actor, error) {
	if familyID.IsZero() {
		return nil, invalidInput("family_id", "child must belong to a family")
	}
	if err := ValidateDisplayName(name); err != nil {
		return nil, err
	}
	if pinHash == "" {
		return nil, oops.Code(CodeEmptySecret).Errorf("PIN hash cannot be empty")
	}
	now := time.Now()
	return &Actor{
		ID:          ulid.Make(),
		FamilyID:    &familyID,
		DisplayName: name,
		Role:        RoleChild,
		PINHash:     pinHash,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func newPhoneActor(role Role, familyID *ulid.ULID, name, phone, passwordHash string) (*Actor, error) {
	if err := ValidateDisplayName(name); err != nil {
		return nil, err
	}
	normalized, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &Actor{
		ID:           ulid.Make(),
		FamilyID:     familyID,
		DisplayName:  name,
		Role:         role,
		PasswordHash: passwordHash,
		Phone:        &normalized,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// ActorRepository manages actor persistence.
type ActorRepository interface {
	// CreateFamily stores a new family.
	CreateFamily(ctx context.Context, family *Family) error

	// Create stores a new actor. A duplicate phone fails with AUTH_PHONE_TAKEN.
	Create(ctx context.Context, actor *Actor) error

	// GetByID retrieves an actor by ID.
	GetByID(ctx context.Context, id ulid.ULID) (*Actor, error)

	// GetByPhone retrieves a parent or admin by normalized phone.
	// Returns ErrNotFound if nobody has the phone.
	GetByPhone(ctx context.Context, phone string) (*Actor, error)

	// ListChildren returns the children of a family.
	ListChildren(ctx context.Context, familyID ulid.ULID) ([]*Actor, error)

	// UpdateSecrets replaces both secret digests of an actor.
	UpdateSecrets(ctx context.Context, id ulid.ULID, passwordHash, pinHash string) error

	// LockFamily serializes provisioning within a family until the
	// surrounding transaction ends.
	LockFamily(ctx context.Context, familyID ulid.ULID) error
}
