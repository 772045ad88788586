// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/chorequest/chorequest/internal/auth"
)

// ActorRepository is an in-memory auth.ActorRepository.
type ActorRepository struct {
	mu       sync.RWMutex
	families map[ulid.ULID]auth.Family
	actors   map[ulid.ULID]*auth.Actor
	byPhone  map[string]ulid.ULID
}

// Compile-time interface check.
var _ auth.ActorRepository = (*ActorRepository)(nil)

// NewActorRepository creates an empty ActorRepository.
func NewActorRepository() *ActorRepository {
	return &ActorRepository{
		families: make(map[ulid.ULID]auth.Family),
		actors:   make(map[ulid.ULID]*auth.Actor),
		byPhone:  make(map[string]ulid.ULID),
	}
}

// CreateFamily stores a family.
func (r *ActorRepository) CreateFamily(_ context.Context, family *auth.Family) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.families[family.ID]; ok {
		return oops.Code("FAMILY_EXISTS").With("family_id", family.ID.String()).Errorf("family already exists")
	}
	r.families[family.ID] = *family
	return nil
}

// Create stores an actor.
func (r *ActorRepository) Create(_ context.Context, actor *auth.Actor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if actor.FamilyID != nil {
		if _, ok := r.families[*actor.FamilyID]; !ok {
			return oops.Code("ACTOR_CREATE_FAILED").
				With("family_id", actor.FamilyID.String()).
				Errorf("family does not exist")
		}
	}
	if actor.Phone != nil {
		if _, taken := r.byPhone[*actor.Phone]; taken {
			return oops.Code(auth.CodePhoneTaken).Errorf("phone number is already registered")
		}
		r.byPhone[*actor.Phone] = actor.ID
	}
	r.actors[actor.ID] = cloneActor(actor)
	return nil
}

// GetByID retrieves an actor by ID.
func (r *ActorRepository) GetByID(_ context.Context, id ulid.ULID) (*auth.Actor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	actor, ok := r.actors[id]
	if !ok {
		return nil, oops.Code("ACTOR_NOT_FOUND").With("actor_id", id.String()).Wrap(auth.ErrNotFound)
	}
	return cloneActor(actor), nil
}

// GetByPhone retrieves an actor by normalized phone.
func (r *ActorRepository) GetByPhone(_ context.Context, phone string) (*auth.Actor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPhone[phone]
	if !ok {
		return nil, oops.Code("ACTOR_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	return cloneActor(r.actors[id]), nil
}

// ListChildren returns a family's children ordered by creation.
func (r *ActorRepository) ListChildren(_ context.Context, familyID ulid.ULID) ([]*auth.Actor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var children []*auth.Actor
	for _, a := range r.actors {
		if a.Role == auth.RoleChild && a.FamilyID != nil && *a.FamilyID == familyID {
			children = append(children, cloneActor(a))
		}
	}
	slices.SortFunc(children, func(a, b *auth.Actor) int { return a.ID.Compare(b.ID) })
	return children, nil
}

// UpdateSecrets replaces an actor's digests.
func (r *ActorRepository) UpdateSecrets(_ context.Context, id ulid.ULID, passwordHash, pinHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	actor, ok := r.actors[id]
	if !ok {
		return oops.Code("ACTOR_NOT_FOUND").With("actor_id", id.String()).Wrap(auth.ErrNotFound)
	}
	actor.PasswordHash = passwordHash
	actor.PINHash = pinHash
	actor.UpdatedAt = time.Now()
	return nil
}

// LockFamily is a no-op: Transactor already serializes transactions.
func (r *ActorRepository) LockFamily(context.Context, ulid.ULID) error {
	return nil
}

func cloneActor(a *auth.Actor) *auth.Actor {
	c := *a
	if a.FamilyID != nil {
		id := *a.FamilyID
		c.FamilyID = &id
	}
	if a.Phone != nil {
		p := *a.Phone
		c.Phone = &p
	}
	return &c
}
