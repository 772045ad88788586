// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package auth

import (
	"context"
	"errors"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Transactor runs fn inside a transaction carried by ctx.
type Transactor interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// AccountService provisions families and actors.
//
// Child PINs are unique within a family. The check runs under the family
// lock inside a transaction, so two concurrent creations cannot both take
// the same PIN.
type AccountService struct {
	actors ActorRepository
	tx     Transactor
	hasher SecretHasher
	opts   options
}

// NewAccountService creates an AccountService.
func NewAccountService(actors ActorRepository, tx Transactor, hasher SecretHasher, opts ...Option) (*AccountService, error) {
	switch {
	case actors == nil:
		return nil, oops.Code("ACCOUNT_INVALID_CONFIG").Errorf("actor repository is required")
	case tx == nil:
		return nil, oops.Code("ACCOUNT_INVALID_CONFIG").Errorf("transactor is required")
	case hasher == nil:
		return nil, oops.Code("ACCOUNT_INVALID_CONFIG").Errorf("secret hasher is required")
	}
	return &AccountService{actors: actors, tx: tx, hasher: hasher, opts: buildOptions(opts)}, nil
}

// CreateFamily stores a new family.
func (s *AccountService) CreateFamily(ctx context.Context, name string) (*Family, error) {
	family, err := NewFamily(name)
	if err != nil {
		return nil, err
	}
	if err := s.actors.CreateFamily(ctx, family); err != nil {
		return nil, oops.Code("ACCOUNT_CREATE_FAILED").
			With("operation", "create family").
			Wrap(err)
	}
	return family, nil
}

// CreateParent creates a parent. An empty password makes a code-only parent.
func (s *AccountService) CreateParent(ctx context.Context, familyID ulid.ULID, name, phone, password string) (*Actor, error) {
	passwordHash, err := s.hashPassword(password)
	if err != nil {
		return nil, err
	}
	actor, err := NewParent(familyID, name, phone, passwordHash)
	if err != nil {
		return nil, err
	}
	return actor, s.create(ctx, actor)
}

// CreateAdmin creates an admin, optionally attached to a family.
func (s *AccountService) CreateAdmin(ctx context.Context, familyID *ulid.ULID, name, phone, password string) (*Actor, error) {
	passwordHash, err := s.hashPassword(password)
	if err != nil {
		return nil, err
	}
	actor, err := NewAdmin(familyID, name, phone, passwordHash)
	if err != nil {
		return nil, err
	}
	return actor, s.create(ctx, actor)
}

// CreateChild creates a child with a PIN no sibling uses.
func (s *AccountService) CreateChild(ctx context.Context, familyID ulid.ULID, name, pin string) (*Actor, error) {
	if err := ValidatePIN(pin); err != nil {
		return nil, err
	}
	pinHash, err := s.hasher.Hash(pin)
	if err != nil {
		return nil, err
	}
	child, err := NewChild(familyID, name, pinHash)
	if err != nil {
		return nil, err
	}

	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		if err := s.ensurePINFree(ctx, familyID, pin, ulid.ULID{}); err != nil {
			return err
		}
		return s.actors.Create(ctx, child)
	})
	if err != nil {
		return nil, s.wrap(err, "create child", familyID)
	}
	s.opts.logger.InfoContext(ctx, "child created",
		"actor_id", child.ID.String(), "family_id", familyID.String())
	return child, nil
}

// ChangePIN replaces a child's PIN.
func (s *AccountService) ChangePIN(ctx context.Context, childID ulid.ULID, pin string) error {
	if err := ValidatePIN(pin); err != nil {
		return err
	}
	child, err := s.actors.GetByID(ctx, childID)
	if err != nil {
		return s.wrap(err, "get child", ulid.ULID{})
	}
	if child.Role != RoleChild || !child.HasFamily() {
		return invalidInput("actor_id", "only children have a PIN")
	}
	pinHash, err := s.hasher.Hash(pin)
	if err != nil {
		return err
	}

	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		if err := s.ensurePINFree(ctx, *child.FamilyID, pin, child.ID); err != nil {
			return err
		}
		return s.actors.UpdateSecrets(ctx, child.ID, "", pinHash)
	})
	if err != nil {
		return s.wrap(err, "change pin", *child.FamilyID)
	}
	return nil
}

// SetPassword replaces a parent's or admin's password.
func (s *AccountService) SetPassword(ctx context.Context, actorID ulid.ULID, password string) error {
	if err := ValidateNewPassword(password); err != nil {
		return err
	}
	actor, err := s.actors.GetByID(ctx, actorID)
	if err != nil {
		return s.wrap(err, "get actor", ulid.ULID{})
	}
	if !actor.Role.UsesPhone() {
		return invalidInput("actor_id", "children cannot have a password")
	}
	passwordHash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}
	if err := s.actors.UpdateSecrets(ctx, actor.ID, passwordHash, actor.PINHash); err != nil {
		return s.wrap(err, "set password", ulid.ULID{})
	}
	return nil
}

// ensurePINFree locks the family and fails with AUTH_PIN_TAKEN when a
// sibling other than self already uses pin.
func (s *AccountService) ensurePINFree(ctx context.Context, familyID ulid.ULID, pin string, self ulid.ULID) error {
	if err := s.actors.LockFamily(ctx, familyID); err != nil {
		return err
	}
	siblings, err := s.actors.ListChildren(ctx, familyID)
	if err != nil {
		return err
	}
	for _, sibling := range siblings {
		if sibling.ID == self || sibling.PINHash == "" {
			continue
		}
		if s.hasher.Verify(pin, sibling.PINHash) {
			return oops.Code(CodePINTaken).
				With("family_id", familyID.String()).
				Errorf("another child in this family already uses that PIN")
		}
	}
	return nil
}

func (s *AccountService) create(ctx context.Context, actor *Actor) error {
	if err := s.actors.Create(ctx, actor); err != nil {
		return s.wrap(err, "create "+string(actor.Role), ulid.ULID{})
	}
	s.opts.logger.InfoContext(ctx, "actor created",
		"actor_id", actor.ID.String(), "role", string(actor.Role))
	return nil
}

func (s *AccountService) hashPassword(password string) (string, error) {
	if password == "" {
		return "", nil
	}
	if err := ValidateNewPassword(password); err != nil {
		return "", err
	}
	return s.hasher.Hash(password)
}

func (s *AccountService) wrap(err error, operation string, familyID ulid.ULID) error {
	if Classify(err) == FailureValidation {
		return err
	}
	if errors.Is(err, ErrNotFound) {
		return invalidInput("actor_id", "actor not found")
	}
	b := oops.Code("ACCOUNT_UPDATE_FAILED").With("operation", operation)
	if !familyID.IsZero() {
		b = b.With("family_id", familyID.String())
	}
	return b.Wrap(err)
}
