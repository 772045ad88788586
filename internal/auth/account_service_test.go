// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package auth_test

import (
	"context"
	"sync"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorequest/chorequest/internal/auth"
	"github.com/chorequest/chorequest/internal/auth/memory"
	"github.com/chorequest/chorequest/pkg/errutil"
)

func TestNewAccountService_NilDependencies(t *testing.T) {
	actors := memory.NewActorRepository()
	tx := memory.NewTransactor()
	hasher := newTestHasher()

	_, err := auth.NewAccountService(nil, tx, hasher)
	errutil.AssertErrorCode(t, err, "ACCOUNT_INVALID_CONFIG")
	_, err = auth.NewAccountService(actors, nil, hasher)
	errutil.AssertErrorCode(t, err, "ACCOUNT_INVALID_CONFIG")
	_, err = auth.NewAccountService(actors, tx, nil)
	errutil.AssertErrorCode(t, err, "ACCOUNT_INVALID_CONFIG")
}

func TestAccountService_CreateChild(t *testing.T) {
	ctx := context.Background()

	t.Run("stores only the PIN digest", func(t *testing.T) {
		h := newHarness(t)
		family := h.family(t)
		child := h.child(t, family, "Robin", "4321")

		stored, err := h.actors.GetByID(ctx, child.ID)
		require.NoError(t, err)
		assert.Equal(t, auth.RoleChild, stored.Role)
		assert.Nil(t, stored.Phone)
		assert.Empty(t, stored.PasswordHash)
		assert.NotContains(t, stored.PINHash, "4321")
		assert.True(t, h.hasher.Verify("4321", stored.PINHash))
	})

	t.Run("PIN already used by a sibling", func(t *testing.T) {
		h := newHarness(t)
		family := h.family(t)
		h.child(t, family, "Robin", "4321")

		_, err := h.accounts.CreateChild(ctx, family, "Alex", "4321")
		errutil.AssertErrorCode(t, err, auth.CodePINTaken)
		assert.Equal(t, auth.FailureValidation, auth.Classify(err))

		children, err := h.actors.ListChildren(ctx, family)
		require.NoError(t, err)
		assert.Len(t, children, 1)
	})

	t.Run("same PIN in another family is fine", func(t *testing.T) {
		h := newHarness(t)
		h.child(t, h.family(t), "Robin", "4321")
		h.child(t, h.family(t), "Alex", "4321")
	})

	t.Run("concurrent creations cannot share a PIN", func(t *testing.T) {
		h := newHarness(t)
		family := h.family(t)

		var wg sync.WaitGroup
		errs := make([]error, 4)
		for i := range errs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = h.accounts.CreateChild(ctx, family, "Twin", "2468")
			}()
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			errutil.AssertErrorCode(t, err, auth.CodePINTaken)
		}
		assert.Equal(t, 1, succeeded)
	})

	t.Run("invalid input", func(t *testing.T) {
		h := newHarness(t)
		family := h.family(t)

		_, err := h.accounts.CreateChild(ctx, family, "Robin", "12")
		errutil.AssertErrorCode(t, err, auth.CodeInvalidInput)
		_, err = h.accounts.CreateChild(ctx, family, "   ", "1234")
		errutil.AssertErrorCode(t, err, auth.CodeInvalidInput)
		_, err = h.accounts.CreateChild(ctx, ulid.ULID{}, "Robin", "1234")
		errutil.AssertErrorCode(t, err, auth.CodeInvalidInput)
	})

	t.Run("unknown family", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.accounts.CreateChild(ctx, ulid.Make(), "Robin", "1234")
		require.Error(t, err)
		assert.Equal(t, auth.FailureInternal, auth.Classify(err))
	})
}

func TestAccountService_ChangePIN(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	family := h.family(t)
	robin := h.child(t, family, "Robin", "4321")
	h.child(t, family, "Alex", "5555")

	t.Run("keeping the same PIN is allowed", func(t *testing.T) {
		require.NoError(t, h.accounts.ChangePIN(ctx, robin.ID, "4321"))
	})

	t.Run("a sibling's PIN is rejected", func(t *testing.T) {
		err := h.accounts.ChangePIN(ctx, robin.ID, "5555")
		errutil.AssertErrorCode(t, err, auth.CodePINTaken)
	})

	t.Run("new PIN replaces the old one", func(t *testing.T) {
		require.NoError(t, h.accounts.ChangePIN(ctx, robin.ID, "9090"))

		_, err := h.verifier.LoginWithPIN(ctx, auth.PINLogin{ClientKey: "a", FamilyID: family, PIN: "4321"})
		errutil.AssertErrorCode(t, err, auth.CodeInvalidCredentials)
		res, err := h.verifier.LoginWithPIN(ctx, auth.PINLogin{ClientKey: "b", FamilyID: family, PIN: "9090"})
		require.NoError(t, err)
		assert.Equal(t, robin.ID, res.Actor.ID)
	})

	t.Run("parents have no PIN", func(t *testing.T) {
		parent := h.parent(t, family, testPhone, "")
		err := h.accounts.ChangePIN(ctx, parent.ID, "1234")
		errutil.AssertErrorCode(t, err, auth.CodeInvalidInput)
	})

	t.Run("unknown child", func(t *testing.T) {
		err := h.accounts.ChangePIN(ctx, ulid.Make(), "1234")
		errutil.AssertErrorCode(t, err, auth.CodeInvalidInput)
		errutil.AssertErrorContext(t, err, "field", "actor_id")
	})
}

func TestAccountService_CreateParent(t *testing.T) {
	ctx := context.Background()

	t.Run("normalizes the phone", func(t *testing.T) {
		h := newHarness(t)
		parent, err := h.accounts.CreateParent(ctx, h.family(t), "Sam", "+1 555-123-4567", "")
		require.NoError(t, err)
		require.NotNil(t, parent.Phone)
		assert.Equal(t, testPhone, *parent.Phone)
		assert.Empty(t, parent.PasswordHash)
	})

	t.Run("phone already registered", func(t *testing.T) {
		h := newHarness(t)
		family := h.family(t)
		h.parent(t, family, testPhone, "")

		_, err := h.accounts.CreateParent(ctx, family, "Other", testPhone, "")
		errutil.AssertErrorCode(t, err, auth.CodePhoneTaken)
		assert.Equal(t, auth.FailureValidation, auth.Classify(err))
	})

	t.Run("weak password", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.accounts.CreateParent(ctx, h.family(t), "Sam", testPhone, "short")
		errutil.AssertErrorCode(t, err, auth.CodeInvalidInput)
		assert.Contains(t, err.Error(), "at least 8")
	})

	t.Run("admin without a family", func(t *testing.T) {
		h := newHarness(t)
		admin, err := h.accounts.CreateAdmin(ctx, nil, "Ops", "+15550001111", "administrator")
		require.NoError(t, err)
		assert.False(t, admin.HasFamily())
		assert.Equal(t, auth.RoleAdmin, admin.Role)
	})
}

func TestAccountService_SetPassword(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	family := h.family(t)
	parent := h.parent(t, family, testPhone, "")
	child := h.child(t, family, "Robin", "4321")

	require.NoError(t, h.accounts.SetPassword(ctx, parent.ID, "brand new secret"))
	_, err := h.verifier.LoginWithPassword(ctx, auth.PasswordLogin{ClientKey: clientKey, Phone: testPhone, Password: "brand new secret"})
	require.NoError(t, err)

	err = h.accounts.SetPassword(ctx, child.ID, "brand new secret")
	errutil.AssertErrorCode(t, err, auth.CodeInvalidInput)

	err = h.accounts.SetPassword(ctx, parent.ID, "tiny")
	errutil.AssertErrorCode(t, err, auth.CodeInvalidInput)
}
