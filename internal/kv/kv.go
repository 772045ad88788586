// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

// Package kv defines the small key/value-with-TTL contract shared by the
// login rate limiter and the one-time code store.
//
// The in-memory Store is process local. Deployments running more than one
// instance must use a shared implementation (see auth/postgres.KVStore) or
// counters and codes will diverge between instances.
package kv

import (
	"context"
	"time"
)

// Op selects what Update does with the value returned by an UpdateFunc.
type Op int

// Update operations.
const (
	// OpKeep leaves the stored value and its expiry untouched.
	OpKeep Op = iota
	// OpPut stores Mutation.Value with Mutation.TTL.
	OpPut
	// OpDelete removes the key.
	OpDelete
)

// Mutation is the outcome of an UpdateFunc.
type Mutation struct {
	Op    Op
	Value []byte
	TTL   time.Duration
}

// Keep returns a Mutation that leaves the key as it is.
func Keep() Mutation { return Mutation{Op: OpKeep} }

// Put returns a Mutation that stores value for ttl.
func Put(value []byte, ttl time.Duration) Mutation {
	return Mutation{Op: OpPut, Value: value, TTL: ttl}
}

// Remove returns a Mutation that deletes the key.
func Remove() Mutation { return Mutation{Op: OpDelete} }

// UpdateFunc computes the next state of a key from its current value.
// found is false when the key is absent or already expired.
// Returning an error aborts the update and leaves the key unchanged.
type UpdateFunc func(current []byte, found bool) (Mutation, error)

// Store is a key/value store with per-entry expiry.
//
// Update is atomic per key: concurrent Updates of the same key run one
// after another, so read-modify-write sequences cannot interleave.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Update(ctx context.Context, key string, fn UpdateFunc) error
}
