// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Argon2Params are the argon2id cost parameters used when hashing.
// Verification always uses the parameters recorded in the digest.
type Argon2Params struct {
	Time    uint32 // iterations
	Memory  uint32 // KiB
	Threads uint8
	SaltLen int
	KeyLen  uint32
}

// DefaultArgon2Params are the OWASP-recommended argon2id parameters. A
// verification costs a few tens of milliseconds.
var DefaultArgon2Params = Argon2Params{
	Time:    1,
	Memory:  64 * 1024,
	Threads: 4,
	SaltLen: 16,
	KeyLen:  32,
}

// dummyDigest is verified against when no real digest exists, so unknown
// identifiers cost the same as wrong secrets. It matches no secret.
//
//nolint:gosec // G101: intentionally fake digest, not a credential.
const dummyDigest = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// ErrEmptySecret is returned when attempting to hash an empty secret.
var ErrEmptySecret = oops.Code(CodeEmptySecret).Errorf("secret cannot be empty")

// SecretHasher hashes and verifies passwords and PINs.
type SecretHasher interface {
	// Hash produces a salted, slow digest of the secret.
	Hash(secret string) (string, error)

	// Verify reports whether secret matches digest. Malformed digests
	// never match.
	Verify(secret, digest string) bool

	// NeedsUpgrade returns true if the digest should be rehashed with the
	// current algorithm.
	NeedsUpgrade(digest string) bool
}

// Argon2idHasher implements SecretHasher using argon2id. Legacy bcrypt
// digests still verify.
type Argon2idHasher struct {
	params Argon2Params
}

// NewArgon2idHasher creates an Argon2idHasher with DefaultArgon2Params.
func NewArgon2idHasher() *Argon2idHasher {
	return &Argon2idHasher{params: DefaultArgon2Params}
}

// NewArgon2idHasherWithParams creates an Argon2idHasher with custom costs.
func NewArgon2idHasherWithParams(p Argon2Params) *Argon2idHasher {
	if p.SaltLen <= 0 {
		p.SaltLen = DefaultArgon2Params.SaltLen
	}
	if p.KeyLen == 0 {
		p.KeyLen = DefaultArgon2Params.KeyLen
	}
	if p.Threads == 0 {
		p.Threads = 1
	}
	if p.Time == 0 {
		p.Time = 1
	}
	return &Argon2idHasher{params: p}
}

// Hash produces an argon2id digest in PHC string format:
// $argon2id$v=19$m=65536,t=1,p=4$<salt>$<key>
func (h *Argon2idHasher) Hash(secret string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}

	salt := make([]byte, h.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", oops.Code("AUTH_SALT_FAILED").Wrap(err)
	}

	key := argon2.IDKey([]byte(secret), salt, h.params.Time, h.params.Memory, h.params.Threads, h.params.KeyLen)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory,
		h.params.Time,
		h.params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether secret matches digest.
func (h *Argon2idHasher) Verify(secret, digest string) bool {
	if isBcrypt(digest) {
		return bcrypt.CompareHashAndPassword([]byte(digest), []byte(secret)) == nil
	}
	p, salt, expected, ok := parseArgon2id(digest)
	if !ok {
		return false
	}
	computed := argon2.IDKey([]byte(secret), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
	return subtle.ConstantTimeCompare(computed, expected) == 1
}

// NeedsUpgrade returns true if the digest is not argon2id (e.g., bcrypt).
func (h *Argon2idHasher) NeedsUpgrade(digest string) bool {
	return !strings.HasPrefix(digest, "$argon2id$")
}

func isBcrypt(digest string) bool {
	return strings.HasPrefix(digest, "$2a$") ||
		strings.HasPrefix(digest, "$2b$") ||
		strings.HasPrefix(digest, "$2y$")
}

func parseArgon2id(digest string) (Argon2Params, []byte, []byte, bool) {
	var p Argon2Params
	parts := strings.Split(digest, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return p, nil, nil, false
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, false
	}

	var memory, iterations, threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return p, nil, nil, false
	}
	// Reject parameters argon2 would panic on or that would make a
	// single verification unreasonably expensive.
	if iterations == 0 || threads == 0 || threads > 255 || memory == 0 || memory > 1<<22 || iterations > 64 {
		return p, nil, nil, false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return p, nil, nil, false
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 || len(key) > 1024 {
		return p, nil, nil, false
	}

	p = Argon2Params{
		Time:    iterations,
		Memory:  memory,
		Threads: uint8(threads),
		SaltLen: len(salt),
		KeyLen:  uint32(len(key)), //nolint:gosec // bounded above
	}
	return p, salt, key, true
}
