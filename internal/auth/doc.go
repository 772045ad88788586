// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

// Package auth implements credential verification and session lifecycle
// for ChoreQuest households.
//
// # Domain Types
//
// Actors should be created using their constructors:
//   - NewParent - a parent with a phone and optional password digest
//   - NewAdmin - an administrator with a phone and optional password digest
//   - NewChild - a child attached to a family, authenticated by PIN
//
// Direct struct initialization bypasses validation and may create invalid state.
// Repository implementations receive pre-validated types from these constructors.
//
// # Services
//
// Service types coordinate domain operations:
//   - Verifier - password, one-time code and PIN login, PIN unlock
//   - SessionManager - issuance, validation, auto-lock and revocation
//   - LoginLimiter - per client key attempt counting and lockout
//   - OTPIssuer - one-time code issuance and single-use verification
//   - AccountService - actor provisioning with family-scoped PIN uniqueness
//
// Every failure carries an oops code; Classify maps it onto the small set of
// outcomes a caller needs to render.
package auth
