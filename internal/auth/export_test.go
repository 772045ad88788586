// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package auth

// ForceRateLimiting makes l enforce limits even when its config disables
// them. It only exists in test builds.
func ForceRateLimiting(l *LoginLimiter) {
	l.enforce = true
}

// DummyDigest exposes the timing-equalization digest to tests.
const DummyDigest = dummyDigest
