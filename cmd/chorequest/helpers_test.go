// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package main

import (
	"testing"
)

// isolate points XDG lookups at empty directories and clears the global
// --config value so a developer's own files never leak into a test.
func isolate(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir+"/config")
	t.Setenv("XDG_STATE_HOME", dir+"/state")
	configFile = ""
	t.Cleanup(func() { configFile = "" })
}
