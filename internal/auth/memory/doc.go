// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

// Package memory provides in-process auth repositories for development
// mode and tests. Nothing here survives a restart.
package memory
