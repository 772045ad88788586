// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

// Package xdg resolves XDG Base Directory paths for chorequest.
package xdg

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

const appName = "chorequest"

// ConfigDir returns $XDG_CONFIG_HOME/chorequest, falling back to
// ~/.config/chorequest.
func ConfigDir() (string, error) {
	return resolve("XDG_CONFIG_HOME", ".config")
}

// StateDir returns $XDG_STATE_HOME/chorequest, falling back to
// ~/.local/state/chorequest. The audit write-ahead log lives here.
func StateDir() (string, error) {
	return resolve("XDG_STATE_HOME", filepath.Join(".local", "state"))
}

// ConfigFile returns the default config file path.
func ConfigFile() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func resolve(envVar, homeRel string) (string, error) {
	if base := os.Getenv(envVar); base != "" {
		return filepath.Join(base, appName), nil
	}
	home := os.Getenv("HOME")
	if home == "" {
		return "", oops.Code("XDG_NO_HOME").
			With("env", envVar).
			Errorf("neither %s nor HOME is set", envVar)
	}
	return filepath.Join(home, homeRel, appName), nil
}

// EnsureDir creates path and its parents with 0700 permissions.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return oops.Code("XDG_MKDIR_FAILED").With("path", path).Wrap(err)
	}
	return nil
}
