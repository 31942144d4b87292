// ABOUTME: XDG-based data directory resolution for conveyor persistent state.
// ABOUTME: Checks XDG_DATA_HOME first, falls back to ~/.local/share/conveyor.
package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// defaultDataDir returns the default directory for the run state database and
// per-run directories. It checks XDG_DATA_HOME first, then falls back to
// ~/.local/share/conveyor.
func defaultDataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "conveyor"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	return filepath.Join(home, ".local", "share", "conveyor"), nil
}

// resolveDataDir returns the data directory to use, preferring an explicit
// override and falling back to the XDG-based default.
func resolveDataDir(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	return defaultDataDir()
}
