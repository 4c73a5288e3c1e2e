package installer

import (
	"fmt"
	"os"
	"path/filepath"
)

// Clean removes every entry inside installFolder except the install lock
// file (LockFileName), leaving the folder itself in place, and creates the
// folder if it does not exist. Intended to be called with the
// install lock already held, so a concurrent installer never observes a
// half-emptied folder. Safe to call when installFolder does not yet exist.
func Clean(installFolder string) error {
	entries, err := os.ReadDir(installFolder)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(installFolder, 0o755)
		}
		return fmt.Errorf("reading install folder: %w", err)
	}

	for _, entry := range entries {
		if entry.Name() == LockFileName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(installFolder, entry.Name())); err != nil {
			return fmt.Errorf("removing %q from install folder: %w", entry.Name(), err)
		}
	}
	return nil
}
