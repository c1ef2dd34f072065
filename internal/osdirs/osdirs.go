// Package osdirs resolves the platform downloads directory, the staging
// location FileSaver writes into.
package osdirs

import (
	"fmt"
	"os"
	"path/filepath"
)

// Downloads returns the current user's downloads directory: "Downloads"
// under the user's home directory, the convention Windows, macOS, and
// XDG-compliant Linux desktops all create by default.
func Downloads() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, "Downloads"), nil
}
