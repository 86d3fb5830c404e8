//go:build windows

package updater

import (
	"fmt"
	"os"

	"github.com/rennerdo30/heimdall/internal/logging"
)

// swapBinary replaces the target in two renames. Windows will not let
// us rename over a running executable, but renaming the running file
// aside is allowed, so the old binary is parked as <dst>.old first.
func swapBinary(src, dst string) error {
	old := dst + ".old"
	os.Remove(old)

	if err := os.Rename(dst, old); err != nil {
		return fmt.Errorf("move current binary aside: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		if backErr := os.Rename(old, dst); backErr != nil {
			return fmt.Errorf("activate new binary: %w (move back failed: %v)", err, backErr)
		}
		return fmt.Errorf("activate new binary: %w", err)
	}
	return nil
}

// CleanupOldBinary removes the parked <exe>.old left by the previous
// update. Called at startup, once the new binary is clearly alive.
func CleanupOldBinary() {
	exe, err := os.Executable()
	if err != nil {
		return
	}
	old := exe + ".old"
	if _, err := os.Stat(old); err != nil {
		return
	}
	if err := os.Remove(old); err != nil {
		logging.Debug("Could not remove old binary", "path", old, "error", err)
	}
}
