//go:build !windows

package updater

import "os"

// swapBinary moves the staged binary over the target. Rename within one
// filesystem is atomic, and the running process keeps its old inode.
func swapBinary(src, dst string) error {
	return os.Rename(src, dst)
}

// CleanupOldBinary is a no-op on Unix; the swap leaves nothing behind.
func CleanupOldBinary() {}
