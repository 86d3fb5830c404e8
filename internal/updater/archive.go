package updater

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rennerdo30/heimdall/internal/logging"
)

// installer swaps a target binary for the one inside a release archive.
// The previous binary is kept as <target>.bak until the next update.
type installer struct {
	target string
	name   string
}

func newInstaller(target string) *installer {
	return &installer{target: target, name: binaryName()}
}

func binaryName() string {
	if runtime.GOOS == "windows" {
		return "heimdall.exe"
	}
	return "heimdall"
}

// runningBinaryPath resolves the current executable, following symlinks
// so the swap hits the real file.
func runningBinaryPath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate executable: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(exe)
	if err != nil {
		return "", fmt.Errorf("resolve executable path: %w", err)
	}
	return resolved, nil
}

// install stages the new binary next to the target, backs up the old
// one and swaps them. A failed swap restores the backup.
func (i *installer) install(archive string) error {
	staged := i.target + ".new"
	if err := i.extract(archive, staged); err != nil {
		return fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(staged, 0o755); err != nil {
			os.Remove(staged)
			return fmt.Errorf("%w: chmod: %v", ErrInstallFailed, err)
		}
	}

	backup, err := i.backup()
	if err != nil {
		os.Remove(staged)
		return fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}
	logging.Info("Backed up current binary", "path", backup)

	if err := swapBinary(staged, i.target); err != nil {
		if restoreErr := os.Rename(backup, i.target); restoreErr != nil {
			logging.Error("Backup restore failed", "error", restoreErr)
			return fmt.Errorf("%w: %v (restore failed: %v)", ErrRestoreFailed, err, restoreErr)
		}
		logging.Warn("Install failed, previous binary restored", "error", err)
		return fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}

	logging.Info("Binary updated", "path", i.target)
	return nil
}

// backup copies the target to <target>.bak, preserving its mode.
func (i *installer) backup() (string, error) {
	backup := i.target + ".bak"
	os.Remove(backup)

	src, err := os.Open(i.target)
	if err != nil {
		return "", err
	}
	defer src.Close()

	stat, err := src.Stat()
	if err != nil {
		return "", err
	}

	dst, err := os.OpenFile(backup, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, stat.Mode().Perm())
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(backup)
		return "", err
	}
	return backup, dst.Close()
}

// extract writes the heimdall binary found inside archive to dest.
func (i *installer) extract(archive, dest string) error {
	lower := strings.ToLower(archive)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return i.extractTarGz(archive, dest)
	case strings.HasSuffix(lower, ".zip"):
		return i.extractZip(archive, dest)
	default:
		return fmt.Errorf("unsupported archive format: %s", filepath.Base(archive))
	}
}

func (i *installer) extractTarGz(archive, dest string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s not found in archive", i.name)
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg && filepath.Base(hdr.Name) == i.name {
			return writeBinary(dest, tr)
		}
	}
}

func (i *installer) extractZip(archive, dest string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("zip: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if filepath.Base(f.Name) != i.name {
			continue
		}
		src, err := f.Open()
		if err != nil {
			return fmt.Errorf("zip entry: %w", err)
		}
		defer src.Close()
		return writeBinary(dest, src)
	}
	return fmt.Errorf("%s not found in archive", i.name)
}

func writeBinary(dest string, src io.Reader) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}
