// Package updater keeps the heimdall binary current from GitHub
// releases. It can answer one-shot CLI checks or run a background
// checker inside the daemon that notifies when a new version ships.
//
// Installs are conservative: the asset checksum is verified against the
// release's checksums.txt before the running binary is swapped, and the
// previous binary is kept as a .bak for manual rollback.
package updater

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/rennerdo30/heimdall/internal/logging"
	"github.com/rennerdo30/heimdall/internal/version"
)

var (
	ErrNoUpdateAvailable = errors.New("no update available")
	ErrInvalidVersion    = errors.New("invalid version")
	ErrAssetNotFound     = errors.New("release asset not found")
	ErrChecksumMismatch  = errors.New("checksum mismatch")
	ErrDownloadFailed    = errors.New("download failed")
	ErrInstallFailed     = errors.New("install failed")
	ErrBackupFailed      = errors.New("backup failed")
	ErrRestoreFailed     = errors.New("restore failed")
	ErrNetworkError      = errors.New("network error")
	ErrRateLimited       = errors.New("github rate limit exceeded")
)

// UpdateInfo describes a release that is newer than the running build.
type UpdateInfo struct {
	CurrentVersion string    `json:"current_version"`
	NewVersion     string    `json:"new_version"`
	ReleaseNotes   string    `json:"release_notes"`
	ReleaseURL     string    `json:"release_url"`
	PublishedAt    time.Time `json:"published_at"`
	AssetURL       string    `json:"asset_url"`
	AssetName      string    `json:"asset_name"`
	AssetSize      int64     `json:"asset_size"`
	Checksum       string    `json:"checksum"`
}

// Notifier is told when the background checker finds a new release.
type Notifier interface {
	NotifyUpdateAvailable(info UpdateInfo)
}

// Updater checks GitHub for releases newer than the running build and
// installs them on request.
type Updater struct {
	config   Config
	github   *githubClient
	state    *State
	notifier Notifier

	// Running build identity; taken from the version package and kept
	// on the struct so tests can pin them.
	current   string
	buildTime string

	mu     sync.Mutex
	stopCh chan struct{}
}

// New builds an Updater from cfg. notifier may be nil for one-shot CLI
// use. An empty StateFile falls back to the platform default path.
func New(cfg Config, notifier Notifier) (*Updater, error) {
	if cfg.StateFile == "" {
		cfg.StateFile = DefaultStatePath()
	}
	state, err := LoadState(cfg.StateFile)
	if err != nil {
		return nil, fmt.Errorf("load updater state: %w", err)
	}

	return &Updater{
		config:    cfg,
		github:    newGitHubClient(cfg.GitHubOwner, cfg.GitHubRepo),
		state:     state,
		notifier:  notifier,
		current:   version.Version,
		buildTime: version.BuildTime,
	}, nil
}

// CheckForUpdate queries the configured channel and returns the newest
// release if it is ahead of the running build, ErrNoUpdateAvailable
// otherwise.
func (u *Updater) CheckForUpdate(ctx context.Context) (*UpdateInfo, error) {
	rel, err := u.github.latest(ctx, u.config.Channel.IsPrerelease())
	if err != nil {
		return nil, err
	}

	relVersion, err := canonicalVersion(rel.TagName)
	if err != nil {
		return nil, err
	}
	if !u.isNewer(relVersion, rel) {
		return nil, ErrNoUpdateAvailable
	}

	asset, err := rel.assetFor(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return nil, err
	}
	sums, err := u.github.checksums(ctx, rel)
	if err != nil {
		return nil, err
	}
	sum, ok := sums[asset.Name]
	if !ok {
		return nil, fmt.Errorf("%w: no checksum for %s", ErrAssetNotFound, asset.Name)
	}

	return &UpdateInfo{
		CurrentVersion: u.current,
		NewVersion:     rel.TagName,
		ReleaseNotes:   rel.Body,
		ReleaseURL:     rel.HTMLURL,
		PublishedAt:    rel.PublishedAt,
		AssetURL:       asset.BrowserDownloadURL,
		AssetName:      asset.Name,
		AssetSize:      asset.Size,
		Checksum:       sum,
	}, nil
}

// isNewer compares the release against the running build. Dev builds
// carry no parseable version; for those the release publish time is
// weighed against the build time instead, and an unknown build time is
// treated as older so development binaries still see real releases.
func (u *Updater) isNewer(relVersion string, rel *release) bool {
	if cur, err := canonicalVersion(u.current); err == nil {
		return newerVersion(relVersion, cur)
	}
	if u.current == rel.TagName {
		return false
	}
	built, err := time.Parse(time.RFC3339, u.buildTime)
	if err != nil {
		return true
	}
	return rel.PublishedAt.After(built)
}

// Install downloads the release archive into a scratch directory,
// verifies its checksum and swaps the running binary for the new one.
func (u *Updater) Install(ctx context.Context, info *UpdateInfo, progress ProgressCallback) error {
	workDir, err := os.MkdirTemp("", "heimdall-update-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}
	defer os.RemoveAll(workDir)

	archive := filepath.Join(workDir, info.AssetName)
	if err := newDownloader().fetch(ctx, info.AssetURL, archive, progress); err != nil {
		return err
	}
	if err := verifyChecksum(archive, info.Checksum); err != nil {
		return err
	}

	target, err := runningBinaryPath()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}
	return newInstaller(target).install(archive)
}

// StartBackgroundChecker launches the periodic check loop. It returns
// immediately; use StopBackgroundChecker or cancel ctx to stop it.
func (u *Updater) StartBackgroundChecker(ctx context.Context) {
	if !u.config.Enabled {
		return
	}

	u.mu.Lock()
	if u.stopCh != nil {
		u.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	u.stopCh = stop
	u.mu.Unlock()

	go u.checkLoop(ctx, stop)
	logging.Info("Update checker started",
		"interval", u.config.CheckInterval,
		"channel", string(u.config.Channel))
}

// StopBackgroundChecker stops the loop. Safe to call when it never ran.
func (u *Updater) StopBackgroundChecker() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.stopCh != nil {
		close(u.stopCh)
		u.stopCh = nil
	}
}

func (u *Updater) checkLoop(ctx context.Context, stop <-chan struct{}) {
	// Let the daemon finish starting up before the first check.
	select {
	case <-time.After(time.Minute):
	case <-stop:
		return
	case <-ctx.Done():
		return
	}
	u.backgroundCheck(ctx)

	ticker := time.NewTicker(u.config.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			u.backgroundCheck(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// backgroundCheck runs one rate-limited check and notifies at most once
// per release version.
func (u *Updater) backgroundCheck(ctx context.Context) {
	if !u.state.ShouldCheck(u.config.CheckInterval) {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	info, err := u.CheckForUpdate(checkCtx)
	u.state.MarkChecked()
	if saveErr := u.state.Save(); saveErr != nil {
		logging.Debug("Could not save updater state", "error", saveErr)
	}

	if err != nil {
		if !errors.Is(err, ErrNoUpdateAvailable) {
			logging.Debug("Update check failed", "error", err)
		}
		return
	}

	if u.state.IsSkipped(info.NewVersion) || !u.state.ShouldNotify(info.NewVersion) {
		return
	}
	logging.Info("Update available",
		"current", info.CurrentVersion,
		"new", info.NewVersion)
	if u.notifier != nil {
		u.notifier.NotifyUpdateAvailable(*info)
	}
	u.state.MarkNotified(info.NewVersion)
	if err := u.state.Save(); err != nil {
		logging.Debug("Could not save updater state", "error", err)
	}
}
