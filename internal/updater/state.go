package updater

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// State remembers what the background checker already did, so restarts
// do not re-check immediately or re-notify about the same release.
type State struct {
	LastCheck           time.Time `json:"last_check"`
	LastNotifiedVersion string    `json:"last_notified_version"`
	SkippedVersion      string    `json:"skipped_version"`

	path string
	mu   sync.RWMutex
}

// LoadState reads the state file at path. A missing file yields a fresh
// state; a corrupt one is discarded rather than bricking the updater.
func LoadState(path string) (*State, error) {
	fresh := &State{path: path}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		return fresh, nil
	case err != nil:
		return nil, err
	}

	if err := json.Unmarshal(data, fresh); err != nil {
		return &State{path: path}, nil
	}
	return fresh, nil
}

// Save writes the state atomically via a sibling temp file.
func (s *State) Save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// ShouldCheck reports whether interval has elapsed since the last check.
func (s *State) ShouldCheck(interval time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.LastCheck.IsZero() || time.Since(s.LastCheck) >= interval
}

func (s *State) MarkChecked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastCheck = time.Now()
}

// ShouldNotify reports whether the user has not yet been told about
// this version.
func (s *State) ShouldNotify(version string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.LastNotifiedVersion != version
}

func (s *State) MarkNotified(version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastNotifiedVersion = version
}

// SkipVersion suppresses future notifications for a release the user
// declined.
func (s *State) SkipVersion(version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SkippedVersion = version
}

func (s *State) IsSkipped(version string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.SkippedVersion == version
}

// DefaultStatePath places the state file in the platform config
// directory, next to where the daemon keeps its configuration.
func DefaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "heimdall", "update-state.json")
}
