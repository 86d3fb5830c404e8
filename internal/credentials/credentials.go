// Package credentials provides secure storage for VPN and RDP secrets.
// The OS keyring is the primary backend; an encrypted local file takes
// over when no keyring service is available. Secrets are addressed by
// the credential_ref strings carried in connection and RDP profiles and
// are never written to logs or plain config files.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zalando/go-keyring"

	"github.com/rennerdo30/heimdall/internal/logging"
)

// DefaultService is the keyring service name secrets are filed under.
const DefaultService = "heimdall"

// Common errors returned by store operations.
var (
	ErrNotFound = errors.New("credential not found")
	ErrEmptyRef = errors.New("credential reference cannot be empty")
)

// Store is the credential storage contract.
type Store interface {
	// Set saves a secret under the given reference, replacing any
	// previous value.
	Set(ref, secret string) error

	// Get retrieves the secret for a reference. Returns ErrNotFound
	// when no secret is stored under it.
	Get(ref string) (string, error)

	// Delete removes the secret for a reference. Deleting a missing
	// reference is not an error.
	Delete(ref string) error
}

// Options selects where secrets live.
type Options struct {
	// Service is the keyring service name. Defaults to DefaultService.
	Service string
	// File is the path of the encrypted fallback store. Defaults to
	// credentials.enc next to the daemon config.
	File string
}

// Open returns the best available store: the OS keyring when it works,
// otherwise the encrypted file fallback.
func Open(opts Options) (Store, error) {
	if opts.Service == "" {
		opts.Service = DefaultService
	}

	kr := NewKeyring(opts.Service)
	if err := kr.probe(); err == nil {
		return kr, nil
	}

	path := opts.File
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate fallback store directory: %w", err)
		}
		path = filepath.Join(dir, "heimdall", "credentials.enc")
	}

	logging.WithComponent("credentials").Info("no keyring backend available, using encrypted file store",
		"path", path)

	return NewFile(path)
}

// Credential is the payload stored under a credential reference.
type Credential struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password"`
}

// SetCredential stores a username/password pair under a reference.
func SetCredential(s Store, ref string, c Credential) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}
	return s.Set(ref, string(data))
}

// GetCredential retrieves a username/password pair. Secrets stored by
// other tools as a bare string are treated as a password with no
// username.
func GetCredential(s Store, ref string) (Credential, error) {
	secret, err := s.Get(ref)
	if err != nil {
		return Credential{}, err
	}

	var c Credential
	if err := json.Unmarshal([]byte(secret), &c); err != nil {
		return Credential{Password: secret}, nil
	}
	return c, nil
}

// Keyring stores secrets in the OS keyring (Secret Service on Linux,
// Keychain on macOS, Credential Manager on Windows).
type Keyring struct {
	service string
}

// NewKeyring returns a keyring-backed store under the given service name.
func NewKeyring(service string) *Keyring {
	if service == "" {
		service = DefaultService
	}
	return &Keyring{service: service}
}

// probe checks that a keyring backend actually works by writing and
// removing a throwaway entry. D-Bus being up does not guarantee a usable
// Secret Service.
func (k *Keyring) probe() error {
	const probeRef = "heimdall-keyring-probe"
	if err := keyring.Set(k.service, probeRef, "ok"); err != nil {
		return err
	}
	_ = keyring.Delete(k.service, probeRef)
	return nil
}

// Set saves a secret in the keyring.
func (k *Keyring) Set(ref, secret string) error {
	if ref == "" {
		return ErrEmptyRef
	}
	if err := keyring.Set(k.service, ref, secret); err != nil {
		return fmt.Errorf("failed to store credential %q: %w", ref, err)
	}
	return nil
}

// Get retrieves a secret from the keyring.
func (k *Keyring) Get(ref string) (string, error) {
	if ref == "" {
		return "", ErrEmptyRef
	}
	secret, err := keyring.Get(k.service, ref)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to read credential %q: %w", ref, err)
	}
	return secret, nil
}

// Delete removes a secret from the keyring.
func (k *Keyring) Delete(ref string) error {
	if ref == "" {
		return ErrEmptyRef
	}
	if err := keyring.Delete(k.service, ref); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete credential %q: %w", ref, err)
	}
	return nil
}
