package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// PassphraseEnv overrides the machine-derived encryption passphrase for
// the file store. Set it on headless hosts where machine identity may
// change between boots.
const PassphraseEnv = "HEIMDALL_CREDENTIALS_KEY"

const (
	saltSize = 16

	// Interactive scrypt parameters.
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// File stores secrets in a single AES-GCM encrypted file. The key is
// derived with scrypt from machine identity (hostname, machine-id, uid)
// unless PassphraseEnv supplies a passphrase. That keeps the file
// unreadable off-host; on-host the OS keyring remains the stronger
// primary.
type File struct {
	path string

	mu      sync.Mutex
	key     []byte
	salt    []byte
	entries map[string]string
}

// NewFile opens or initializes an encrypted file store at path.
func NewFile(path string) (*File, error) {
	f := &File{
		path:    path,
		entries: make(map[string]string),
	}
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

// Set saves a secret and persists the store.
func (f *File) Set(ref, secret string) error {
	if ref == "" {
		return ErrEmptyRef
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.entries[ref] = secret
	return f.save()
}

// Get retrieves a secret.
func (f *File) Get(ref string) (string, error) {
	if ref == "" {
		return "", ErrEmptyRef
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	secret, ok := f.entries[ref]
	if !ok {
		return "", ErrNotFound
	}
	return secret, nil
}

// Delete removes a secret and persists the store.
func (f *File) Delete(ref string) error {
	if ref == "" {
		return ErrEmptyRef
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.entries[ref]; !ok {
		return nil
	}
	delete(f.entries, ref)
	return f.save()
}

func (f *File) load() error {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		// Fresh store: pick a salt now, write on first Set.
		f.salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, f.salt); err != nil {
			return fmt.Errorf("failed to generate salt: %w", err)
		}
		return f.deriveKey()
	}
	if err != nil {
		return fmt.Errorf("failed to read credential store: %w", err)
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("credential store is not valid base64: %w", err)
	}
	if len(data) < saltSize {
		return errors.New("credential store is truncated")
	}

	f.salt = data[:saltSize]
	if err := f.deriveKey(); err != nil {
		return err
	}

	plaintext, err := f.open(data[saltSize:])
	if err != nil {
		return fmt.Errorf("cannot decrypt credential store (machine identity changed?): %w", err)
	}

	if err := json.Unmarshal(plaintext, &f.entries); err != nil {
		return fmt.Errorf("credential store is corrupt: %w", err)
	}
	return nil
}

// save is called with the lock held.
func (f *File) save() error {
	plaintext, err := json.Marshal(f.entries)
	if err != nil {
		return fmt.Errorf("failed to encode credential store: %w", err)
	}

	sealed, err := f.seal(plaintext)
	if err != nil {
		return err
	}

	out := base64.StdEncoding.EncodeToString(append(append([]byte{}, f.salt...), sealed...))

	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("failed to create credential store directory: %w", err)
	}
	if err := os.WriteFile(f.path, []byte(out), 0600); err != nil {
		return fmt.Errorf("failed to write credential store: %w", err)
	}
	return nil
}

func (f *File) deriveKey() error {
	key, err := scrypt.Key(passphrase(), f.salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return fmt.Errorf("failed to derive store key: %w", err)
	}
	f.key = key
	return nil
}

func (f *File) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(f.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (f *File) open(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(f.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(data) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func passphrase() []byte {
	if env := os.Getenv(PassphraseEnv); env != "" {
		return []byte(env)
	}

	hostname, _ := os.Hostname()
	machineID := ""
	if data, err := os.ReadFile("/etc/machine-id"); err == nil {
		machineID = strings.TrimSpace(string(data))
	}
	return []byte(fmt.Sprintf("heimdall|%s|%s|%d", hostname, machineID, os.Getuid()))
}
