package credentials

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestKeyring_RoundTrip(t *testing.T) {
	keyring.MockInit()
	kr := NewKeyring("heimdall-test")

	require.NoError(t, kr.Set("office", "hunter2"))

	secret, err := kr.Get("office")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", secret)

	require.NoError(t, kr.Delete("office"))

	_, err = kr.Get("office")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKeyring_DeleteMissing(t *testing.T) {
	keyring.MockInit()
	kr := NewKeyring("heimdall-test")

	assert.NoError(t, kr.Delete("never-stored"))
}

func TestKeyring_EmptyRef(t *testing.T) {
	keyring.MockInit()
	kr := NewKeyring("heimdall-test")

	assert.ErrorIs(t, kr.Set("", "x"), ErrEmptyRef)
	_, err := kr.Get("")
	assert.ErrorIs(t, err, ErrEmptyRef)
	assert.ErrorIs(t, kr.Delete(""), ErrEmptyRef)
}

func TestFile_RoundTrip(t *testing.T) {
	t.Setenv(PassphraseEnv, "test-passphrase")
	path := filepath.Join(t.TempDir(), "store", "credentials.enc")

	f, err := NewFile(path)
	require.NoError(t, err)

	require.NoError(t, f.Set("office", "hunter2"))
	require.NoError(t, f.Set("homelab", "swordfish"))

	secret, err := f.Get("office")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", secret)

	require.NoError(t, f.Delete("office"))
	_, err = f.Get("office")
	assert.ErrorIs(t, err, ErrNotFound)

	// The store must survive a reopen.
	reopened, err := NewFile(path)
	require.NoError(t, err)
	secret, err = reopened.Get("homelab")
	require.NoError(t, err)
	assert.Equal(t, "swordfish", secret)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// Secrets must not appear in the file.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "swordfish")
}

func TestFile_FreshStoreWritesNothing(t *testing.T) {
	t.Setenv(PassphraseEnv, "test-passphrase")
	path := filepath.Join(t.TempDir(), "credentials.enc")

	f, err := NewFile(path)
	require.NoError(t, err)

	_, err = f.Get("anything")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoFileExists(t, path)
}

func TestFile_WrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.enc")

	t.Setenv(PassphraseEnv, "first")
	f, err := NewFile(path)
	require.NoError(t, err)
	require.NoError(t, f.Set("office", "hunter2"))

	t.Setenv(PassphraseEnv, "second")
	_, err = NewFile(path)
	assert.ErrorContains(t, err, "cannot decrypt credential store")
}

func TestFile_Corrupt(t *testing.T) {
	t.Setenv(PassphraseEnv, "test-passphrase")
	dir := t.TempDir()

	notBase64 := filepath.Join(dir, "a.enc")
	require.NoError(t, os.WriteFile(notBase64, []byte("%%not base64%%"), 0600))
	_, err := NewFile(notBase64)
	assert.ErrorContains(t, err, "not valid base64")

	truncated := filepath.Join(dir, "b.enc")
	require.NoError(t, os.WriteFile(truncated, []byte("c2hvcnQ="), 0600))
	_, err = NewFile(truncated)
	assert.ErrorContains(t, err, "truncated")
}

func TestOpen_PrefersKeyring(t *testing.T) {
	keyring.MockInit()

	store, err := Open(Options{Service: "heimdall-test"})
	require.NoError(t, err)
	assert.IsType(t, &Keyring{}, store)
}

func TestOpen_FallsBackToFile(t *testing.T) {
	keyring.MockInitWithError(errors.New("no keyring backend"))
	t.Setenv(PassphraseEnv, "test-passphrase")
	path := filepath.Join(t.TempDir(), "credentials.enc")

	store, err := Open(Options{Service: "heimdall-test", File: path})
	require.NoError(t, err)
	assert.IsType(t, &File{}, store)

	require.NoError(t, store.Set("office", "hunter2"))
	secret, err := store.Get("office")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", secret)
}

func TestCredentialPayload(t *testing.T) {
	keyring.MockInit()
	kr := NewKeyring("heimdall-test")

	in := Credential{Username: "alice", Password: "hunter2"}
	require.NoError(t, SetCredential(kr, "office", in))

	out, err := GetCredential(kr, "office")
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestGetCredential_BareSecret(t *testing.T) {
	keyring.MockInit()
	kr := NewKeyring("heimdall-test")

	// A secret stored by another tool, not JSON encoded.
	require.NoError(t, kr.Set("legacy", "just-a-password"))

	out, err := GetCredential(kr, "legacy")
	require.NoError(t, err)
	assert.Equal(t, Credential{Password: "just-a-password"}, out)
}

func TestGetCredential_NotFound(t *testing.T) {
	keyring.MockInit()
	kr := NewKeyring("heimdall-test")

	_, err := GetCredential(kr, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
