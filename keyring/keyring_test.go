package keyring

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gokeyring "github.com/zalando/go-keyring"

	"github.com/yllada/shardvpn/common"
)

func TestCredentialStore_SystemKeyring(t *testing.T) {
	gokeyring.MockInit()
	s := NewCredentialStore(t.TempDir())

	_, err := s.Get("vpn.example.test")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, s.Exists("vpn.example.test"))

	require.NoError(t, s.Set("VPN.example.test ", "secret"))
	got, err := s.Get("vpn.example.test")
	require.NoError(t, err)
	assert.Equal(t, "secret", got, "hosts are matched case-insensitively")
	assert.False(t, s.useLocal)

	require.NoError(t, s.Delete("vpn.example.test"))
	assert.False(t, s.Exists("vpn.example.test"))
	assert.NoError(t, s.Delete("vpn.example.test"), "deleting twice is fine")
}

func TestCredentialStore_FallsBackToFile(t *testing.T) {
	gokeyring.MockInitWithError(errors.New("no secret service"))
	dir := t.TempDir()

	s := NewCredentialStore(dir)
	require.NoError(t, s.Set("203.0.113.7", "hunter2"))
	assert.True(t, s.useLocal)

	path := filepath.Join(dir, common.CredentialsFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2", "file must be encrypted")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// A fresh store reads the same file back.
	reopened := NewCredentialStore(dir)
	got, err := reopened.Get("203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)

	require.NoError(t, reopened.Delete("203.0.113.7"))
	_, err = newLocalStore(dir).Get("203.0.113.7")
	assert.ErrorIs(t, err, common.ErrCredentialsNotFound)
}

func TestCredentialStore_CorruptFileIsIgnored(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, common.CredentialsFileName), []byte("garbage"), 0600))

	s := newLocalStore(dir)
	_, err := s.Get("203.0.113.7")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.Set("203.0.113.7", "fresh"))

	got, err := newLocalStore(dir).Get("203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, "fresh", got)
}

func TestCredentialStore_RejectsEmpty(t *testing.T) {
	s := newLocalStore(t.TempDir())

	assert.Error(t, s.Set("", "secret"))
	assert.Error(t, s.Set("host", ""))
	_, err := s.Get("  ")
	assert.Error(t, err)
	assert.Error(t, s.Delete(""))
}

func TestEncryptDecrypt(t *testing.T) {
	s := newLocalStore(t.TempDir())

	sealed, err := s.encrypt([]byte("payload"))
	require.NoError(t, err)
	plain, err := s.decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(plain))

	_, err = s.decrypt([]byte("c2hvcnQ="))
	assert.Error(t, err)
}
