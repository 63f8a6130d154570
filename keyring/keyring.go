// Package keyring provides secure credential storage.
// Credentials are keyed by server host. It uses the system keyring when
// available, falling back to encrypted local file storage when not.
package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"

	"github.com/yllada/shardvpn/common"
)

const (
	// serviceName is the identifier used in the system keyring.
	serviceName = "shardvpn"
	probeUser   = "shardvpn-probe"
)

// ErrNotFound is returned when no credential is stored for a host.
var ErrNotFound = common.ErrCredentialsNotFound

// CredentialStore keeps one secret per server host.
type CredentialStore struct {
	mu sync.Mutex

	dir      string
	probed   bool
	useLocal bool

	localFile string
	key       []byte
	local     map[string]string
}

// NewCredentialStore returns a store whose file fallback lives in dir.
func NewCredentialStore(dir string) *CredentialStore {
	return &CredentialStore{dir: dir}
}

// newLocalStore skips the system keyring entirely.
func newLocalStore(dir string) *CredentialStore {
	s := &CredentialStore{dir: dir, probed: true, useLocal: true}
	s.initLocalLocked()
	return s
}

func normalizeHost(host string) (string, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return "", errors.New("host cannot be empty")
	}
	return host, nil
}

// probeLocked picks the backend on first use.
func (s *CredentialStore) probeLocked() {
	if s.probed {
		return
	}
	s.probed = true
	if err := keyring.Set(serviceName, probeUser, "probe"); err == nil {
		keyring.Delete(serviceName, probeUser)
		return
	}
	common.LogDebug("System keyring unavailable, using encrypted file in %s", s.dir)
	s.useLocal = true
	s.initLocalLocked()
}

func (s *CredentialStore) initLocalLocked() {
	if s.local != nil {
		return
	}
	s.localFile = filepath.Join(s.dir, common.CredentialsFileName)

	// Derive the key from machine-specific data.
	hostname, _ := os.Hostname()
	keyData := fmt.Sprintf("%s-%s-%s-%d", serviceName, hostname, getMachineID(), os.Getuid())
	hash := sha256.Sum256([]byte(keyData))
	s.key = hash[:]

	s.local = make(map[string]string)
	s.loadLocalLocked()
}

func getMachineID() string {
	data, err := os.ReadFile("/etc/machine-id")
	if err == nil {
		return strings.TrimSpace(string(data))
	}
	return "default-machine-id"
}

func (s *CredentialStore) loadLocalLocked() {
	data, err := os.ReadFile(s.localFile)
	if err != nil {
		return
	}
	plain, err := s.decrypt(data)
	if err != nil {
		common.LogWarn("Ignoring unreadable credential file %s: %v", s.localFile, err)
		return
	}
	if err := yaml.Unmarshal(plain, &s.local); err != nil {
		common.LogWarn("Ignoring corrupt credential file %s: %v", s.localFile, err)
		s.local = make(map[string]string)
	}
}

func (s *CredentialStore) saveLocalLocked() error {
	data, err := yaml.Marshal(s.local)
	if err != nil {
		return err
	}
	encrypted, err := s.encrypt(data)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return err
	}
	return os.WriteFile(s.localFile, encrypted, 0600)
}

func (s *CredentialStore) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
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

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return []byte(base64.StdEncoding.EncodeToString(ciphertext)), nil
}

func (s *CredentialStore) decrypt(data []byte) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Set saves the credential for host.
func (s *CredentialStore) Set(host, secret string) error {
	host, err := normalizeHost(host)
	if err != nil {
		return err
	}
	if secret == "" {
		return errors.New("credential cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeLocked()

	if !s.useLocal {
		if err := keyring.Set(serviceName, host, secret); err == nil {
			return nil
		}
		common.LogWarn("System keyring rejected the credential, falling back to file storage")
		s.useLocal = true
		s.initLocalLocked()
	}

	s.local[host] = secret
	if err := s.saveLocalLocked(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	return nil
}

// Get returns the credential for host, or ErrNotFound.
func (s *CredentialStore) Get(host string) (string, error) {
	host, err := normalizeHost(host)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeLocked()

	if !s.useLocal {
		secret, err := keyring.Get(serviceName, host)
		if err == nil {
			return secret, nil
		}
		if !errors.Is(err, keyring.ErrNotFound) {
			common.LogDebug("System keyring lookup for %s failed: %v", host, err)
		}
		if s.local == nil {
			return "", ErrNotFound
		}
	}

	secret, ok := s.local[host]
	if !ok {
		return "", ErrNotFound
	}
	return secret, nil
}

// Delete removes the credential for host. Deleting a missing credential is
// not an error.
func (s *CredentialStore) Delete(host string) error {
	host, err := normalizeHost(host)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeLocked()

	if !s.useLocal {
		if err := keyring.Delete(serviceName, host); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			common.LogDebug("System keyring delete for %s failed: %v", host, err)
		}
	}
	if s.local == nil {
		return nil
	}
	if _, ok := s.local[host]; !ok {
		return nil
	}
	delete(s.local, host)
	if err := s.saveLocalLocked(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	return nil
}

// Exists reports whether a credential is stored for host.
func (s *CredentialStore) Exists(host string) bool {
	_, err := s.Get(host)
	return err == nil
}
