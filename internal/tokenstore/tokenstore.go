// Package tokenstore manages the IPC server's shared secret: a random
// opaque token, encrypted at rest with age, alongside a monotonically
// increasing rotation epoch. See spec §4.2.
package tokenstore

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"filippo.io/age"
)

const tokenEntropyBytes = 32

// TokenStore persists the shared secret and its epoch encrypted at rest
// under a per-user path. All methods are safe for concurrent use.
type TokenStore struct {
	mu       sync.Mutex
	path     string
	enabled  bool
	identity *age.X25519Identity
	token    string
	epoch    int
	loaded   bool
}

type onDiskState struct {
	Identity   string `json:"identity"`
	Epoch      int    `json:"epoch"`
	Ciphertext string `json:"ciphertext"`
}

// New returns a store persisting to path. path's parent directory is
// created on first write.
func New(path string) *TokenStore {
	return &TokenStore{path: path}
}

// DefaultPath returns the conventional per-user token store location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "filesremote", "token.store")
}

// IsEnabled reports whether remote control is opted in.
func (s *TokenStore) IsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetEnabled persists the opt-in flag.
func (s *TokenStore) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

// GetEpoch returns the current epoch, initializing state (and thus a
// token) on first read if none exists yet.
func (s *TokenStore) GetEpoch() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return 0, err
	}
	return s.epoch, nil
}

// GetOrCreateToken returns the decrypted plaintext token, generating and
// persisting a fresh one (epoch reset to 1) if none exists or the
// on-disk state cannot be decrypted.
func (s *TokenStore) GetOrCreateToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return "", err
	}
	return s.token, nil
}

// RotateToken generates a new token, increments the epoch, and persists
// both before returning. Fails only if persistence fails.
func (s *TokenStore) RotateToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return "", err
	}
	token, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("tokenstore: generating token: %w", err)
	}
	newEpoch := s.epoch + 1
	if err := s.persistLocked(token, newEpoch); err != nil {
		return "", fmt.Errorf("tokenstore: rotating token: %w", err)
	}
	s.token = token
	s.epoch = newEpoch
	return s.token, nil
}

// ensureLoadedLocked loads existing state from disk, or generates and
// persists a fresh identity/token/epoch=1 if absent or undecipherable.
// Caller must hold s.mu.
func (s *TokenStore) ensureLoadedLocked() error {
	if s.loaded {
		return nil
	}
	if state, identity, token, ok := s.tryReadLocked(); ok {
		s.identity = identity
		s.token = token
		s.epoch = state.Epoch
		s.loaded = true
		return nil
	}
	token, err := generateToken()
	if err != nil {
		return fmt.Errorf("tokenstore: generating token: %w", err)
	}
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("tokenstore: generating identity: %w", err)
	}
	s.identity = identity
	if err := s.persistLocked(token, 1); err != nil {
		return fmt.Errorf("tokenstore: creating token: %w", err)
	}
	s.token = token
	s.epoch = 1
	s.loaded = true
	return nil
}

// tryReadLocked attempts to read and decrypt the on-disk state. Any
// failure (missing file, bad JSON, undecipherable ciphertext) is treated
// as "absent" per spec §4.2 and reported via ok=false.
func (s *TokenStore) tryReadLocked() (onDiskState, *age.X25519Identity, string, bool) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return onDiskState{}, nil, "", false
	}
	var state onDiskState
	if err := json.Unmarshal(raw, &state); err != nil {
		return onDiskState{}, nil, "", false
	}
	identity, err := age.ParseX25519Identity(state.Identity)
	if err != nil {
		return onDiskState{}, nil, "", false
	}
	ciphertext, err := base64.StdEncoding.DecodeString(state.Ciphertext)
	if err != nil {
		return onDiskState{}, nil, "", false
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return onDiskState{}, nil, "", false
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return onDiskState{}, nil, "", false
	}
	return state, identity, string(plaintext), true
}

// persistLocked encrypts token to s.identity's recipient and atomically
// writes the on-disk state (temp file + rename), matching the atomic
// write pattern used by the rendezvous descriptor. Caller must hold s.mu.
func (s *TokenStore) persistLocked(token string, epoch int) error {
	if s.identity == nil {
		return errors.New("tokenstore: no identity available")
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.identity.Recipient())
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := io.WriteString(w, token); err != nil {
		return fmt.Errorf("encrypting token: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing token encryption: %w", err)
	}
	state := onDiskState{
		Identity:   s.identity.String(),
		Epoch:      epoch,
		Ciphertext: base64.StdEncoding.EncodeToString(buf.Bytes()),
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func generateToken() (string, error) {
	buf := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
