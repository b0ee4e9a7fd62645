package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Persisted credential keys.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"

	// keyLegacyExpiry was written by earlier clients; it is only ever removed.
	keyLegacyExpiry = "exp"
)

const lockTimeout = 5 * time.Second

// CredentialStore is a durable key-value store holding the session's token pair.
// Get reports found=false, with a nil error, for missing keys.
type CredentialStore interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// MemoryStore keeps credentials in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

// Get implements CredentialStore.
func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok, nil
}

// Set implements CredentialStore.
func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// Remove implements CredentialStore.
func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// FileStore keeps credentials in a 0600 JSON file guarded by an advisory lock, so several labctl
// processes can share one session.
type FileStore struct {
	path string
	lock *flock.Flock
}

// NewFileStore returns a store backed by path. The file is created on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, lock: flock.New(path + ".lock")}
}

// Get implements CredentialStore.
func (s *FileStore) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		v  string
		ok bool
	)
	err := s.withLock(ctx, false, func() error {
		data, err := s.load()
		if err != nil {
			return err
		}
		v, ok = data[key]
		return nil
	})
	return v, ok, err
}

// Set implements CredentialStore.
func (s *FileStore) Set(ctx context.Context, key, value string) error {
	return s.withLock(ctx, true, func() error {
		data, err := s.load()
		if err != nil {
			return err
		}
		data[key] = value
		return s.save(data)
	})
}

// Remove implements CredentialStore.
func (s *FileStore) Remove(ctx context.Context, key string) error {
	return s.withLock(ctx, true, func() error {
		data, err := s.load()
		if err != nil {
			return err
		}
		if _, ok := data[key]; !ok {
			return nil
		}
		delete(data, key)
		return s.save(data)
	})
}

func (s *FileStore) withLock(ctx context.Context, exclusive bool, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	var (
		locked bool
		err    error
	)
	if exclusive {
		locked, err = s.lock.TryLockContext(lockCtx, 50*time.Millisecond)
	} else {
		locked, err = s.lock.TryRLockContext(lockCtx, 50*time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("lock credentials: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock credentials: timeout after %v", lockTimeout)
	}
	defer s.lock.Unlock()
	return fn()
}

func (s *FileStore) load() (map[string]string, error) {
	data := make(map[string]string)
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return data, nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	if len(b) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return data, nil
}

func (s *FileStore) save(data map[string]string) error {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace credentials: %w", err)
	}
	return nil
}
