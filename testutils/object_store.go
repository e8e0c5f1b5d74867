package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/retrogate/retrogate/consts"
)

// FileObjectStore implements storage.ObjectStore on a temp directory.
type FileObjectStore struct {
	mu      sync.RWMutex
	baseDir string
	errors  map[string]error
}

func NewFileObjectStore(baseDir string) *FileObjectStore {
	return &FileObjectStore{baseDir: baseDir, errors: make(map[string]error)}
}

// FailOn makes every operation on key return err.
func (m *FileObjectStore) FailOn(key string, err error) {
	m.mu.Lock()
	m.errors[key] = err
	m.mu.Unlock()
}

func (m *FileObjectStore) path(key string) string {
	return filepath.Join(m.baseDir, filepath.FromSlash(strings.TrimPrefix(key, "/")))
}

func (m *FileObjectStore) failure(key string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errors[key]
}

func (m *FileObjectStore) Put(_ context.Context, key string, data []byte, _ string) error {
	if err := m.failure(key); err != nil {
		return err
	}
	p := m.path(key)
	m.mu.Lock()
	err := os.MkdirAll(filepath.Dir(p), 0o755)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(p, data, 0o644)
}

func (m *FileObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	if err := m.failure(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(m.path(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", consts.ErrS3NotFound, key)
	}
	return data, err
}

func (m *FileObjectStore) Exists(_ context.Context, key string) (bool, error) {
	if err := m.failure(key); err != nil {
		return false, err
	}
	_, err := os.Stat(m.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (m *FileObjectStore) Delete(_ context.Context, key string) error {
	if err := m.failure(key); err != nil {
		return err
	}
	err := os.Remove(m.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
