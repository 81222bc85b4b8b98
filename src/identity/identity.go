// Package identity manages the stable local user id and its projection
// to a display name.
package identity

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Store persists the local user id across process restarts.
type Store interface {
	// Load returns the stored id, or "" if none exists yet.
	Load() (string, error)
	Save(id string) error
}

// FileStore keeps the id in a single file.
type FileStore struct {
	Path string
}

// DefaultPath returns the standard location of the identity file.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(dir, "partway", "user_id"), nil
}

func (s FileStore) Load() (string, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (s FileStore) Save(id string) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.Path, []byte(id+"\n"), 0o600)
}

// Load returns the persistent user id held by store, creating and
// saving a fresh random one on first use.
func Load(store Store) (string, error) {
	id, err := store.Load()
	if err != nil {
		return "", fmt.Errorf("load identity: %w", err)
	}
	if id != "" {
		return id, nil
	}
	id = uuid.New().String()
	if err := store.Save(id); err != nil {
		return "", fmt.Errorf("save identity: %w", err)
	}
	return id, nil
}

var (
	defaultOnce sync.Once
	defaultID   string
	defaultErr  error
)

// Default returns the process-wide user id backed by the file store at
// DefaultPath, created lazily once and reused for the process lifetime.
func Default() (string, error) {
	defaultOnce.Do(func() {
		path, err := DefaultPath()
		if err != nil {
			defaultErr = err
			return
		}
		defaultID, defaultErr = Load(FileStore{Path: path})
	})
	return defaultID, defaultErr
}

// DisplayName derives a stable readable name from a user id: the
// label "User" plus the last four characters of the id.
func DisplayName(id string) string {
	if len(id) <= 4 {
		return "User" + id
	}
	return "User" + id[len(id)-4:]
}
