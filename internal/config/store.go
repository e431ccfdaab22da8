package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/ini.v1"
)

// Store persists per-device data keyed by device uuid. Each uuid maps to an
// ini section carrying the user-assigned alias and the Plex token captured for
// that device.
type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Alias returns the stored alias for uuid, or "" when none is recorded.
func (s *Store) Alias(uuid string) (string, error) {
	return s.get(uuid, "alias")
}

func (s *Store) SaveAlias(uuid, alias string) error {
	return s.set(uuid, "alias", alias)
}

// Token returns the Plex token recorded for uuid, or "" when none is stored.
func (s *Store) Token(uuid string) (string, error) {
	return s.get(uuid, "token")
}

func (s *Store) SaveToken(uuid, token string) error {
	return s.set(uuid, "token", token)
}

func (s *Store) get(uuid, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return "", err
	}
	section, err := file.GetSection(uuid)
	if err != nil {
		return "", nil
	}
	return section.Key(key).String(), nil
}

func (s *Store) set(uuid, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return err
	}
	file.Section(uuid).Key(key).SetValue(value)

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	if err := file.SaveTo(s.path); err != nil {
		return fmt.Errorf("save store: %w", err)
	}
	return nil
}

func (s *Store) load() (*ini.File, error) {
	if _, err := os.Stat(s.path); err != nil {
		if os.IsNotExist(err) {
			return ini.Empty(), nil
		}
		return nil, err
	}
	file, err := ini.Load(s.path)
	if err != nil {
		return nil, fmt.Errorf("load store: %w", err)
	}
	return file, nil
}
