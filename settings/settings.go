// Package settings loads and saves user preferences kept in a TOML file.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

// Preferences are the user-facing download preferences.
type Preferences struct {
	Feed         string `toml:"feed"`
	WifiOnly     bool   `toml:"wifi_only"`
	AutoDownload bool   `toml:"auto_download"`
	KeepIssues   int    `toml:"keep_issues"` // 0 keeps every issue
}

// Defaults returns the preferences used when no file exists.
func Defaults() Preferences {
	return Preferences{
		Feed:         "taz",
		WifiOnly:     true,
		AutoDownload: true,
		KeepIssues:   20,
	}
}

// Validate checks the preferences for obviously wrong values.
func (p Preferences) Validate() error {
	if p.Feed == "" {
		return errors.New("feed must not be empty")
	}
	if p.KeepIssues < 0 {
		return fmt.Errorf("keep_issues must not be negative, got %d", p.KeepIssues)
	}
	return nil
}

// Store is a preferences file. It is safe for concurrent use.
type Store struct {
	path string

	mu    sync.RWMutex
	prefs Preferences
}

// Load reads the preferences at path. A missing file yields the defaults;
// keys absent from the file keep their default values.
func Load(path string) (*Store, error) {
	prefs := Defaults()
	if _, err := toml.DecodeFile(path, &prefs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading settings %s: %w", path, err)
	}
	if err := prefs.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings %s: %w", path, err)
	}
	return &Store{path: path, prefs: prefs}, nil
}

// Get returns the current preferences.
func (s *Store) Get() Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefs
}

// WifiOnly reports whether downloads need an unmetered network.
func (s *Store) WifiOnly() bool {
	return s.Get().WifiOnly
}

// Update applies fn to the preferences and writes them to disk.
func (s *Store) Update(fn func(*Preferences)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.prefs
	fn(&next)
	if err := next.Validate(); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(next); err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	if err := writeFileAtomic(s.path, buf.Bytes()); err != nil {
		return err
	}
	s.prefs = next
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming settings file: %w", err)
	}
	return nil
}
