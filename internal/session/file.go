package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/dgellow/labauth/internal/oauth"
)

// File is a Session persisted as a JSON file readable only by the owner.
// The CLI uses it so a login survives between invocations.
type File struct {
	path string
	mu   sync.Mutex
}

// NewFile returns a File session at path. The file is created on first write.
func NewFile(path string) *File {
	return &File{path: path}
}

// DefaultPath returns the per-user session file location
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locating config directory: %w", err)
	}
	return filepath.Join(dir, "labauth", "session.json"), nil
}

// Path returns the file location
func (f *File) Path() string { return f.path }

func (f *File) load() (Data, error) {
	var d Data
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return d, nil
	}
	if err != nil {
		return d, fmt.Errorf("reading session file: %w", err)
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return d, fmt.Errorf("parsing session file %s: %w", f.path, err)
	}
	return d, nil
}

func (f *File) save(d Data) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}
	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".session-*")
	if err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("writing session file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("writing session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replacing session file: %w", err)
	}
	return nil
}

func (f *File) update(fn func(*Data)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.load()
	if err != nil {
		return err
	}
	fn(&d)
	return f.save(d)
}

func (f *File) SetTokens(_ context.Context, tokens oauth.AuthTokens) error {
	return f.update(func(d *Data) { d.Tokens = tokens })
}

func (f *File) ClearTokens(_ context.Context) error {
	return f.update(func(d *Data) { d.Tokens = oauth.AuthTokens{} })
}

func (f *File) AccessToken(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.load()
	if err != nil {
		return "", err
	}
	return d.Tokens.AccessToken, nil
}

func (f *File) SetCurrentUser(_ context.Context, user *oauth.User) error {
	return f.update(func(d *Data) { d.User = user })
}

func (f *File) CurrentUser(_ context.Context) (*oauth.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.load()
	if err != nil {
		return nil, err
	}
	return d.User, nil
}

// Logout removes the file
func (f *File) Logout(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing session file: %w", err)
	}
	return nil
}
