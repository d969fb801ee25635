// Package credstore handles reading and writing the user credential
// file. It stores per-account device identity and token material and is
// the single source of truth for credentials across process runs.
// This is a leaf package imported by both the protocol client and the
// CLI to avoid an import cycle.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FilePerms restricts the credential file to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the config directory.
const DirPerms = 0o700

// User holds one account's identity: device registration, the bearer
// token pair, and the user identity obtained at login. Mutated by every
// authentication operation and persisted after each mutation.
type User struct {
	Email        string `json:"Email"`
	DeviceID     string `json:"DeviceId"`
	SerialNumber string `json:"SerialNumber"`
	AccessToken  string `json:"AccessToken"`
	RefreshToken string `json:"RefreshToken"`
	UserID       string `json:"UserId"`
	UserKey      string `json:"UserKey"`
}

// AuthReady reports whether the identity can make authenticated calls:
// a registered device and both halves of the token pair.
func (u *User) AuthReady() bool {
	return u.DeviceID != "" && u.AccessToken != "" && u.RefreshToken != ""
}

// LoggedIn reports whether a user account is bound to the device.
func (u *User) LoggedIn() bool {
	return u.UserID != "" && u.UserKey != ""
}

// userFile is the on-disk format. A versionless JSON document holding
// the full user list, matching what earlier releases wrote.
type userFile struct {
	Users []*User `json:"users"`
}

// Store owns the user list and its persistence. Not safe for
// concurrent use within a process; cross-process mutation is guarded
// by a lock file next to the credential file.
type Store struct {
	path  string
	users []*User
}

// Open loads the credential file at path, or returns an empty store if
// the file does not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}

	if err != nil {
		return nil, fmt.Errorf("credstore: reading %s: %w", path, err)
	}

	var uf userFile
	if err := json.Unmarshal(data, &uf); err != nil {
		return nil, fmt.Errorf("credstore: decoding %s: %w", path, err)
	}

	s.users = uf.Users

	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Users returns the user list in file order.
func (s *Store) Users() []*User {
	return s.users
}

// Get finds a user by email, user key, or device id.
// Returns nil when no user matches.
func (s *Store) Get(identifier string) *User {
	for _, u := range s.users {
		if u.Email == identifier || u.UserKey == identifier || u.DeviceID == identifier {
			return u
		}
	}

	return nil
}

// Add appends a user to the list. The caller must Save afterwards.
func (s *Store) Add(u *User) {
	s.users = append(s.users, u)
}

// RemoveUser deletes the exact record, matched by pointer. Used to
// roll back a half-completed registration whose identifying fields may
// still be empty.
func (s *Store) RemoveUser(target *User) bool {
	for i, u := range s.users {
		if u == target {
			s.users = append(s.users[:i], s.users[i+1:]...)
			return true
		}
	}

	return false
}

// Remove deletes a user by email, user key, or device id and returns
// the removed user, or nil when no user matched.
func (s *Store) Remove(identifier string) *User {
	for i, u := range s.users {
		if u.Email == identifier || u.UserKey == identifier || u.DeviceID == identifier {
			s.users = append(s.users[:i], s.users[i+1:]...)
			return u
		}
	}

	return nil
}

// Save writes the credential file atomically (write-to-temp + rename)
// with 0600 permissions, holding a file lock so two kobo-go processes
// cannot interleave writes. Never logs token values.
func (s *Store) Save() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, DirPerms); err != nil {
		return fmt.Errorf("credstore: creating directory %s: %w", dir, err)
	}

	lock := flock.New(s.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("credstore: locking %s: %w", s.path, err)
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(userFile{Users: s.users}, "", "  ")
	if err != nil {
		return fmt.Errorf("credstore: encoding: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".users-*.tmp")
	if err != nil {
		return fmt.Errorf("credstore: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("credstore: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("credstore: writing: %w", err)
	}

	// Flush to stable storage before rename so a power loss cannot
	// leave an empty or partial credential file at the final path.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("credstore: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credstore: closing: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("credstore: renaming: %w", err)
	}

	success = true

	return nil
}

// DefaultPath resolves the credential file location. Honors
// XDG_CONFIG_HOME; falls back to ~/.config, then the home dir itself.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" || !isDir(dir) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "users.json"
		}

		dir = filepath.Join(home, ".config")
		if !isDir(dir) {
			dir = home
		}
	}

	return filepath.Join(dir, "kobo-go", "users.json")
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
