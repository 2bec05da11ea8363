// Package userenv resolves per-user environment variables (credentials,
// API tokens) injected into spawned executor processes.
package userenv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrUnknownUser indicates no environment is configured for a user.
var ErrUnknownUser = errors.New("unknown user")

// Resolver resolves the process environment for a user.
type Resolver interface {
	// Resolve returns the environment map for a user.
	Resolve(userID string) (map[string]string, error)

	// Known reports whether the user's identity still resolves. The queue
	// coordinator uses this before re-submitting on a queued user's behalf.
	Known(userID string) bool
}

// userEntry is one user's block in the users file.
type userEntry struct {
	Env map[string]string `yaml:"env"`
}

type usersFile struct {
	Users map[string]userEntry `yaml:"users"`
}

// FileResolver loads per-user environments from a YAML file.
type FileResolver struct {
	mu    sync.RWMutex
	users map[string]userEntry
}

// LoadFromFile reads a users file. A missing file yields an empty resolver:
// every lookup falls back to an empty environment via Resolve's error path.
func LoadFromFile(path string) (*FileResolver, error) {
	r := &FileResolver{users: make(map[string]userEntry)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}

	var f usersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse users file: %w", err)
	}
	if f.Users != nil {
		r.users = f.Users
	}
	return r, nil
}

// DefaultUsersPath returns the conventional users file location.
func DefaultUsersPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "users.yaml"
	}
	return filepath.Join(home, ".agor", "users.yaml")
}

// Resolve returns a copy of the user's environment map.
func (r *FileResolver) Resolve(userID string) (map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	env := make(map[string]string, len(entry.Env))
	for k, v := range entry.Env {
		env[k] = v
	}
	return env, nil
}

// Known reports whether the user exists in the file.
func (r *FileResolver) Known(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[userID]
	return ok
}

// Static is a fixed in-memory resolver, used in tests and single-user setups.
type Static map[string]map[string]string

// Resolve returns a copy of the user's environment map.
func (s Static) Resolve(userID string) (map[string]string, error) {
	entry, ok := s[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	env := make(map[string]string, len(entry))
	for k, v := range entry {
		env[k] = v
	}
	return env, nil
}

// Known reports whether the user exists.
func (s Static) Known(userID string) bool {
	_, ok := s[userID]
	return ok
}
