// Package users resolves API keys to users from read-only YAML files.
// The loaded data is an immutable snapshot swapped atomically on reload, so
// lookups never block.
package users

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// UserInfo describes one user from the users file.
//
// Passwords are compared by equality as loaded. The files are a development
// input; a production deployment should replace them with hashed credentials.
type UserInfo struct {
	Username string   `yaml:"-"`
	Password string   `yaml:"password"`
	Enabled  bool     `yaml:"enabled"`
	Roles    []string `yaml:"roles"`
}

// HasRole reports whether the user carries the given role.
func (u *UserInfo) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type usersFile struct {
	Users map[string]*UserInfo `yaml:"users"`
}

type apiKeysFile struct {
	APIKeys map[string]string `yaml:"api_keys"` // key -> username
}

// snapshot is the immutable state the service serves lookups from.
type snapshot struct {
	users   map[string]*UserInfo
	apiKeys map[string]string
}

// Service loads users and API keys and answers auth lookups.
type Service struct {
	usersPath   string
	apiKeysPath string
	state       atomic.Pointer[snapshot]
}

// NewService creates a Service reading from the given file paths.
// Call Reload before first use.
func NewService(usersPath, apiKeysPath string) *Service {
	s := &Service{usersPath: usersPath, apiKeysPath: apiKeysPath}
	s.state.Store(&snapshot{
		users:   map[string]*UserInfo{},
		apiKeys: map[string]string{},
	})
	return s
}

// Reload re-reads both files and atomically replaces the snapshot.
// Readers observe either the previous or the new snapshot, never a mix.
func (s *Service) Reload() error {
	next, err := loadSnapshot(s.usersPath, s.apiKeysPath)
	if err != nil {
		return err
	}
	s.state.Store(next)
	slog.Info("User data loaded",
		"users", len(next.users), "api_keys", len(next.apiKeys))
	return nil
}

// ResolveUserFromAPIKey returns the user id for a valid key, or "" when the
// key is unknown or maps to a disabled user. Key comparison is constant-time.
func (s *Service) ResolveUserFromAPIKey(key string) string {
	if key == "" {
		return ""
	}
	snap := s.state.Load()
	for candidate, username := range snap.apiKeys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			user, ok := snap.users[username]
			if !ok || !user.Enabled {
				return ""
			}
			return username
		}
	}
	return ""
}

// GetUserByUsername returns the user record, or nil when absent.
func (s *Service) GetUserByUsername(name string) *UserInfo {
	return s.state.Load().users[name]
}

func loadSnapshot(usersPath, apiKeysPath string) (*snapshot, error) {
	var uf usersFile
	if err := readYAML(usersPath, &uf); err != nil {
		return nil, fmt.Errorf("loading users: %w", err)
	}
	var kf apiKeysFile
	if err := readYAML(apiKeysPath, &kf); err != nil {
		return nil, fmt.Errorf("loading api keys: %w", err)
	}

	users := make(map[string]*UserInfo, len(uf.Users))
	for name, info := range uf.Users {
		if info == nil {
			continue
		}
		info.Username = name
		users[name] = info
	}

	apiKeys := make(map[string]string, len(kf.APIKeys))
	for key, username := range kf.APIKeys {
		if _, ok := users[username]; !ok {
			slog.Warn("API key references unknown user", "user", username)
			continue
		}
		apiKeys[key] = username
	}

	return &snapshot{users: users, apiKeys: apiKeys}, nil
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}
