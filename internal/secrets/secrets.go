// Package secrets gives access to credential material (database passwords,
// bus API keys): callers never hardcode a connection string, they look the
// credential up by key and render it into a connection-string template at
// dial time. There is no file-watcher auto-refresh here (no on-disk
// secrets-fetcher daemon in this deployment); credentials come from a
// static map or from the process environment.
package secrets

import (
	"fmt"
	"os"
	"strings"
)

// CredentialSecret is a username/password pair rendered into
// connection-string templates.
type CredentialSecret struct {
	Username string
	Password string
}

// Store resolves named credentials. Use NewStore for a static map (tests,
// local dev) or NewEnvStore to resolve from the process environment.
type Store struct {
	creds  map[string]CredentialSecret
	prefix string
}

// NewStore returns a Store backed by the given static credential map.
func NewStore(creds map[string]CredentialSecret) *Store {
	return &Store{creds: creds}
}

// NewEnvStore returns a Store that resolves key "db/primary" from the
// environment variables PREFIX_DB_PRIMARY_USERNAME and
// PREFIX_DB_PRIMARY_PASSWORD.
func NewEnvStore(prefix string) *Store {
	return &Store{prefix: prefix}
}

func (s *Store) envName(key, field string) string {
	mangled := strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(key)
	return strings.ToUpper(s.prefix + "_" + mangled + "_" + field)
}

// GetCredentialSecret returns the credential registered under key.
func (s *Store) GetCredentialSecret(key string) (CredentialSecret, error) {
	if s == nil {
		return CredentialSecret{}, fmt.Errorf("secrets: nil store")
	}
	if s.prefix != "" {
		username, okU := os.LookupEnv(s.envName(key, "USERNAME"))
		password, okP := os.LookupEnv(s.envName(key, "PASSWORD"))
		if !okU && !okP {
			return CredentialSecret{}, fmt.Errorf("secrets: no environment credential for key %q", key)
		}
		return CredentialSecret{Username: username, Password: password}, nil
	}
	cred, ok := s.creds[key]
	if !ok {
		return CredentialSecret{}, fmt.Errorf("secrets: no credential registered for key %q", key)
	}
	return cred, nil
}
