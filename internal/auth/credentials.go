package auth

import (
	"fmt"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
)

// Credentials for a registry. The zero value means anonymous access.
type Credentials struct {
	Username string
	Password string
}

// Anonymous reports whether the credentials are empty.
func (c Credentials) Anonymous() bool { return c.Username == "" && c.Password == "" }

// CredentialProvider supplies registry credentials by host. Returning zero
// Credentials declares anonymous access.
type CredentialProvider interface {
	Lookup(registry string) (Credentials, error)
}

// Static is a fixed host-to-credentials mapping.
type Static map[string]Credentials

func (s Static) Lookup(registry string) (Credentials, error) {
	return s[registry], nil
}

// Keychain resolves credentials from the local docker config and credential
// helpers, the same sources the docker CLI uses.
type Keychain struct{}

func (Keychain) Lookup(registry string) (Credentials, error) {
	reg, err := name.NewRegistry(registry)
	if err != nil {
		return Credentials{}, fmt.Errorf("invalid registry %q: %w", registry, err)
	}

	authenticator, err := authn.DefaultKeychain.Resolve(reg)
	if err != nil {
		return Credentials{}, fmt.Errorf("resolve keychain for %s: %w", registry, err)
	}

	cfg, err := authenticator.Authorization()
	if err != nil {
		return Credentials{}, fmt.Errorf("read keychain credentials for %s: %w", registry, err)
	}
	return Credentials{Username: cfg.Username, Password: cfg.Password}, nil
}
