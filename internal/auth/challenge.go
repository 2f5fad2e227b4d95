package auth

import (
	"fmt"
	"strings"
)

// Challenge is the bearer challenge a registry returns on an unauthenticated
// request, naming the token endpoint and service.
type Challenge struct {
	Realm   string
	Service string
	Scope   string
}

// ParseChallenge parses a WWW-Authenticate header of the form
// `Bearer realm="https://auth.docker.io/token",service="registry.docker.io"`.
func ParseChallenge(header string) (Challenge, error) {
	scheme, params, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return Challenge{}, fmt.Errorf("unsupported auth challenge %q", header)
	}

	var c Challenge
	for _, part := range splitParams(params) {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "realm":
			c.Realm = value
		case "service":
			c.Service = value
		case "scope":
			c.Scope = value
		}
	}
	if c.Realm == "" {
		return Challenge{}, fmt.Errorf("auth challenge missing realm: %q", header)
	}
	return c, nil
}

// splitParams splits challenge parameters on commas outside quoted strings.
func splitParams(s string) []string {
	var parts []string
	var b strings.Builder
	quoted := false
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			b.WriteRune(r)
		case r == ',' && !quoted:
			parts = append(parts, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() > 0 {
		parts = append(parts, b.String())
	}
	return parts
}
