// Package auth implements the registry token handshake.
//
// A Session owns the bearer tokens for one registry. Tokens are cached per
// scope and refreshed before expiry; concurrent callers for the same scope
// share one exchange instead of hammering the token endpoint.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/aweris/ocitool/internal/log"
)

// ErrAuthenticationFailed marks a token exchange that did not produce a usable
// token after one retry. Credentials do not become valid by waiting, so this
// is fatal for the registry.
var ErrAuthenticationFailed = errors.New("auth: authentication failed")

// expiryMargin is how long before nominal expiry a token is considered stale.
const expiryMargin = 30 * time.Second

// Token is a bearer token scoped to a repository and set of actions.
type Token struct {
	Value     string
	Scope     string
	ExpiresAt time.Time
}

func (t *Token) valid(now time.Time) bool {
	return t != nil && t.Value != "" && now.Before(t.ExpiresAt.Add(-expiryMargin))
}

// Session obtains and refreshes bearer tokens for a single registry host.
type Session struct {
	registry string
	creds    CredentialProvider
	client   *http.Client
	now      func() time.Time

	mu        sync.Mutex
	challenge *Challenge
	tokens    map[string]*Token
	locks     map[string]*sync.Mutex
}

// NewSession creates a session for the given registry host. The credential
// provider may be nil for anonymous-only access.
func NewSession(registry string, creds CredentialProvider, client *http.Client) *Session {
	if client == nil {
		client = http.DefaultClient
	}
	return &Session{
		registry: registry,
		creds:    creds,
		client:   client,
		now:      time.Now,
		tokens:   make(map[string]*Token),
		locks:    make(map[string]*sync.Mutex),
	}
}

// SetChallenge records the bearer challenge seen on an unauthenticated
// response so later token exchanges know the endpoint.
func (s *Session) SetChallenge(c Challenge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenge = &c
}

// Challenged reports whether the registry has issued a bearer challenge yet.
func (s *Session) Challenged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.challenge != nil
}

// Invalidate drops the cached token for a scope, forcing the next EnsureValid
// to exchange a fresh one.
func (s *Session) Invalidate(scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, scope)
}

// EnsureValid returns a token for the scope, refreshing it if it is expired or
// about to expire. Requires a prior SetChallenge.
func (s *Session) EnsureValid(ctx context.Context, scope string) (*Token, error) {
	lock := s.scopeLock(scope)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	token := s.tokens[scope]
	challenge := s.challenge
	s.mu.Unlock()

	if token.valid(s.now()) {
		return token, nil
	}
	if challenge == nil {
		return nil, fmt.Errorf("%w: no challenge recorded for %s", ErrAuthenticationFailed, s.registry)
	}

	token, err := s.Obtain(ctx, scope)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.tokens[scope] = token
	s.mu.Unlock()
	return token, nil
}

// Obtain exchanges credentials for a fresh token at the challenge's realm.
// One retry on transport failure, then ErrAuthenticationFailed.
func (s *Session) Obtain(ctx context.Context, scope string) (*Token, error) {
	done := log.Operation(ctx, "token exchange",
		slog.String("registry", s.registry), slog.String("scope", scope))

	token, err := s.obtain(ctx, scope)
	if err != nil {
		// Credentials are not expected to become valid by waiting;
		// a single retry covers a flaky token endpoint, no more.
		token, err = s.obtain(ctx, scope)
	}
	done(err)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAuthenticationFailed, s.registry, err)
	}
	return token, nil
}

func (s *Session) obtain(ctx context.Context, scope string) (*Token, error) {
	s.mu.Lock()
	challenge := s.challenge
	s.mu.Unlock()
	if challenge == nil {
		return nil, fmt.Errorf("no challenge recorded for %s", s.registry)
	}

	endpoint, err := url.Parse(challenge.Realm)
	if err != nil {
		return nil, fmt.Errorf("invalid token realm %q: %w", challenge.Realm, err)
	}
	q := endpoint.Query()
	if challenge.Service != "" {
		q.Set("service", challenge.Service)
	}
	q.Set("scope", scope)
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}

	if s.creds != nil {
		creds, err := s.creds.Lookup(s.registry)
		if err != nil {
			return nil, fmt.Errorf("lookup credentials: %w", err)
		}
		if !creds.Anonymous() {
			req.SetBasicAuth(creds.Username, creds.Password)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	var payload struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}

	value := payload.Token
	if value == "" {
		value = payload.AccessToken
	}
	if value == "" {
		return nil, errors.New("token response contained no token")
	}

	// The distribution spec documents 60s as the minimum token lifetime.
	expiresIn := payload.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 60
	}

	return &Token{
		Value:     value,
		Scope:     scope,
		ExpiresAt: s.now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

func (s *Session) scopeLock(scope string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[scope]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[scope] = lock
	}
	return lock
}

// PullScope builds the token scope for pulling a repository.
func PullScope(repository string) string {
	return fmt.Sprintf("repository:%s:pull", repository)
}
