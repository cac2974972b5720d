package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shomar-security/shomar-cli/internal/api"
)

// Authenticator exchanges dashboard credentials for tokens
type Authenticator interface {
	Login(ctx context.Context, email, password string) (*api.LoginResult, error)
}

// Status represents the current authentication status
type Status struct {
	LoggedIn    bool
	Expired     bool
	Credentials *Credentials
	Claims      *Claims
	Error       error
}

// Session holds the dashboard token for the lifetime of a command. It is
// passed explicitly to the backend client as its TokenSource; the backing
// store is injected.
type Session struct {
	store CredentialStore

	mu     sync.Mutex
	creds  *Credentials
	loaded bool
}

// Ensure Session implements api.TokenSource
var _ api.TokenSource = (*Session)(nil)

// NewSession creates a session backed by store
func NewSession(store CredentialStore) *Session {
	return &Session{store: store}
}

// AccessToken returns the stored access token, or an empty token when not
// logged in or expired so that the request goes out unauthenticated
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	creds, err := s.load()
	if err != nil {
		if errors.Is(err, ErrNotLoggedIn) {
			return "", nil
		}
		return "", err
	}
	if creds.IsExpired() {
		return "", nil
	}
	return creds.AccessToken, nil
}

// Login authenticates with the backend and stores the resulting tokens
func (s *Session) Login(ctx context.Context, authn Authenticator, email, password string) (*Credentials, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, fmt.Errorf("email and password are required")
	}

	result, err := authn.Login(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	creds := &Credentials{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Email:        email,
	}
	if claims, err := ExtractClaims(result.AccessToken); err == nil {
		creds.ExpiresAt = claims.Expiry()
	}

	if err := s.store.Save(creds); err != nil {
		return nil, fmt.Errorf("failed to save credentials: %w", err)
	}

	s.mu.Lock()
	s.creds = creds
	s.loaded = true
	s.mu.Unlock()

	return creds, nil
}

// Logout removes stored credentials
func (s *Session) Logout() error {
	s.mu.Lock()
	s.creds = nil
	s.loaded = true
	s.mu.Unlock()
	return s.store.Delete()
}

// Status returns the current authentication status
func (s *Session) Status() *Status {
	creds, err := s.load()
	if err != nil {
		if errors.Is(err, ErrNotLoggedIn) {
			err = nil
		}
		return &Status{Error: err}
	}

	status := &Status{
		LoggedIn:    true,
		Expired:     creds.IsExpired(),
		Credentials: creds,
	}
	if claims, err := ExtractClaims(creds.AccessToken); err == nil {
		status.Claims = claims
	}
	return status
}

// load reads credentials from the store once and caches them
func (s *Session) load() (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		if s.creds == nil {
			return nil, ErrNotLoggedIn
		}
		return s.creds, nil
	}

	creds, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, ErrNotLoggedIn
	}
	s.creds = creds
	s.loaded = true
	return creds, nil
}
