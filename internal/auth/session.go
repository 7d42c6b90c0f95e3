// Package auth owns the bearer credential for the platform API: acquiring
// it through the login handshake, refreshing it when a request is rejected,
// and decorating outgoing requests with it.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coursepull/coursepull/internal/logctx"
	"golang.org/x/oauth2"
)

// ErrAuthenticationFailed signals a rejected login handshake. Fatal for the run.
var ErrAuthenticationFailed = errors.New("authentication failed")

// ErrNoStoredCredential is returned by a TokenStore when nothing is persisted.
var ErrNoStoredCredential = errors.New("no stored credential")

// Credential is the bearer token plus the host it belongs to. The expiry is
// zero when the platform does not report one.
type Credential struct {
	Token     string
	Expiry    time.Time
	Subdomain string
}

// Valid reports whether the credential can still be attached to requests.
func (c Credential) Valid() bool {
	if c.Token == "" {
		return false
	}

	return c.Expiry.IsZero() || time.Now().Before(c.Expiry)
}

// Handshaker performs the email/password login exchange against the platform.
type Handshaker interface {
	Login(ctx context.Context) (Credential, error)
}

// TokenStore persists credentials between runs. Persistence lives outside
// the session; the zero value of Session never touches disk or keyring.
type TokenStore interface {
	Load() (Credential, error)
	Save(Credential) error
	Delete() error
}

// defaultHandshakeTimeout bounds a re-login triggered from inside a request,
// which runs detached from the request's own deadline.
const defaultHandshakeTimeout = time.Minute

// Session caches one credential and hands out HTTP clients that attach it.
// Refresh happens under a single-writer lock so concurrent requests never
// observe a half-updated token.
type Session struct {
	mu         sync.Mutex
	cred       Credential
	handshaker Handshaker
	store      TokenStore
	base       http.RoundTripper

	handshakeTimeout time.Duration
}

// NewSession builds a session. store may be nil when persistence is not
// wanted; base may be nil to use http.DefaultTransport.
func NewSession(h Handshaker, store TokenStore, base http.RoundTripper) *Session {
	return &Session{handshaker: h, store: store, base: base, handshakeTimeout: defaultHandshakeTimeout}
}

// Seed installs an already-known credential, bypassing the handshake.
func (s *Session) Seed(cred Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cred = cred
}

// Acquire returns a valid credential, running the login handshake only when
// no cached or stored credential is usable. Idempotent.
func (s *Session) Acquire(ctx context.Context) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.acquireLocked(ctx)
}

func (s *Session) acquireLocked(ctx context.Context) (Credential, error) {
	if s.cred.Valid() {
		return s.cred, nil
	}

	logger := logctx.LoggerFromContext(ctx)

	if s.store != nil {
		if cred, err := s.store.Load(); err == nil && cred.Valid() {
			logger.Debug("using stored credential", "subdomain", cred.Subdomain)
			s.cred = cred

			return s.cred, nil
		} else if err != nil && !errors.Is(err, ErrNoStoredCredential) {
			logger.Warn("failed to load stored credential", "err", err)
		}
	}

	cred, err := s.handshaker.Login(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %s", ErrAuthenticationFailed, err)
	}

	s.cred = cred

	if s.store != nil {
		if err := s.store.Save(cred); err != nil {
			logger.Warn("failed to persist credential", "err", err)
		}
	}

	return s.cred, nil
}

// Invalidate drops the cached credential if it still matches stale, then
// acquires a fresh one. Concurrent callers holding the same rejected token
// trigger a single re-login.
func (s *Session) Invalidate(ctx context.Context, stale string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cred.Token == stale {
		s.cred = Credential{}

		if s.store != nil {
			if err := s.store.Delete(); err != nil && !errors.Is(err, ErrNoStoredCredential) {
				logctx.LoggerFromContext(ctx).Warn("failed to delete stored credential", "err", err)
			}
		}
	}

	return s.acquireLocked(ctx)
}

// Token implements oauth2.TokenSource over the session cache. The token
// source interface carries no context, so a refresh from here runs on its
// own bounded clock rather than unboundedly.
func (s *Session) Token() (*oauth2.Token, error) {
	timeout := s.handshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cred, err := s.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	return &oauth2.Token{AccessToken: cred.Token, Expiry: cred.Expiry}, nil
}

// Client returns an HTTP client whose transport injects the bearer token
// and re-authenticates at most once when the server rejects it.
func (s *Session) Client(timeout time.Duration) *http.Client {
	base := s.base
	if base == nil {
		base = http.DefaultTransport
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &reauthTransport{
			session: s,
			inner:   &oauth2.Transport{Source: s, Base: base},
		},
	}
}

// reauthTransport retries a request exactly once after an authorization
// rejection, behind a forced re-login.
type reauthTransport struct {
	session *Session
	inner   http.RoundTripper
}

func (t *reauthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	stale := t.session.snapshotToken()

	resp, err := t.inner.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
		return resp, nil
	}

	// Requests with consumed bodies cannot be replayed.
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}

	resp.Body.Close()

	if _, err := t.session.Invalidate(req.Context(), stale); err != nil {
		return nil, err
	}

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}

		retry.Body = body
	}

	return t.inner.RoundTrip(retry)
}

func (s *Session) snapshotToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cred.Token
}
