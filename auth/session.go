// Package auth owns the lifecycle of the bearer token used against the
// fleet-management server API.
//
// A Session is created by the caller for one upload run and passed to every
// component of that run. It acquires a token on first need, reuses it while it
// is valid, refreshes it transparently, and is invalidated by the caller when
// the run ends. Sessions never share state with each other: one run's
// credential failure cannot affect another run.
//
// Two credential shapes are accepted:
//
//	session, err := auth.NewSession(baseURL, auth.Basic{Username: "api", Password: pw})
//	session, err := auth.NewSession(baseURL, auth.ClientCredentials{ClientID: id, ClientSecret: secret})
//
// Thread Safety: all Session methods are safe for concurrent use. Concurrent
// callers share a single token exchange.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	pkgerrors "github.com/input-output-hk/catalyst-forge-pkgdist/errors"
)

// Server endpoints used by the session.
const (
	TokenPath           = "/api/v1/auth/token"
	OAuthTokenPath      = "/api/oauth/token"
	InvalidateTokenPath = "/api/v1/auth/invalidate-token"
)

const (
	// DefaultSafetyMargin is how long before expiry a token is considered stale.
	DefaultSafetyMargin = 60 * time.Second

	// fallbackLifetime is used when the server reports no expiry at all.
	fallbackLifetime = 20 * time.Minute
)

// Session caches one bearer token for the lifetime of an upload run.
type Session struct {
	baseURL    string
	creds      Credentials
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
	margin     time.Duration

	// mu guards token and serializes exchanges
	mu    sync.Mutex
	token *Token
}

// Option configures a Session.
type Option func(*Session)

// WithHTTPClient sets the HTTP client used for token exchanges.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Session) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSafetyMargin sets how long before expiry a cached token is refreshed.
func WithSafetyMargin(margin time.Duration) Option {
	return func(s *Session) {
		if margin >= 0 {
			s.margin = margin
		}
	}
}

// NewSession creates a session for the server at baseURL.
func NewSession(baseURL string, creds Credentials, opts ...Option) (*Session, error) {
	if baseURL == "" {
		return nil, pkgerrors.New("session", pkgerrors.CodeInvalidConfig, nil).
			WithMessage("base URL cannot be empty")
	}
	if creds == nil {
		return nil, pkgerrors.New("session", pkgerrors.CodeInvalidConfig, nil).
			WithMessage("credentials cannot be nil")
	}
	if err := creds.validate(); err != nil {
		return nil, pkgerrors.New("session", pkgerrors.CodeInvalidConfig, err)
	}

	s := &Session{
		baseURL:    strings.TrimRight(baseURL, "/"),
		creds:      creds,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
		now:        time.Now,
		margin:     DefaultSafetyMargin,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Token returns a valid token, exchanging credentials when none is cached or
// the cached one is within the safety margin of its expiry.
func (s *Session) Token(ctx context.Context) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token.ValidAt(s.now(), s.margin) {
		return s.token, nil
	}

	refresh := s.token != nil
	token, err := s.exchange(ctx)
	if err != nil {
		s.token = nil
		return nil, err
	}
	s.token = token

	s.logger.Debug("obtained bearer token",
		"method", token.Method,
		"expires", token.Expires,
		"refresh", refresh,
	)
	return token, nil
}

// Reset drops the cached token so the next Token call re-authenticates.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = nil
}

// Invalidate revokes the cached token on the server and clears the cache.
// It is best-effort: failures are logged, since tokens expire on their own.
func (s *Session) Invalidate(ctx context.Context) {
	s.mu.Lock()
	token := s.token
	s.token = nil
	s.mu.Unlock()

	if token == nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+InvalidateTokenPath, nil)
	if err != nil {
		s.logger.Warn("token invalidation failed", "error", err)
		return
	}
	req.Header.Set("Authorization", "Bearer "+token.Value.Reveal())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("token invalidation failed", "error", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		s.logger.Warn("token invalidation rejected", "status", resp.StatusCode)
		return
	}
	s.logger.Debug("token invalidated")
}

func (s *Session) exchange(ctx context.Context) (*Token, error) {
	switch creds := s.creds.(type) {
	case Basic:
		return s.exchangeBasic(ctx, creds)
	case ClientCredentials:
		return s.exchangeClientCredentials(ctx, creds)
	default:
		return nil, pkgerrors.New("token", pkgerrors.CodeInvalidConfig, nil).
			WithMessage(fmt.Sprintf("unsupported credentials %T", creds))
	}
}

// exchangeBasic trades a username/password for a token at TokenPath.
func (s *Session) exchangeBasic(ctx context.Context, creds Basic) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+TokenPath, nil)
	if err != nil {
		return nil, pkgerrors.New("token", pkgerrors.CodeInvalidInput, err)
	}
	req.SetBasicAuth(creds.Username, creds.Password.Reveal())
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, pkgerrors.New("token", pkgerrors.CodeAuthentication, err).
			WithEndpoint(http.MethodPost, TokenPath)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, pkgerrors.New("token", pkgerrors.CodeAuthentication, nil).
			WithEndpoint(http.MethodPost, TokenPath).
			WithStatus(resp.StatusCode).
			WithMessage("token exchange rejected")
	}

	var body struct {
		Token   string `json:"token"`
		Expires string `json:"expires"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, pkgerrors.New("token", pkgerrors.CodeAuthentication, err).
			WithEndpoint(http.MethodPost, TokenPath).
			WithMessage("decode token response")
	}
	if body.Token == "" {
		return nil, pkgerrors.New("token", pkgerrors.CodeAuthentication, nil).
			WithEndpoint(http.MethodPost, TokenPath).
			WithMessage("token response has no token")
	}

	return &Token{
		Value:   Secret(body.Token),
		Expires: s.expiryOf(body.Token, body.Expires),
		Method:  MethodBasic,
	}, nil
}

// expiryOf prefers the server's expires field, then the JWT exp claim.
func (s *Session) expiryOf(token, expires string) time.Time {
	if expires != "" {
		if t, err := time.Parse(time.RFC3339, expires); err == nil {
			return t
		}
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}

	s.logger.Warn("token expiry unknown, assuming default lifetime", "lifetime", fallbackLifetime)
	return s.now().Add(fallbackLifetime)
}

// exchangeClientCredentials runs the OAuth client-credentials grant at OAuthTokenPath.
func (s *Session) exchangeClientCredentials(ctx context.Context, creds ClientCredentials) (*Token, error) {
	cfg := clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret.Reveal(),
		TokenURL:     s.baseURL + OAuthTokenPath,
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	t, err := cfg.Token(ctx)
	if err != nil {
		e := pkgerrors.New("token", pkgerrors.CodeAuthentication, err).
			WithEndpoint(http.MethodPost, OAuthTokenPath)
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			e = e.WithStatus(re.Response.StatusCode)
		}
		return nil, e
	}

	// oauth2 stamps Expiry against the wall clock; rebase it on the session clock.
	expires := s.now().Add(fallbackLifetime)
	if !t.Expiry.IsZero() {
		expires = s.now().Add(time.Until(t.Expiry))
	}

	return &Token{
		Value:   Secret(t.AccessToken),
		Expires: expires,
		Method:  MethodClientCredentials,
	}, nil
}
