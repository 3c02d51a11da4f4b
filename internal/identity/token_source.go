package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrNotAuthenticated is returned when a session holds no usable token and
// silent acquisition is not possible.
var ErrNotAuthenticated = errors.New("not authenticated")

// TokenSourceConfig configures silent token acquisition at the provider's
// token endpoint.
type TokenSourceConfig struct {
	TokenURL    string
	ClientID    string
	Scope       string
	RefreshSkew time.Duration
	HTTPClient  *http.Client
}

type sessionToken struct {
	accessToken  string
	refreshToken string
	expires      time.Time
}

// TokenSource caches bearer tokens per session and refreshes them silently
// at the provider when they approach expiry.
type TokenSource struct {
	tokenURL    string
	clientID    string
	scope       string
	refreshSkew time.Duration
	httpClient  *http.Client

	mu       sync.Mutex
	sessions map[string]sessionToken
}

// NewTokenSource creates a token source.
func NewTokenSource(cfg TokenSourceConfig) (*TokenSource, error) {
	tokenURL := strings.TrimSpace(cfg.TokenURL)
	if tokenURL == "" {
		return nil, errors.New("token source requires tokenURL")
	}
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		return nil, errors.New("token source requires clientID")
	}
	skew := cfg.RefreshSkew
	if skew <= 0 {
		skew = time.Minute
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &TokenSource{
		tokenURL:    tokenURL,
		clientID:    clientID,
		scope:       strings.TrimSpace(cfg.Scope),
		refreshSkew: skew,
		httpClient:  httpClient,
		sessions:    make(map[string]sessionToken),
	}, nil
}

// Store caches tokens for a session, typically right after interactive login.
func (s *TokenSource) Store(sessionID, accessToken, refreshToken string, expires time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = sessionToken{
		accessToken:  accessToken,
		refreshToken: refreshToken,
		expires:      expires,
	}
}

// Token returns a valid access token for the session. The cached token is
// returned while fresh; otherwise it is refreshed at the provider. Both a
// missing session and a failed refresh yield ErrNotAuthenticated.
func (s *TokenSource) Token(ctx context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return "", ErrNotAuthenticated
	}
	if sess.accessToken != "" && time.Now().Add(s.refreshSkew).Before(sess.expires) {
		return sess.accessToken, nil
	}
	return s.refresh(ctx, sessionID, sess)
}

// Invalidate drops the cached access token so the next Token call refreshes.
// The refresh token is kept.
func (s *TokenSource) Invalidate(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	sess.accessToken = ""
	sess.expires = time.Time{}
	s.sessions[sessionID] = sess
}

// SignOut removes the session entirely.
func (s *TokenSource) SignOut(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

func (s *TokenSource) refresh(ctx context.Context, sessionID string, sess sessionToken) (string, error) {
	if sess.refreshToken == "" {
		return "", ErrNotAuthenticated
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", s.clientID)
	form.Set("refresh_token", sess.refreshToken)
	if s.scope != "" {
		form.Set("scope", s.scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint status %d: %w", resp.StatusCode, ErrNotAuthenticated)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return "", ErrNotAuthenticated
	}

	next := sessionToken{
		accessToken:  payload.AccessToken,
		refreshToken: sess.refreshToken,
		expires:      time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}
	if payload.RefreshToken != "" {
		next.refreshToken = payload.RefreshToken
	}

	s.mu.Lock()
	s.sessions[sessionID] = next
	s.mu.Unlock()
	return next.accessToken, nil
}
