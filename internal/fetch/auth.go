package fetch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pulseboard/ingest/internal/config"
)

// =============================================================================
// AUTHENTICATION STRATEGIES
// =============================================================================

// Authenticator applies credentials to an outgoing request. Strategies
// that need the network to obtain a credential (token refresh) may
// block on ctx.
type Authenticator interface {
	Apply(ctx context.Context, req *http.Request) error
}

// NewAuthenticator builds the strategy declared by cfg, resolving
// credential material from the referenced environment variables. A
// missing required variable is a configuration error, not something a
// retry can fix.
func NewAuthenticator(cfg config.AuthConfig) (Authenticator, error) {
	switch cfg.Kind {
	case "", "none":
		return NoAuth{}, nil
	case "bearer":
		token, err := requireEnv(cfg.TokenEnv)
		if err != nil {
			return nil, err
		}
		return BearerToken{Token: token}, nil
	case "basic":
		user, err := requireEnv(cfg.UsernameEnv)
		if err != nil {
			return nil, err
		}
		pass, err := requireEnv(cfg.PasswordEnv)
		if err != nil {
			return nil, err
		}
		return BasicAuth{Username: user, Password: pass}, nil
	case "api_key":
		key, err := requireEnv(cfg.KeyEnv)
		if err != nil {
			return nil, err
		}
		return APIKey{Key: key, Header: cfg.Header}, nil
	case "oauth_refresh":
		clientID, err := requireEnv(cfg.ClientIDEnv)
		if err != nil {
			return nil, err
		}
		clientSecret, err := requireEnv(cfg.ClientSecretEnv)
		if err != nil {
			return nil, err
		}
		refreshToken, err := requireEnv(cfg.RefreshTokenEnv)
		if err != nil {
			return nil, err
		}
		if cfg.TokenURL == "" {
			return nil, &PermanentError{Op: "auth config", Err: fmt.Errorf("oauth_refresh requires token_url")}
		}
		return NewOAuthRefresh(cfg.TokenURL, clientID, clientSecret, refreshToken), nil
	default:
		return nil, &PermanentError{Op: "auth config", Err: fmt.Errorf("unknown auth kind %q", cfg.Kind)}
	}
}

func requireEnv(name string) (string, error) {
	if name == "" {
		return "", &PermanentError{Op: "auth config", Err: fmt.Errorf("credential env var name not set")}
	}
	val := os.Getenv(name)
	if val == "" {
		return "", &PermanentError{Op: "auth config", Err: fmt.Errorf("environment variable %s is empty", name)}
	}
	return val, nil
}

// NoAuth sends requests unauthenticated.
type NoAuth struct{}

func (NoAuth) Apply(ctx context.Context, req *http.Request) error { return nil }

// BearerToken uses a static Bearer token.
type BearerToken struct {
	Token string
}

func (a BearerToken) Apply(ctx context.Context, req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+a.Token)
	return nil
}

// BasicAuth uses HTTP Basic authentication.
type BasicAuth struct {
	Username string
	Password string
}

func (a BasicAuth) Apply(ctx context.Context, req *http.Request) error {
	credentials := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
	req.Header.Set("Authorization", "Basic "+credentials)
	return nil
}

// APIKey sends the key in a configurable header.
type APIKey struct {
	Key    string
	Header string // default: X-API-Key
}

func (a APIKey) Apply(ctx context.Context, req *http.Request) error {
	header := a.Header
	if header == "" {
		header = "X-API-Key"
	}
	req.Header.Set(header, a.Key)
	return nil
}

// =============================================================================
// OAUTH REFRESH
// =============================================================================

// OAuthRefresh holds a short-lived access token and exchanges the
// refresh token at the token endpoint when the access token expires.
// Safe for concurrent use.
type OAuthRefresh struct {
	TokenURL     string
	ClientID     string
	ClientSecret string

	// HTTPClient performs token requests; defaults to a 30s-timeout
	// client. Exposed for tests.
	HTTPClient *http.Client

	mu           sync.Mutex
	refreshToken string
	accessToken  string
	expiresAt    time.Time
}

// NewOAuthRefresh creates a refresh-token strategy with no cached
// access token; the first Apply triggers a refresh.
func NewOAuthRefresh(tokenURL, clientID, clientSecret, refreshToken string) *OAuthRefresh {
	return &OAuthRefresh{
		TokenURL:     tokenURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
		refreshToken: refreshToken,
	}
}

// Apply sets a Bearer header, refreshing the access token first when
// it is missing or within a minute of expiry.
func (a *OAuthRefresh) Apply(ctx context.Context, req *http.Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.accessToken == "" || time.Until(a.expiresAt) < time.Minute {
		if err := a.refresh(ctx); err != nil {
			return err
		}
	}
	req.Header.Set("Authorization", "Bearer "+a.accessToken)
	return nil
}

// tokenResponse is the OAuth2 token endpoint response shape.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (a *OAuthRefresh) refresh(ctx context.Context) error {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", a.ClientID)
	form.Set("client_secret", a.ClientSecret)
	form.Set("refresh_token", a.refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return &PermanentError{Op: "token refresh", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return &TransientError{Op: "token refresh", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// A rejected refresh token is not recoverable by retrying.
		return &PermanentError{Op: "token refresh", Err: &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    "token endpoint rejected refresh",
		}}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return &PermanentError{Op: "token refresh", Err: fmt.Errorf("decode token response: %w", err)}
	}
	if tr.AccessToken == "" {
		return &PermanentError{Op: "token refresh", Err: fmt.Errorf("token response missing access_token")}
	}

	a.accessToken = tr.AccessToken
	if tr.RefreshToken != "" {
		a.refreshToken = tr.RefreshToken
	}
	switch {
	case tr.ExpiresAt > 0:
		a.expiresAt = time.Unix(tr.ExpiresAt, 0)
	case tr.ExpiresIn > 0:
		a.expiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	default:
		a.expiresAt = time.Now().Add(time.Hour)
	}
	return nil
}
