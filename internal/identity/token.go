// Package identity derives short-lived GitHub App installation tokens from
// a long-lived signing key. The cached token and its expiry are
// single-writer fields on Cache, never package-level globals.
package identity

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	assertionBackdate  = 60 * time.Second
	assertionLifetime  = 10 * time.Minute
	tokenExpiryBuffer  = 60 * time.Second
	tokensEndpointFmt  = "https://api.github.com/app/installations/%d/access_tokens"
)

// Token is a cached installation token.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

func (t Token) valid() bool {
	return t.Value != "" && time.Now().Before(t.ExpiresAt)
}

// Cache mints and caches GitHub App installation tokens.
type Cache struct {
	appID          int64
	installationID int64
	key            *rsa.PrivateKey
	httpClient     *http.Client

	// tokensEndpoint defaults to the real GitHub API; overridden in tests
	// to point at an httptest server instead.
	tokensEndpoint string

	mu      sync.Mutex
	current Token
}

// Load parses the RSA private key from either inline base64 PEM or a
// filesystem path (exactly one must be non-empty — config.Load already
// enforces this). Failure here is a fatal startup error.
func Load(appID, installationID int64, inlineBase64PEM, keyPath string) (*Cache, error) {
	pemBytes, err := loadKeyMaterial(inlineBase64PEM, keyPath)
	if err != nil {
		return nil, err
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing app private key: %w", err)
	}

	return &Cache{
		appID:          appID,
		installationID: installationID,
		key:            key,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		tokensEndpoint: fmt.Sprintf(tokensEndpointFmt, installationID),
	}, nil
}

func loadKeyMaterial(inlineBase64PEM, keyPath string) ([]byte, error) {
	if inlineBase64PEM != "" {
		decoded, err := base64.StdEncoding.DecodeString(inlineBase64PEM)
		if err != nil {
			return nil, fmt.Errorf("decoding APP_PRIVATE_KEY: %w", err)
		}
		return decoded, nil
	}
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading APP_PRIVATE_KEY_PATH: %w", err)
	}
	return data, nil
}

// Token returns a valid installation token, minting and caching a new one
// if the cached value is absent or near-expiry. Mid-run failures are
// returned to the caller, which logs and aborts only the current
// operation — the cache itself is left untouched so the next loop
// iteration retries cleanly.
func (c *Cache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current.valid() {
		return c.current.Value, nil
	}

	tok, expiresAt, err := c.mint(ctx)
	if err != nil {
		return "", err
	}

	c.current = Token{Value: tok, ExpiresAt: expiresAt.Add(-tokenExpiryBuffer)}
	return c.current.Value, nil
}

func (c *Cache) mint(ctx context.Context) (string, time.Time, error) {
	assertion, err := c.signAssertion()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing app assertion: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokensEndpoint, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+assertion)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("requesting installation token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("installation token request failed: status %d", resp.StatusCode)
	}

	var body struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", time.Time{}, fmt.Errorf("decoding token response: %w", err)
	}

	return body.Token, body.ExpiresAt, nil
}

func (c *Cache) signAssertion() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    fmt.Sprintf("%d", c.appID),
		IssuedAt:  jwt.NewNumericDate(now.Add(-assertionBackdate)),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return tok.SignedString(c.key)
}
