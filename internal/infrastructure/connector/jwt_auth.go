package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JWTBearerGrantType is the OAuth2 grant type for JWT client assertions (RFC 7523)
const JWTBearerGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// JWTAssertionAuth exchanges an HS256-signed client assertion for a bearer
// token at the CRM's token endpoint and caches it until shortly before expiry
type JWTAssertionAuth struct {
	tokenURL     string
	clientID     string
	clientSecret []byte
	assertionTTL time.Duration
	httpClient   *http.Client
	now          func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewJWTAssertionAuth creates the CRM auth provider. The token endpoint is {baseURL}/oauth/token.
func NewJWTAssertionAuth(baseURL, clientID, clientSecret string, assertionTTL time.Duration, httpClient *http.Client) *JWTAssertionAuth {
	if assertionTTL <= 0 {
		assertionTTL = 5 * time.Minute
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &JWTAssertionAuth{
		tokenURL:     strings.TrimRight(baseURL, "/") + "/oauth/token",
		clientID:     clientID,
		clientSecret: []byte(clientSecret),
		assertionTTL: assertionTTL,
		httpClient:   httpClient,
		now:          time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Headers returns the Authorization header, fetching a new token when needed
func (a *JWTAssertionAuth) Headers(ctx context.Context) (http.Header, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// refresh 30s early so a token never expires mid-request
	if a.token == "" || !a.now().Add(30*time.Second).Before(a.expiresAt) {
		if err := a.fetchToken(ctx); err != nil {
			return nil, err
		}
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+a.token)
	return h, nil
}

// Invalidate drops the cached token
func (a *JWTAssertionAuth) Invalidate() {
	a.mu.Lock()
	a.token = ""
	a.expiresAt = time.Time{}
	a.mu.Unlock()
}

// Assertion builds a signed client assertion
func (a *JWTAssertionAuth) Assertion() (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Issuer:    a.clientID,
		Subject:   a.clientID,
		Audience:  jwt.ClaimStrings{a.tokenURL},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.assertionTTL)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.clientSecret)
	if err != nil {
		return "", fmt.Errorf("sign client assertion: %w", err)
	}
	return signed, nil
}

func (a *JWTAssertionAuth) fetchToken(ctx context.Context) error {
	assertion, err := a.Assertion()
	if err != nil {
		return err
	}
	form := url.Values{}
	form.Set("grant_type", JWTBearerGrantType)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("crm token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: crm token endpoint: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: read crm token response: %v", ErrTransient, err)
	}
	if err := classifyStatus(resp.StatusCode, body); err != nil {
		return fmt.Errorf("crm token endpoint: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		return fmt.Errorf("%w: crm token response", ErrMalformedResponse)
	}
	if tr.ExpiresIn <= 0 {
		tr.ExpiresIn = 300
	}
	a.token = tr.AccessToken
	a.expiresAt = a.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	return nil
}

var _ AuthProvider = (*JWTAssertionAuth)(nil)
