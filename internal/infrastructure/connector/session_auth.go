package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// SessionHeader carries the Finance session id
const SessionHeader = "X-Session-Id"

// SessionAuth logs in to the Finance API with username and password and
// reuses the returned session until it expires or is invalidated
type SessionAuth struct {
	loginURL   string
	username   string
	password   string
	httpClient *http.Client
	now        func() time.Time

	mu        sync.Mutex
	sessionID string
	expiresAt time.Time
}

// NewSessionAuth creates the Finance auth provider. The login endpoint is {baseURL}/api/session.
func NewSessionAuth(baseURL, username, password string, httpClient *http.Client) *SessionAuth {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &SessionAuth{
		loginURL:   strings.TrimRight(baseURL, "/") + "/api/session",
		username:   username,
		password:   password,
		httpClient: httpClient,
		now:        time.Now,
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	SessionID string `json:"sessionId"`
	ExpiresIn int64  `json:"expiresIn"`
}

// Headers returns the session header, logging in when needed
func (a *SessionAuth) Headers(ctx context.Context) (http.Header, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sessionID == "" || (!a.expiresAt.IsZero() && !a.now().Before(a.expiresAt)) {
		if err := a.login(ctx); err != nil {
			return nil, err
		}
	}
	h := http.Header{}
	h.Set(SessionHeader, a.sessionID)
	return h, nil
}

// Invalidate drops the session
func (a *SessionAuth) Invalidate() {
	a.mu.Lock()
	a.sessionID = ""
	a.expiresAt = time.Time{}
	a.mu.Unlock()
}

func (a *SessionAuth) login(ctx context.Context) error {
	payload, err := json.Marshal(loginRequest{Username: a.username, Password: a.password})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.loginURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("finance login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: finance login: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: read finance login response: %v", ErrTransient, err)
	}
	if err := classifyStatus(resp.StatusCode, body); err != nil {
		return fmt.Errorf("finance login: %w", err)
	}

	var lr loginResponse
	if err := json.Unmarshal(body, &lr); err != nil || lr.SessionID == "" {
		return fmt.Errorf("%w: finance login response", ErrMalformedResponse)
	}
	a.sessionID = lr.SessionID
	a.expiresAt = time.Time{}
	if lr.ExpiresIn > 0 {
		a.expiresAt = a.now().Add(time.Duration(lr.ExpiresIn) * time.Second)
	}
	return nil
}

var _ AuthProvider = (*SessionAuth)(nil)
