package feedsync

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HTTPConnection establishes the remote session by probing /api/session
// with the configured credentials.
type HTTPConnection struct {
	httpClient *http.Client

	mu      sync.Mutex
	status  ConnectionStatus
	lastErr error
}

func NewHTTPConnection(httpClient *http.Client) *HTTPConnection {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPConnection{httpClient: httpClient, status: ConnectionNotInitialized}
}

func (c *HTTPConnection) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *HTTPConnection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *HTTPConnection) Connect(ctx context.Context, creds Credentials) error {
	err := c.checkSession(ctx, creds)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
	if err != nil {
		c.status = ConnectionDisconnected
		return err
	}
	c.status = ConnectionConnected
	return nil
}

// Reset forgets the session so the next poll connects again.
func (c *HTTPConnection) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = ConnectionNotInitialized
	c.lastErr = nil
}

func (c *HTTPConnection) checkSession(ctx context.Context, creds Credentials) error {
	if !creds.Configured() {
		return ErrNotConfigured
	}
	endpoint := strings.TrimRight(strings.TrimSpace(creds.BaseURL), "/") + "/api/session"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	applyAuth(req, creds)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "GET /api/session", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{StatusCode: resp.StatusCode}
	default:
		return &RemoteError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
}
