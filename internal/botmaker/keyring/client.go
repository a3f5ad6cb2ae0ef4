// Package keyring provides an HTTP client for the keyring admin API.
//
// The keyring is a separate process owning provider API keys and the
// data-plane proxy. The control plane uses this client to register and
// revoke bots (obtaining each bot's proxy bearer) and to pass key
// management through to operators. A nil *Client means no keyring is
// configured; callers skip proxy wiring in that case.
package keyring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openclaw/botmaker/common/trace"
)

const defaultTimeout = 10 * time.Second

var (
	// ErrNotFound means the key or bot does not exist on the keyring.
	ErrNotFound = errors.New("keyring: not found")
	// ErrConflict means the bot id is already registered.
	ErrConflict = errors.New("keyring: already registered")
	// ErrUnauthorized means the admin token was rejected.
	ErrUnauthorized = errors.New("keyring: admin token rejected")
)

// Client talks to one keyring admin endpoint.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client for the admin API at baseURL (e.g.
// "http://keyring:9100") authenticating with the static admin token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// Key is one provider key as listed by the admin API. The secret never
// leaves the keyring.
type Key struct {
	ID        string    `json:"id"`
	Vendor    string    `json:"vendor"`
	Label     string    `json:"label,omitempty"`
	Tag       string    `json:"tag,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Bot is one registered proxy consumer as listed by the admin API.
type Bot struct {
	BotID     string    `json:"botId"`
	Hostname  string    `json:"hostname"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// HealthResponse is returned by GET /admin/health.
type HealthResponse struct {
	Status   string `json:"status"`
	KeyCount int    `json:"keyCount"`
	BotCount int    `json:"botCount"`
}

// ErrorResponse is the keyring's error body shape.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RegisterBot registers a bot and returns its proxy bearer. The bearer
// is shown exactly once; the keyring stores only its hash.
func (c *Client) RegisterBot(ctx context.Context, botID, hostname string, tags []string) (string, error) {
	body := map[string]any{
		"botId":    botID,
		"hostname": hostname,
	}
	if len(tags) > 0 {
		body["tags"] = tags
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.post(ctx, "/admin/bots", body, &resp); err != nil {
		return "", fmt.Errorf("register bot %s: %w", hostname, err)
	}
	return resp.Token, nil
}

// RevokeBot removes a bot's registration, invalidating its bearer.
func (c *Client) RevokeBot(ctx context.Context, botID string) error {
	if err := c.delete(ctx, "/admin/bots/"+botID); err != nil {
		return fmt.Errorf("revoke bot %s: %w", botID, err)
	}
	return nil
}

// ListBots returns all registered bots.
func (c *Client) ListBots(ctx context.Context) ([]Bot, error) {
	var resp struct {
		Bots []Bot `json:"bots"`
	}
	if err := c.get(ctx, "/admin/bots", &resp); err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	return resp.Bots, nil
}

// AddKey stores a provider key and returns its id.
func (c *Client) AddKey(ctx context.Context, vendor, secret, label, tag string) (string, error) {
	body := map[string]any{
		"vendor": vendor,
		"secret": secret,
	}
	if label != "" {
		body["label"] = label
	}
	if tag != "" {
		body["tag"] = tag
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/admin/keys", body, &resp); err != nil {
		return "", fmt.Errorf("add %s key: %w", vendor, err)
	}
	return resp.ID, nil
}

// ListKeys returns all stored keys, without their secrets.
func (c *Client) ListKeys(ctx context.Context) ([]Key, error) {
	var resp struct {
		Keys []Key `json:"keys"`
	}
	if err := c.get(ctx, "/admin/keys", &resp); err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return resp.Keys, nil
}

// DeleteKey removes a stored key.
func (c *Client) DeleteKey(ctx context.Context, id string) error {
	if err := c.delete(ctx, "/admin/keys/"+id); err != nil {
		return fmt.Errorf("delete key %s: %w", id, err)
	}
	return nil
}

// Health reports the keyring's readiness and inventory counts.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/admin/health", &resp); err != nil {
		return nil, fmt.Errorf("keyring health: %w", err)
	}
	return &resp, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)
	if traceID := trace.FromContext(req.Context()); traceID != "" {
		req.Header.Set(trace.Header, traceID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		detail := ""
		var errResp ErrorResponse
		if jsonErr := json.Unmarshal(bodyBytes, &errResp); jsonErr == nil && errResp.Error != "" {
			detail = ": " + errResp.Error
		}
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w%s", ErrUnauthorized, detail)
		case http.StatusNotFound:
			return fmt.Errorf("%w%s", ErrNotFound, detail)
		case http.StatusConflict:
			return fmt.Errorf("%w%s", ErrConflict, detail)
		}
		return fmt.Errorf("keyring %s %s → %d%s", req.Method, req.URL.Path, resp.StatusCode, detail)
	}

	if out != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
