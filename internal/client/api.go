package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"topicpresence/internal/presence"
)

var httpTimeout = 5 * time.Second

// ErrUnauthorized is returned when the server rejects the session token.
var ErrUnauthorized = errors.New("unauthorized")

// LoginResult is the session handed out by /login.
type LoginResult struct {
	Token     string    `json:"token"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Settings mirrors the server's presence settings for the current user.
type Settings struct {
	KeepAliveSeconds         int           `json:"keep_alive_seconds"`
	MaxUsersShown            int           `json:"max_users_shown"`
	AllowUsersToHidePresence bool          `json:"allow_users_to_hide_presence"`
	HidePresence             bool          `json:"hide_presence"`
	Staff                    bool          `json:"staff"`
	User                     presence.User `json:"user"`
}

// KeepAlive returns the keep-alive interval, falling back to the default.
func (s Settings) KeepAlive() time.Duration {
	if s.KeepAliveSeconds <= 0 {
		return presence.KeepAliveInterval
	}
	return time.Duration(s.KeepAliveSeconds) * time.Second
}

// APIClient talks to the HTTP endpoints. It implements presence.Publisher.
type APIClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewAPIClient returns a client for the server at baseURL (http or https).
func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: httpTimeout},
	}
}

// WithToken returns a copy of the client using token.
func (c *APIClient) WithToken(token string) *APIClient {
	clone := *c
	clone.token = token
	return &clone
}

func (c *APIClient) Token() string {
	return c.token
}

// BusURL returns the websocket URL of the bus endpoint.
func (c *APIClient) BusURL() (string, error) {
	return busURLFromBase(c.baseURL)
}

func (c *APIClient) Signup(ctx context.Context, username, password, name string) error {
	payload := map[string]string{"username": username, "password": password}
	if name != "" {
		payload["name"] = name
	}
	return c.doJSONRequest(ctx, http.MethodPost, "/signup", payload, nil)
}

func (c *APIClient) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	payload := map[string]string{"username": username, "password": password}
	var resp LoginResult
	if err := c.doJSONRequest(ctx, http.MethodPost, "/login", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *APIClient) Logout(ctx context.Context) error {
	return c.doJSONRequest(ctx, http.MethodPost, "/logout", nil, nil)
}

func (c *APIClient) Settings(ctx context.Context) (*Settings, error) {
	var resp Settings
	if err := c.doJSONRequest(ctx, http.MethodGet, "/presence/settings", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetHidePresence stores the preference and returns the updated settings.
func (c *APIClient) SetHidePresence(ctx context.Context, hide bool) (*Settings, error) {
	var resp Settings
	payload := map[string]bool{"hide_presence": hide}
	if err := c.doJSONRequest(ctx, http.MethodPut, "/presence/preferences", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Publish sends one keep-alive.
func (c *APIClient) Publish(ctx context.Context, update presence.Update) error {
	return c.doJSONRequest(ctx, http.MethodPost, "/presence/update", update, nil)
}

func (c *APIClient) doJSONRequest(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && path != "/login" {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg, ok := parsed["error"]; ok {
			return msg
		}
	}
	return strings.TrimSpace(string(data))
}

func busURLFromBase(base string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/bus"
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String(), nil
}
