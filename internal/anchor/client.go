package anchor

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
)

const (
	DefaultAPIURL   = "https://api.anchorbrowser.io"
	apiKeyHeader    = "anchor-api-key"
	defaultTimeout  = 30 * time.Second
	maxErrorMessage = 512
)

var ErrMissingAPIKey = errors.New("anchor api key is not configured")

// SessionOptions mirrors the provisioning body of the Anchor sessions API.
type SessionOptions struct {
	Headless    bool            `json:"headless"`
	Recording   RecordingOption `json:"recording"`
	IdleTimeout int             `json:"idle_timeout"`
	Timeout     int             `json:"timeout"`
}

type RecordingOption struct {
	Active bool `json:"active"`
}

// DefaultSessionOptions is a visible, recorded browser that is reclaimed
// after one idle minute and ten minutes total.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		Headless:    false,
		Recording:   RecordingOption{Active: true},
		IdleTimeout: 1,
		Timeout:     10,
	}
}

type Session struct {
	ID          string `json:"id"`
	LiveViewURL string `json:"live_view_url"`
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func NewClient(baseURL string, apiKey string, opts ...ClientOption) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	client := &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// CreateSession provisions a remote browser. The API answers either with the
// session at the top level or wrapped in "data".
func (c *Client) CreateSession(ctx context.Context, opts SessionOptions) (Session, error) {
	body, err := json.Marshal(opts)
	if err != nil {
		return Session{}, err
	}
	var envelope struct {
		Session
		Data *Session `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/sessions", body, &envelope); err != nil {
		return Session{}, err
	}
	session := envelope.Session
	if envelope.Data != nil && envelope.Data.ID != "" {
		session = *envelope.Data
	}
	if session.ID == "" {
		return Session{}, errors.New("anchor response did not include a session id")
	}
	return session, nil
}

// RecordingURL returns the first recorded video of a session, or "" when the
// recording is not available.
func (c *Client) RecordingURL(ctx context.Context, anchorSessionID string) (string, error) {
	anchorSessionID = strings.TrimSpace(anchorSessionID)
	if anchorSessionID == "" {
		return "", errors.New("anchor session id is required")
	}
	var envelope struct {
		Data struct {
			Videos []string `json:"videos"`
		} `json:"data"`
	}
	path := "/api/sessions/" + url.PathEscape(anchorSessionID) + "/recording"
	if err := c.do(ctx, http.MethodGet, path, nil, &envelope); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return "", nil
		}
		return "", err
	}
	if len(envelope.Data.Videos) == 0 {
		return "", nil
	}
	return envelope.Data.Videos[0], nil
}

// StatusError is a non-2xx answer from the Anchor API.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("anchor api returned status %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method string, path string, body []byte, out any) error {
	if c.apiKey == "" {
		return ErrMissingAPIKey
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorMessage))
		message := strings.TrimSpace(string(responseBody))
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: message}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
