package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultIdentityBaseURL = "https://identitytoolkit.googleapis.com/v1"
	DefaultTokenURL        = "https://securetoken.googleapis.com/v1/token"

	// LocaleHeader selects the language of emails sent by the service.
	LocaleHeader = "X-Firebase-Locale"

	maxResponseBodyBytes = 1 << 20
)

// Endpoint names an identity service API method.
type Endpoint string

const (
	SignUp                Endpoint = "accounts:signUp"
	SignInWithPassword    Endpoint = "accounts:signInWithPassword"
	SignInWithCustomToken Endpoint = "accounts:signInWithCustomToken"
	SignInWithIdp         Endpoint = "accounts:signInWithIdp"
	CreateAuthURI         Endpoint = "accounts:createAuthUri"
	SendOobCode           Endpoint = "accounts:sendOobCode"
	ResetPassword         Endpoint = "accounts:resetPassword"
	Update                Endpoint = "accounts:update"
	Lookup                Endpoint = "accounts:lookup"
	Delete                Endpoint = "accounts:delete"
	Token                 Endpoint = "token"
)

// Config configures the identity service client.
type Config struct {
	APIKey          string
	IdentityBaseURL string
	TokenURL        string
	Locale          string
	Timeout         time.Duration
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// Client sends JSON requests to the identity service.
// It is safe for concurrent use.
type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates a client with defaults applied.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("api key required")
	}
	if cfg.IdentityBaseURL == "" {
		cfg.IdentityBaseURL = DefaultIdentityBaseURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{cfg: cfg, client: client, logger: logger}, nil
}

func (c *Client) endpointURL(endpoint Endpoint) (string, error) {
	base := strings.TrimSuffix(c.cfg.IdentityBaseURL, "/") + "/" + string(endpoint)
	if endpoint == Token {
		base = c.cfg.TokenURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse endpoint url: %w", err)
	}
	q := u.Query()
	q.Set("key", c.cfg.APIKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Send posts body as JSON to endpoint and decodes a successful response into out.
// Failures are *RequestError, *DecodeError or *APIError.
func (c *Client) Send(ctx context.Context, endpoint Endpoint, body, out any, header http.Header) error {
	target, err := c.endpointURL(endpoint)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return &RequestError{Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.Locale != "" {
		req.Header.Set(LocaleHeader, c.cfg.Locale)
	}
	for k, vals := range header {
		req.Header[http.CanonicalHeaderKey(k)] = vals
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return &RequestError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes+1))
	if err != nil {
		return &RequestError{Endpoint: endpoint, Err: fmt.Errorf("read response: %w", err)}
	}
	if len(raw) > maxResponseBodyBytes {
		return &DecodeError{StatusCode: resp.StatusCode, Err: fmt.Errorf("response exceeds %d bytes", maxResponseBodyBytes)}
	}

	c.logger.Debug("transport.request", "endpoint", endpoint, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return parseAPIError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &DecodeError{StatusCode: resp.StatusCode, Body: string(raw), Err: err}
	}
	return nil
}
