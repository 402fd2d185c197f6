package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
)

const (
	deviceGrantType     = "urn:ietf:params:oauth:grant-type:device_code"
	defaultPollInterval = 5 * time.Second
	slowDownIncrement   = 5 * time.Second
	// maxPollDuration bounds polling when neither the caller nor the
	// provider sets a deadline.
	maxPollDuration = 15 * time.Minute

	maxTokenResponseBodyBytes = 1 << 20
)

// ErrTimeout is returned when device polling reaches its deadline.
var ErrTimeout = errors.New("device authorization timed out")

// DeviceUserCode is the code the user enters on the verification page.
type DeviceUserCode string

// VerificationURI is the page where the user enters the user code.
type VerificationURI string

// DeviceError is a terminal error reported by a device-flow endpoint.
type DeviceError struct {
	StatusCode  int
	Code        string
	Subcode     int
	Description string
	Body        string
}

func (e *DeviceError) Error() string {
	if e.Subcode != 0 {
		return fmt.Sprintf("device flow error (%d) %s/%d: %s", e.StatusCode, e.Code, e.Subcode, e.Description)
	}
	return fmt.Sprintf("device flow error (%d) %s: %s", e.StatusCode, e.Code, e.Description)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// TimerSleep is the default SleepFunc.
func TimerSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type pollResult int

const (
	pollGranted pollResult = iota
	pollPending
	pollSlowDown
)

// tokenPoller performs a single token request for a device session.
type tokenPoller interface {
	pollToken(ctx context.Context) (Token, pollResult, error)
}

// DeviceCodeSession is one pending Device-Code authorization.
type DeviceCodeSession struct {
	poller                  tokenPoller
	verificationURI         VerificationURI
	verificationURIComplete VerificationURI
	userCode                DeviceUserCode
	interval                time.Duration
	createdAt               time.Time
	expiresAt               time.Time
	now                     func() time.Time
	logger                  *slog.Logger
	used                    atomic.Bool
}

// VerificationURI is where the user enters UserCode.
func (s *DeviceCodeSession) VerificationURI() VerificationURI { return s.verificationURI }

// VerificationURIComplete embeds the user code when the provider supplies it.
func (s *DeviceCodeSession) VerificationURIComplete() (VerificationURI, bool) {
	return s.verificationURIComplete, s.verificationURIComplete != ""
}

// UserCode is shown to the user.
func (s *DeviceCodeSession) UserCode() DeviceUserCode { return s.userCode }

// Interval is the provider's minimum delay between polls.
func (s *DeviceCodeSession) Interval() time.Duration { return s.interval }

// ExpiresAt is when the device code expires. Zero means the provider gave no bound.
func (s *DeviceCodeSession) ExpiresAt() time.Time { return s.expiresAt }

// PollExchangeToken polls the token endpoint until the user approves, the
// provider reports a terminal error, or the deadline passes. The deadline is
// the earlier of creation+timeout and the code expiry; timeout <= 0 leaves
// only the expiry, or 15 minutes when the provider gave none. sleep is called between polls; nil means TimerSleep.
func (s *DeviceCodeSession) PollExchangeToken(ctx context.Context, sleep SleepFunc, timeout time.Duration) (Token, error) {
	if !s.used.CompareAndSwap(false, true) {
		return Token{}, ErrSessionUsed
	}
	if sleep == nil {
		sleep = TimerSleep
	}

	deadline := s.expiresAt
	if timeout > 0 {
		if d := s.createdAt.Add(timeout); deadline.IsZero() || d.Before(deadline) {
			deadline = d
		}
	}
	if deadline.IsZero() {
		deadline = s.createdAt.Add(maxPollDuration)
	}

	interval := s.interval
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return Token{}, err
		}
		if !deadline.IsZero() && !s.now().Before(deadline) {
			s.logger.Warn("device.timeout", "attempts", attempt-1)
			return Token{}, ErrTimeout
		}

		tok, res, err := s.poller.pollToken(ctx)
		if err != nil {
			return Token{}, err
		}
		switch res {
		case pollGranted:
			s.logger.Info("device.granted", "attempts", attempt)
			return tok, nil
		case pollSlowDown:
			interval += slowDownIncrement
		}

		if !deadline.IsZero() && s.now().Add(interval).After(deadline) {
			s.logger.Warn("device.timeout", "attempts", attempt)
			return Token{}, ErrTimeout
		}
		s.logger.Debug("device.poll", "attempt", attempt, "slow_down", res == pollSlowDown, "interval", interval)
		if err := sleep(ctx, interval); err != nil {
			return Token{}, err
		}
	}
}

// DeviceCodeConfig configures a standard RFC 8628 Device-Code client.
type DeviceCodeConfig struct {
	ClientID      string
	ClientSecret  string
	DeviceAuthURL string
	TokenURL      string
	HTTPClient    *http.Client
	Logger        *slog.Logger
	Now           func() time.Time
}

// DeviceCodeClient requests device authorizations.
type DeviceCodeClient struct {
	cfg    DeviceCodeConfig
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewDeviceCodeClient validates cfg and returns a client.
func NewDeviceCodeClient(cfg DeviceCodeConfig) (*DeviceCodeClient, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errors.New("client id required")
	}
	if cfg.DeviceAuthURL == "" || cfg.TokenURL == "" {
		return nil, errors.New("device and token urls required")
	}
	client, logger, now := flowDefaults(cfg.HTTPClient, cfg.Logger, cfg.Now)
	return &DeviceCodeClient{cfg: cfg, client: client, logger: logger, now: now}, nil
}

func flowDefaults(client *http.Client, logger *slog.Logger, now func() time.Time) (*http.Client, *slog.Logger, func() time.Time) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if now == nil {
		now = time.Now
	}
	return client, logger, now
}

// RequestAuthorization asks the provider for a device and user code.
func (c *DeviceCodeClient) RequestAuthorization(ctx context.Context, scopes []string) (*DeviceCodeSession, error) {
	oc := &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: c.cfg.DeviceAuthURL,
			TokenURL:      c.cfg.TokenURL,
		},
		Scopes: scopes,
	}

	var opts []oauth2.AuthCodeOption
	if c.cfg.ClientSecret != "" {
		opts = append(opts, oauth2.SetAuthURLParam("client_secret", c.cfg.ClientSecret))
	}

	createdAt := c.now()
	resp, err := oc.DeviceAuth(context.WithValue(ctx, oauth2.HTTPClient, c.client), opts...)
	if err != nil {
		return nil, fmt.Errorf("request device authorization: %w", err)
	}

	interval := time.Duration(resp.Interval) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}
	var expiresAt time.Time
	if !resp.Expiry.IsZero() {
		expiresAt = createdAt.Add(time.Until(resp.Expiry).Round(time.Second))
	}
	c.logger.Info("device.authorize", "client_id", c.cfg.ClientID, "verification_uri", resp.VerificationURI, "interval", interval)

	return &DeviceCodeSession{
		poller: &formPoller{
			client:     c.client,
			cfg:        c.cfg,
			deviceCode: resp.DeviceCode,
		},
		verificationURI:         VerificationURI(resp.VerificationURI),
		verificationURIComplete: VerificationURI(resp.VerificationURIComplete),
		userCode:                DeviceUserCode(resp.UserCode),
		interval:                interval,
		createdAt:               createdAt,
		expiresAt:               expiresAt,
		now:                     c.now,
		logger:                  c.logger,
	}, nil
}

// formPoller exchanges a device code at a standard token endpoint.
type formPoller struct {
	client     *http.Client
	cfg        DeviceCodeConfig
	deviceCode string
}

func (p *formPoller) pollToken(ctx context.Context) (Token, pollResult, error) {
	form := url.Values{}
	form.Set("grant_type", deviceGrantType)
	form.Set("device_code", p.deviceCode)
	form.Set("client_id", p.cfg.ClientID)
	if p.cfg.ClientSecret != "" {
		form.Set("client_secret", p.cfg.ClientSecret)
	}

	status, body, contentType, err := postForm(ctx, p.client, p.cfg.TokenURL, form)
	if err != nil {
		return Token{}, 0, err
	}
	payload, err := parseTokenPayload(body, contentType)
	if err != nil {
		return Token{}, 0, &DeviceError{StatusCode: status, Description: err.Error(), Body: string(body)}
	}

	if code := readString(payload["error"]); code != "" {
		switch code {
		case "authorization_pending":
			return Token{}, pollPending, nil
		case "slow_down":
			return Token{}, pollSlowDown, nil
		}
		return Token{}, 0, &DeviceError{
			StatusCode:  status,
			Code:        code,
			Description: readString(payload["error_description"]),
			Body:        string(body),
		}
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return Token{}, 0, &DeviceError{StatusCode: status, Body: string(body)}
	}

	access := readString(payload["access_token"])
	if access == "" {
		return Token{}, 0, &DeviceError{StatusCode: status, Description: "access_token missing", Body: string(body)}
	}
	tok := Token{
		AccessToken: AccessToken(access),
		TokenType:   readString(payload["token_type"]),
		IDToken:     readString(payload["id_token"]),
	}
	if rt := readString(payload["refresh_token"]); rt != "" {
		tok.RefreshToken = &rt
	}
	if exp, ok := expiresInFromExtra(payload["expires_in"]); ok {
		tok.ExpiresIn = &exp
	}
	return tok, pollGranted, nil
}

func postForm(ctx context.Context, client *http.Client, target string, form url.Values) (int, []byte, string, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return 0, nil, "", err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBodyBytes+1))
	if err != nil {
		return 0, nil, "", fmt.Errorf("read token response: %w", err)
	}
	if len(raw) > maxTokenResponseBodyBytes {
		return 0, nil, "", fmt.Errorf("token response exceeds %d bytes", maxTokenResponseBodyBytes)
	}
	return resp.StatusCode, raw, resp.Header.Get("Content-Type"), nil
}

func parseTokenPayload(body []byte, contentType string) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.Contains(contentType, "json") || strings.HasPrefix(trimmed, "{") {
		var out map[string]any
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("decode token response: %w", err)
		}
		return out, nil
	}
	values, err := url.ParseQuery(trimmed)
	if err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	out := make(map[string]any, len(values))
	for k := range values {
		out[k] = values.Get(k)
	}
	return out, nil
}

func readString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return ""
	}
}
