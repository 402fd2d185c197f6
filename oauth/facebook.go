package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultFacebookGraphURL hosts the Facebook device login endpoints.
const DefaultFacebookGraphURL = "https://graph.facebook.com/v2.6"

// Facebook reports device-flow progress as error subcodes.
const (
	facebookSubcodePending  = 1349174
	facebookSubcodeTooEarly = 1349172
)

// FacebookDeviceConfig configures the Facebook device login flow.
type FacebookDeviceConfig struct {
	AppID       string
	ClientToken string
	// BaseURL defaults to DefaultFacebookGraphURL.
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
}

// FacebookDeviceClient drives Facebook's device login, which signals pending
// authorization through error subcodes instead of RFC 8628 error strings.
type FacebookDeviceClient struct {
	cfg    FacebookDeviceConfig
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewFacebookDeviceCode returns a Facebook device login client.
func NewFacebookDeviceCode(cfg FacebookDeviceConfig) (*FacebookDeviceClient, error) {
	if strings.TrimSpace(cfg.AppID) == "" || strings.TrimSpace(cfg.ClientToken) == "" {
		return nil, errors.New("facebook app id and client token required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultFacebookGraphURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	client, logger, now := flowDefaults(cfg.HTTPClient, cfg.Logger, cfg.Now)
	return &FacebookDeviceClient{cfg: cfg, client: client, logger: logger, now: now}, nil
}

func (c *FacebookDeviceClient) accessToken() string {
	return c.cfg.AppID + "|" + c.cfg.ClientToken
}

type facebookError struct {
	Error struct {
		Message        string `json:"message"`
		Type           string `json:"type"`
		Code           int    `json:"code"`
		ErrorSubcode   int    `json:"error_subcode"`
		ErrorUserTitle string `json:"error_user_title"`
		ErrorUserMsg   string `json:"error_user_msg"`
	} `json:"error"`
}

func parseFacebookError(status int, body []byte) *DeviceError {
	out := &DeviceError{StatusCode: status, Body: string(body)}
	var fe facebookError
	if err := json.Unmarshal(body, &fe); err != nil {
		out.Description = err.Error()
		return out
	}
	out.Code = fe.Error.Type
	if out.Code == "" && fe.Error.Code != 0 {
		out.Code = fmt.Sprint(fe.Error.Code)
	}
	out.Subcode = fe.Error.ErrorSubcode
	out.Description = fe.Error.Message
	return out
}

// RequestAuthorization asks Facebook for a device and user code.
func (c *FacebookDeviceClient) RequestAuthorization(ctx context.Context, scopes []string) (*DeviceCodeSession, error) {
	q := url.Values{}
	q.Set("access_token", c.accessToken())
	if len(scopes) > 0 {
		q.Set("scope", strings.Join(scopes, ","))
	}

	createdAt := c.now()
	status, body, _, err := postForm(ctx, c.client, c.cfg.BaseURL+"/device/login?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("request device authorization: %w", err)
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return nil, parseFacebookError(status, body)
	}

	var resp struct {
		Code            string `json:"code"`
		UserCode        string `json:"user_code"`
		VerificationURI string `json:"verification_uri"`
		ExpiresIn       int64  `json:"expires_in"`
		Interval        int64  `json:"interval"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &DeviceError{StatusCode: status, Description: err.Error(), Body: string(body)}
	}
	if resp.Code == "" || resp.UserCode == "" {
		return nil, &DeviceError{StatusCode: status, Description: "code missing", Body: string(body)}
	}

	interval := time.Duration(resp.Interval) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}
	var expiresAt time.Time
	if resp.ExpiresIn > 0 {
		expiresAt = createdAt.Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	c.logger.Info("device.authorize", "provider", "facebook", "verification_uri", resp.VerificationURI, "interval", interval)

	return &DeviceCodeSession{
		poller:          &facebookPoller{c: c, code: resp.Code},
		verificationURI: VerificationURI(resp.VerificationURI),
		userCode:        DeviceUserCode(resp.UserCode),
		interval:        interval,
		createdAt:       createdAt,
		expiresAt:       expiresAt,
		now:             c.now,
		logger:          c.logger,
	}, nil
}

type facebookPoller struct {
	c    *FacebookDeviceClient
	code string
}

func (p *facebookPoller) pollToken(ctx context.Context) (Token, pollResult, error) {
	q := url.Values{}
	q.Set("access_token", p.c.accessToken())
	q.Set("code", p.code)

	status, body, _, err := postForm(ctx, p.c.client, p.c.cfg.BaseURL+"/device/login_status?"+q.Encode(), nil)
	if err != nil {
		return Token{}, 0, err
	}

	var ok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if status >= http.StatusOK && status < http.StatusMultipleChoices {
		if err := json.Unmarshal(body, &ok); err == nil && ok.AccessToken != "" {
			return Token{AccessToken: AccessToken(ok.AccessToken), ExpiresIn: expiresPtr(ok.ExpiresIn)}, pollGranted, nil
		}
	}

	fe := parseFacebookError(status, body)
	switch fe.Subcode {
	case facebookSubcodePending, facebookSubcodeTooEarly:
		return Token{}, pollPending, nil
	}
	return Token{}, 0, fe
}
