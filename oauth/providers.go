package oauth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

const (
	GoogleAuthURL       = "https://accounts.google.com/o/oauth2/v2/auth"
	GoogleTokenURL      = "https://www.googleapis.com/oauth2/v4/token"
	GoogleDeviceAuthURL = "https://oauth2.googleapis.com/device/code"

	FacebookAuthURL  = "https://www.facebook.com/v18.0/dialog/oauth"
	FacebookTokenURL = "https://graph.facebook.com/v18.0/oauth/access_token"

	GitHubAuthURL  = "https://github.com/login/oauth/authorize"
	GitHubTokenURL = "https://github.com/login/oauth/access_token"

	TwitterAuthURL  = "https://twitter.com/i/oauth2/authorize"
	TwitterTokenURL = "https://api.twitter.com/2/oauth2/token"

	microsoftLoginURL = "https://login.microsoftonline.com"
)

// ProviderConfig is the caller-owned part of a provider client.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

func (p ProviderConfig) authCode(authURL, tokenURL string, pkce PKCEMethod) AuthCodeConfig {
	return AuthCodeConfig{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		AuthURL:      authURL,
		TokenURL:     tokenURL,
		RedirectURL:  p.RedirectURL,
		PKCE:         pkce,
		HTTPClient:   p.HTTPClient,
		Logger:       p.Logger,
	}
}

func requireSecret(p ProviderConfig, provider string) error {
	if strings.TrimSpace(p.ClientSecret) == "" {
		return errors.New(provider + " client secret required")
	}
	return nil
}

// NewGoogleAuthCode returns a Google client using PKCE S256.
func NewGoogleAuthCode(p ProviderConfig) (*AuthCodeClient, error) {
	if err := requireSecret(p, "google"); err != nil {
		return nil, err
	}
	return NewAuthCodeClient(p.authCode(GoogleAuthURL, GoogleTokenURL, PKCES256))
}

// NewGoogleDeviceCode returns a Google device-flow client.
func NewGoogleDeviceCode(p ProviderConfig) (*DeviceCodeClient, error) {
	if err := requireSecret(p, "google"); err != nil {
		return nil, err
	}
	return NewDeviceCodeClient(DeviceCodeConfig{
		ClientID:      p.ClientID,
		ClientSecret:  p.ClientSecret,
		DeviceAuthURL: GoogleDeviceAuthURL,
		TokenURL:      GoogleTokenURL,
		HTTPClient:    p.HTTPClient,
		Logger:        p.Logger,
	})
}

// NewFacebookAuthCode returns a Facebook client using PKCE S256. The secret is optional.
func NewFacebookAuthCode(p ProviderConfig) (*AuthCodeClient, error) {
	return NewAuthCodeClient(p.authCode(FacebookAuthURL, FacebookTokenURL, PKCES256))
}

// NewGitHubAuthCode returns a GitHub client. GitHub OAuth apps do not support PKCE.
func NewGitHubAuthCode(p ProviderConfig) (*AuthCodeClient, error) {
	if err := requireSecret(p, "github"); err != nil {
		return nil, err
	}
	return NewAuthCodeClient(p.authCode(GitHubAuthURL, GitHubTokenURL, PKCENone))
}

// NewTwitterAuthCode returns a Twitter client. Apps registered before OAuth 2.0
// support must pass PKCENone; enabling PKCE for them fails at the provider.
func NewTwitterAuthCode(p ProviderConfig, pkce PKCEMethod) (*AuthCodeClient, error) {
	return NewAuthCodeClient(p.authCode(TwitterAuthURL, TwitterTokenURL, pkce))
}

// MicrosoftTenant selects which accounts may sign in.
type MicrosoftTenant string

const (
	MicrosoftCommon        MicrosoftTenant = "common"
	MicrosoftOrganizations MicrosoftTenant = "organizations"
	MicrosoftConsumers     MicrosoftTenant = "consumers"
)

// MicrosoftEndpoints returns the v2.0 authorize and token URLs for tenant.
func MicrosoftEndpoints(tenant MicrosoftTenant) (authURL, tokenURL string) {
	if tenant == "" {
		tenant = MicrosoftCommon
	}
	base := microsoftLoginURL + "/" + string(tenant) + "/oauth2/v2.0"
	return base + "/authorize", base + "/token"
}

// NewMicrosoftAuthCode returns a Microsoft identity platform client using PKCE S256.
func NewMicrosoftAuthCode(p ProviderConfig, tenant MicrosoftTenant) (*AuthCodeClient, error) {
	authURL, tokenURL := MicrosoftEndpoints(tenant)
	return NewAuthCodeClient(p.authCode(authURL, tokenURL, PKCES256))
}
