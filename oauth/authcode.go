package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
)

var (
	// ErrStateMismatch is returned when the redirect state differs from the one issued.
	ErrStateMismatch = errors.New("csrf state mismatch")
	// ErrSessionUsed is returned when a flow session is exchanged a second time.
	ErrSessionUsed = errors.New("oauth session already used")
	// ErrAuthCodeExchangeFailed matches every *ExchangeError.
	ErrAuthCodeExchangeFailed = errors.New("authorization code exchange failed")
)

// AuthorizationCode is the code delivered to the redirect URL.
type AuthorizationCode string

// ExchangeError describes a failed token endpoint call.
type ExchangeError struct {
	StatusCode  int
	ErrorCode   string
	Description string
	Body        string
	Err         error
}

func (e *ExchangeError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("%v (%d): %s %s", ErrAuthCodeExchangeFailed, e.StatusCode, e.ErrorCode, e.Description)
	}
	return fmt.Sprintf("%v: %v", ErrAuthCodeExchangeFailed, e.Err)
}

func (e *ExchangeError) Is(target error) bool { return target == ErrAuthCodeExchangeFailed }

func (e *ExchangeError) Unwrap() error { return e.Err }

// AuthCodeConfig configures an Authorization-Code client.
type AuthCodeConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	PKCE         PKCEMethod
	// AuthParams are added to every authorize URL.
	AuthParams map[string]string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// AuthCodeClient issues Authorization-Code sessions. It is immutable and safe
// for concurrent use.
type AuthCodeClient struct {
	cfg    AuthCodeConfig
	client *http.Client
	logger *slog.Logger
}

// NewAuthCodeClient validates cfg and returns a client.
func NewAuthCodeClient(cfg AuthCodeConfig) (*AuthCodeClient, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errors.New("client id required")
	}
	if cfg.AuthURL == "" || cfg.TokenURL == "" {
		return nil, errors.New("authorize and token urls required")
	}
	if err := validateRedirectURL(cfg.RedirectURL); err != nil {
		return nil, err
	}
	if cfg.PKCE != PKCENone && cfg.PKCE != PKCES256 {
		return nil, fmt.Errorf("unsupported pkce method %q", cfg.PKCE)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &AuthCodeClient{cfg: cfg, client: client, logger: logger}, nil
}

// RedirectURL returns the configured redirect URL.
func (c *AuthCodeClient) RedirectURL() string { return c.cfg.RedirectURL }

func (c *AuthCodeClient) oauthConfig(scopes []string) *oauth2.Config {
	endpoint := oauth2.Endpoint{AuthURL: c.cfg.AuthURL, TokenURL: c.cfg.TokenURL}
	if c.cfg.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  c.cfg.RedirectURL,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
}

// GenerateSession starts a flow for scopes. Send the user to AuthorizeURL.
func (c *AuthCodeClient) GenerateSession(scopes []string) (*AuthCodeSession, error) {
	state, err := generateState()
	if err != nil {
		return nil, err
	}

	oc := c.oauthConfig(scopes)
	opts := make([]oauth2.AuthCodeOption, 0, len(c.cfg.AuthParams)+2)
	for k, v := range c.cfg.AuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	var verifier PKCEVerifier
	if c.cfg.PKCE == PKCES256 {
		verifier, err = generatePKCE()
		if err != nil {
			return nil, err
		}
		opts = append(opts, oauth2.S256ChallengeOption(string(verifier)))
	}

	authURL := oc.AuthCodeURL(string(state), opts...)
	c.logger.Debug("authcode.session", "client_id", c.cfg.ClientID, "pkce", c.cfg.PKCE != PKCENone)

	return &AuthCodeSession{
		client:       c,
		oauth:        oc,
		authorizeURL: authURL,
		state:        state,
		verifier:     verifier,
	}, nil
}

// AuthCodeSession is one pending Authorization-Code exchange.
type AuthCodeSession struct {
	client       *AuthCodeClient
	oauth        *oauth2.Config
	authorizeURL string
	state        CSRFState
	verifier     PKCEVerifier
	used         atomic.Bool
}

// AuthorizeURL is the URL the user opens to grant access.
func (s *AuthCodeSession) AuthorizeURL() string { return s.authorizeURL }

// State is the CSRF state embedded in AuthorizeURL.
func (s *AuthCodeSession) State() CSRFState { return s.state }

// ExchangeCodeIntoToken redeems code for a token. The session is single-use;
// a state mismatch also spends it.
func (s *AuthCodeSession) ExchangeCodeIntoToken(ctx context.Context, code AuthorizationCode, state CSRFState) (Token, error) {
	if !s.used.CompareAndSwap(false, true) {
		return Token{}, ErrSessionUsed
	}
	if state != s.state {
		s.client.logger.Warn("authcode.state_mismatch", "client_id", s.client.cfg.ClientID)
		return Token{}, ErrStateMismatch
	}

	var opts []oauth2.AuthCodeOption
	if s.verifier != "" {
		opts = append(opts, oauth2.VerifierOption(string(s.verifier)))
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client.client)
	tok, err := s.oauth.Exchange(ctx, string(code), opts...)
	if err != nil {
		return Token{}, exchangeError(err)
	}
	s.client.logger.Info("authcode.exchanged", "client_id", s.client.cfg.ClientID, "has_refresh", tok.RefreshToken != "")
	return tokenFromOAuth2(tok, time.Now()), nil
}

func exchangeError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return &ExchangeError{Err: err}
	}
	out := &ExchangeError{
		ErrorCode:   re.ErrorCode,
		Description: re.ErrorDescription,
		Body:        string(re.Body),
		Err:         err,
	}
	if re.Response != nil {
		out.StatusCode = re.Response.StatusCode
	}
	return out
}
