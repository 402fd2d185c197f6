package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/mochi-neko/fars-sub000/credential"
	"github.com/mochi-neko/fars-sub000/transport"
)

// ErrInvalidIdentityToken is returned when the identity token is still rejected
// after the one refresh a call is allowed.
var ErrInvalidIdentityToken = transport.ErrInvalidIdentityToken

// Transport sends a request to the identity service.
type Transport interface {
	Send(ctx context.Context, endpoint transport.Endpoint, body, out any, header http.Header) error
}

// Config configures a Client.
type Config struct {
	Transport Transport
	// Locale is sent with operations that make the service email the user.
	Locale string
	Logger *slog.Logger
}

// Client signs users in and hands out Sessions.
type Client struct {
	tr     Transport
	locale string
	logger *slog.Logger
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, errors.New("transport required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{tr: cfg.Transport, locale: cfg.Locale, logger: logger}, nil
}

func (c *Client) localeHeader() http.Header {
	if c.locale == "" {
		return nil
	}
	h := http.Header{}
	h.Set(transport.LocaleHeader, c.locale)
	return h
}

func (c *Client) signIn(ctx context.Context, endpoint transport.Endpoint, body any) (*Session, error) {
	var resp tokenPayload
	if err := c.tr.Send(ctx, endpoint, body, &resp, nil); err != nil {
		return nil, err
	}
	tokens, err := resp.tokens()
	if err != nil {
		return nil, err
	}
	c.logger.Info("session.signin", "endpoint", endpoint)
	return c.newSession(tokens), nil
}

// SignUpWithEmailPassword creates an email/password account and signs it in.
func (c *Client) SignUpWithEmailPassword(ctx context.Context, email, password string) (*Session, error) {
	return c.signIn(ctx, transport.SignUp, map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	})
}

// SignInWithEmailPassword signs in an existing email/password account.
func (c *Client) SignInWithEmailPassword(ctx context.Context, email, password string) (*Session, error) {
	return c.signIn(ctx, transport.SignInWithPassword, map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	})
}

// SignInAnonymously creates an anonymous account.
func (c *Client) SignInAnonymously(ctx context.Context) (*Session, error) {
	return c.signIn(ctx, transport.SignUp, map[string]any{"returnSecureToken": true})
}

// SignInWithCustomToken exchanges a server-minted custom token.
func (c *Client) SignInWithCustomToken(ctx context.Context, token string) (*Session, error) {
	return c.signIn(ctx, transport.SignInWithCustomToken, map[string]any{
		"token":             token,
		"returnSecureToken": true,
	})
}

// SignInWithOAuthCredential signs in with a credential obtained from an identity provider.
// requestURI is the redirect URI the credential was issued for.
func (c *Client) SignInWithOAuthCredential(ctx context.Context, requestURI string, body credential.IdpPostBody) (*Session, IdpUser, error) {
	var resp idpResponse
	err := c.tr.Send(ctx, transport.SignInWithIdp, map[string]any{
		"requestUri":          requestURI,
		"postBody":            body.Encode(),
		"returnSecureToken":   true,
		"returnIdpCredential": true,
	}, &resp, nil)
	if err != nil {
		return nil, IdpUser{}, err
	}
	tokens, err := resp.tokenPayload.tokens()
	if err != nil {
		return nil, IdpUser{}, err
	}
	c.logger.Info("session.signin", "endpoint", transport.SignInWithIdp, "provider", body.Provider())
	return c.newSession(tokens), resp.IdpUser, nil
}

// SignInWithRefreshToken restores a Session from a previously issued refresh token.
func (c *Client) SignInWithRefreshToken(ctx context.Context, refresh credential.RefreshToken) (*Session, error) {
	tokens, err := c.refresh(ctx, refresh)
	if err != nil {
		return nil, err
	}
	return c.newSession(tokens), nil
}

// FetchProvidersForEmail lists the providers registered for an email address.
func (c *Client) FetchProvidersForEmail(ctx context.Context, email, continueURI string) ([]credential.ProviderID, error) {
	var resp createAuthURIResponse
	err := c.tr.Send(ctx, transport.CreateAuthURI, map[string]any{
		"identifier":  email,
		"continueUri": continueURI,
	}, &resp, nil)
	if err != nil {
		return nil, err
	}
	out := make([]credential.ProviderID, 0, len(resp.AllProviders))
	for _, p := range resp.AllProviders {
		id, err := credential.ParseProviderID(p)
		if err != nil {
			c.logger.Warn("session.providers", "unknown_provider", p)
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// SendPasswordResetEmail asks the service to email a password reset code.
func (c *Client) SendPasswordResetEmail(ctx context.Context, email string) error {
	return c.tr.Send(ctx, transport.SendOobCode, map[string]any{
		"requestType": "PASSWORD_RESET",
		"email":       email,
	}, nil, c.localeHeader())
}

// VerifyPasswordResetCode checks a reset code and returns the email it was issued for.
func (c *Client) VerifyPasswordResetCode(ctx context.Context, oobCode string) (string, error) {
	var resp oobResponse
	if err := c.tr.Send(ctx, transport.ResetPassword, map[string]any{"oobCode": oobCode}, &resp, nil); err != nil {
		return "", err
	}
	return resp.Email, nil
}

// ConfirmPasswordReset applies a new password using a reset code.
func (c *Client) ConfirmPasswordReset(ctx context.Context, oobCode, newPassword string) (string, error) {
	var resp oobResponse
	err := c.tr.Send(ctx, transport.ResetPassword, map[string]any{
		"oobCode":     oobCode,
		"newPassword": newPassword,
	}, &resp, nil)
	if err != nil {
		return "", err
	}
	return resp.Email, nil
}

// ConfirmEmailVerification marks an email verified using the emailed code.
func (c *Client) ConfirmEmailVerification(ctx context.Context, oobCode string) (ProfileUpdate, error) {
	var resp ProfileUpdate
	if err := c.tr.Send(ctx, transport.Update, map[string]any{"oobCode": oobCode}, &resp, nil); err != nil {
		return ProfileUpdate{}, err
	}
	return resp, nil
}

func (c *Client) refresh(ctx context.Context, refresh credential.RefreshToken) (tokenSet, error) {
	var resp refreshPayload
	err := c.tr.Send(ctx, transport.Token, map[string]any{
		"grant_type":    "refresh_token",
		"refresh_token": refresh.Value(),
	}, &resp, nil)
	if err != nil {
		return tokenSet{}, err
	}
	tokens, err := tokenPayload{IDToken: resp.IDToken, RefreshToken: resp.RefreshToken, ExpiresIn: resp.ExpiresIn}.tokens()
	if err != nil {
		return tokenSet{}, err
	}
	c.logger.Info("session.refresh", "user_id", resp.UserID, "expires_in", tokens.expiresIn.Seconds())
	return tokens, nil
}

func (p tokenPayload) tokens() (tokenSet, error) {
	if p.IDToken == "" || p.RefreshToken == "" {
		return tokenSet{}, errors.New("token missing in response")
	}
	exp, err := credential.ParseExpiresIn(p.ExpiresIn)
	if err != nil {
		return tokenSet{}, fmt.Errorf("parse expiresIn: %w", err)
	}
	return tokenSet{
		idToken:      credential.NewIdentityToken(p.IDToken),
		refreshToken: credential.NewRefreshToken(p.RefreshToken),
		expiresIn:    exp,
	}, nil
}
