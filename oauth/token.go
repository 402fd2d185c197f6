package oauth

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/mochi-neko/fars-sub000/credential"
)

// AccessToken is a provider-issued bearer token.
type AccessToken string

func (t AccessToken) LogValue() slog.Value {
	return slog.StringValue(credential.NewIdentityToken(string(t)).String())
}

// Token is the provider-agnostic result of either flow.
type Token struct {
	AccessToken  AccessToken
	TokenType    string
	RefreshToken *string
	ExpiresIn    *credential.ExpiresIn
	// IDToken is set when the provider returns an OpenID Connect ID token.
	IDToken string
	// TokenSecret is set by providers that still issue OAuth 1.0a style secrets.
	TokenSecret string
}

func tokenFromOAuth2(tok *oauth2.Token, now time.Time) Token {
	out := Token{
		AccessToken: AccessToken(tok.AccessToken),
		TokenType:   tok.TokenType,
	}
	if tok.RefreshToken != "" {
		rt := tok.RefreshToken
		out.RefreshToken = &rt
	}
	if exp, ok := expiresInFromExtra(tok.Extra("expires_in")); ok {
		out.ExpiresIn = &exp
	} else if !tok.Expiry.IsZero() {
		exp := credential.ExpiresIn(max(0, int64(tok.Expiry.Sub(now).Round(time.Second)/time.Second)))
		out.ExpiresIn = &exp
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		out.IDToken = id
	}
	if secret, ok := tok.Extra("oauth_token_secret").(string); ok {
		out.TokenSecret = secret
	}
	return out
}

func expiresInFromExtra(v any) (credential.ExpiresIn, bool) {
	switch val := v.(type) {
	case float64:
		if val < 0 {
			return 0, false
		}
		return credential.ExpiresIn(val), true
	case string:
		exp, err := credential.ParseExpiresIn(val)
		return exp, err == nil
	case int64:
		if val < 0 {
			return 0, false
		}
		return credential.ExpiresIn(val), true
	default:
		return 0, false
	}
}

func expiresPtr(seconds int64) *credential.ExpiresIn {
	if seconds <= 0 {
		return nil
	}
	exp := credential.ExpiresIn(seconds)
	return &exp
}

// PostBody builds the identity service credential for provider.
func (t Token) PostBody(provider credential.ProviderID) (credential.IdpPostBody, error) {
	switch provider {
	case credential.ProviderGoogle:
		if t.IDToken != "" {
			return credential.GoogleIDToken(t.IDToken), nil
		}
		return credential.GoogleAccessToken(string(t.AccessToken)), nil
	case credential.ProviderFacebook:
		return credential.FacebookAccessToken(string(t.AccessToken)), nil
	case credential.ProviderGitHub:
		return credential.GitHubAccessToken(string(t.AccessToken)), nil
	case credential.ProviderMicrosoft:
		return credential.MicrosoftAccessToken(string(t.AccessToken)), nil
	case credential.ProviderTwitter:
		return credential.TwitterAccessToken(string(t.AccessToken), t.TokenSecret), nil
	default:
		return credential.IdpPostBody{}, fmt.Errorf("provider %s not supported for oauth sign-in", provider)
	}
}
