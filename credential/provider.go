package credential

import (
	"fmt"
	"net/url"
)

// ProviderID names an identity provider linked to an account.
type ProviderID string

const (
	ProviderPassword   ProviderID = "password"
	ProviderApple      ProviderID = "apple.com"
	ProviderAppleGame  ProviderID = "gc.apple.com"
	ProviderFacebook   ProviderID = "facebook.com"
	ProviderGitHub     ProviderID = "github.com"
	ProviderGoogle     ProviderID = "google.com"
	ProviderGooglePlay ProviderID = "playgames.google.com"
	ProviderLinkedIn   ProviderID = "linkedin.com"
	ProviderMicrosoft  ProviderID = "microsoft.com"
	ProviderTwitter    ProviderID = "twitter.com"
	ProviderYahoo      ProviderID = "yahoo.com"
)

var knownProviders = map[ProviderID]struct{}{
	ProviderPassword:   {},
	ProviderApple:      {},
	ProviderAppleGame:  {},
	ProviderFacebook:   {},
	ProviderGitHub:     {},
	ProviderGoogle:     {},
	ProviderGooglePlay: {},
	ProviderLinkedIn:   {},
	ProviderMicrosoft:  {},
	ProviderTwitter:    {},
	ProviderYahoo:      {},
}

// ParseProviderID validates a provider identifier returned by the service.
func ParseProviderID(s string) (ProviderID, error) {
	id := ProviderID(s)
	if _, ok := knownProviders[id]; !ok {
		return "", fmt.Errorf("unknown provider id %q", s)
	}
	return id, nil
}

// IdpPostBody is the form-encoded credential sent to accounts:signInWithIdp.
type IdpPostBody struct {
	provider ProviderID
	values   url.Values
}

func newPostBody(provider ProviderID, kv ...string) IdpPostBody {
	v := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			v.Set(kv[i], kv[i+1])
		}
	}
	v.Set("providerId", string(provider))
	return IdpPostBody{provider: provider, values: v}
}

// GoogleIDToken builds a body from a Google-issued ID token.
func GoogleIDToken(idToken string) IdpPostBody {
	return newPostBody(ProviderGoogle, "id_token", idToken)
}

// GoogleAccessToken builds a body from a Google access token.
func GoogleAccessToken(accessToken string) IdpPostBody {
	return newPostBody(ProviderGoogle, "access_token", accessToken)
}

// FacebookAccessToken builds a body from a Facebook access token.
func FacebookAccessToken(accessToken string) IdpPostBody {
	return newPostBody(ProviderFacebook, "access_token", accessToken)
}

// GitHubAccessToken builds a body from a GitHub access token.
func GitHubAccessToken(accessToken string) IdpPostBody {
	return newPostBody(ProviderGitHub, "access_token", accessToken)
}

// MicrosoftAccessToken builds a body from a Microsoft access token.
func MicrosoftAccessToken(accessToken string) IdpPostBody {
	return newPostBody(ProviderMicrosoft, "access_token", accessToken)
}

// TwitterAccessToken builds a body from a Twitter access token and secret.
func TwitterAccessToken(accessToken, tokenSecret string) IdpPostBody {
	return newPostBody(ProviderTwitter, "access_token", accessToken, "oauth_token_secret", tokenSecret)
}

// AppleIDToken builds a body from an Apple ID token and the raw nonce used to request it.
func AppleIDToken(idToken, nonce string) IdpPostBody {
	return newPostBody(ProviderApple, "id_token", idToken, "nonce", nonce)
}

// Provider reports which provider issued the credential.
func (b IdpPostBody) Provider() ProviderID { return b.provider }

// Encode renders the body in form encoding.
func (b IdpPostBody) Encode() string { return b.values.Encode() }

// DeleteAttribute names a profile attribute removable through accounts:update.
type DeleteAttribute string

const (
	DeleteDisplayName DeleteAttribute = "DISPLAY_NAME"
	DeletePhotoURL    DeleteAttribute = "PHOTO_URL"
)
