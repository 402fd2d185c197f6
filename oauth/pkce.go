package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// PKCEMethod selects how a client proves possession of the code verifier.
type PKCEMethod string

const (
	PKCENone PKCEMethod = ""
	PKCES256 PKCEMethod = "S256"
)

// CSRFState is the anti-forgery value round-tripped through the authorization redirect.
type CSRFState string

// PKCEVerifier is the secret bound to an authorization request.
type PKCEVerifier string

func generatePKCE() (PKCEVerifier, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code verifier: %w", err)
	}
	return PKCEVerifier(base64.RawURLEncoding.EncodeToString(buf)), nil
}

func challengeS256(verifier PKCEVerifier) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func generateState() (CSRFState, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return CSRFState(base64.RawURLEncoding.EncodeToString(buf)), nil
}
