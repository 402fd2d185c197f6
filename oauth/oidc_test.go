package oauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

func oidcProvider(t *testing.T) (*httptest.Server, func(jwt.MapClaims) string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	const kid = "provider-key"

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                srv.URL,
			"authorization_endpoint":                srv.URL + "/authorize",
			"token_endpoint":                        srv.URL + "/token",
			"jwks_uri":                              srv.URL + "/keys",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: &key.PublicKey, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"}}}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(set)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	sign := func(claims jwt.MapClaims) string {
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		token.Header["kid"] = kid
		signed, err := token.SignedString(key)
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		return signed
	}
	return srv, sign
}

func TestOIDCVerifierDiscovery(t *testing.T) {
	srv, sign := oidcProvider(t)
	v, err := NewOIDCVerifier(context.Background(), OIDCConfig{Issuer: srv.URL, ClientID: "app-client", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("NewOIDCVerifier returned error: %v", err)
	}

	now := time.Now()
	raw := sign(jwt.MapClaims{
		"iss":   srv.URL,
		"aud":   "app-client",
		"sub":   "user-1",
		"email": "user@example.com",
		"nonce": "n-1",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})

	claims, err := v.Verify(context.Background(), raw, "n-1")
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if claims.Subject != "user-1" || claims.Email != "user@example.com" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if _, err := v.Verify(context.Background(), raw, "other"); err == nil {
		t.Fatalf("expected nonce mismatch")
	}
}

func TestOIDCVerifierRejectsWrongAudience(t *testing.T) {
	srv, sign := oidcProvider(t)
	v, err := NewOIDCVerifier(context.Background(), OIDCConfig{
		Issuer:     srv.URL,
		ClientID:   "app-client",
		KeySetURL:  srv.URL + "/keys",
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("NewOIDCVerifier returned error: %v", err)
	}
	raw := sign(jwt.MapClaims{
		"iss": srv.URL,
		"aud": "someone-else",
		"sub": "user-1",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := v.Verify(context.Background(), raw, ""); err == nil {
		t.Fatalf("expected audience rejection")
	}
}
