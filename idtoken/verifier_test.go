package idtoken

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

const testProject = "demo-project"

type testSigner struct {
	key *rsa.PrivateKey
	kid string
}

func newTestSigner(t *testing.T, kid string) *testSigner {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &testSigner{key: key, kid: kid}
}

// certificatePEM wraps the public key in a self-signed certificate, the
// format the x509 metadata endpoint serves.
func (s *testSigner) certificatePEM(t *testing.T) string {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "securetoken.system.gserviceaccount.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &s.key.PublicKey, s.key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func (s *testSigner) sign(t *testing.T, claims jwt.MapClaims, edit func(*jwt.Token)) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.kid
	if edit != nil {
		edit(token)
	}
	signed, err := token.SignedString(s.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func validClaims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":       issuerPrefix + testProject,
		"aud":       testProject,
		"sub":       "user-123",
		"iat":       now.Add(-time.Minute).Unix(),
		"auth_time": now.Add(-2 * time.Minute).Unix(),
		"exp":       now.Add(time.Hour).Unix(),
	}
}

type keyServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newKeyServer(t *testing.T, handler http.HandlerFunc) *keyServer {
	t.Helper()
	ks := &keyServer{}
	ks.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ks.hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(ks.Close)
	return ks
}

func servePEMs(pems map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(pems)
	}
}

func newTestVerifier(t *testing.T, url string, now time.Time, mutate func(*Config)) *Verifier {
	t.Helper()
	cfg := Config{
		ProjectID: testProject,
		KeySetURL: url,
		Now:       func() time.Time { return now },
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	v, err := NewVerifier(cfg)
	if err != nil {
		t.Fatalf("NewVerifier returned error: %v", err)
	}
	return v
}

func TestVerifyClaimsRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	signer := newTestSigner(t, "key-1")
	ks := newKeyServer(t, servePEMs(map[string]string{"key-1": signer.certificatePEM(t)}))
	v := newTestVerifier(t, ks.URL, now, nil)

	claims := validClaims(now)
	got, err := v.Verify(context.Background(), signer.sign(t, claims, nil))
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if got.Subject != "user-123" || got.Audience != testProject || got.Issuer != issuerPrefix+testProject {
		t.Fatalf("unexpected claims %+v", got)
	}
	if got.ExpiresAt.Unix() != claims["exp"].(int64) || got.IssuedAt.Unix() != claims["iat"].(int64) || got.AuthTime.Unix() != claims["auth_time"].(int64) {
		t.Fatalf("timestamps mismatch: %+v", got)
	}
}

func TestVerifyJWKFormat(t *testing.T) {
	now := time.Now()
	signer := newTestSigner(t, "jwk-1")
	ks := newKeyServer(t, func(w http.ResponseWriter, r *http.Request) {
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: &signer.key.PublicKey, KeyID: signer.kid, Algorithm: string(jose.RS256), Use: "sig"}}}
		json.NewEncoder(w).Encode(set)
	})
	v := newTestVerifier(t, ks.URL, now, func(c *Config) { c.KeySetFormat = KeySetJWK })

	if _, err := v.Verify(context.Background(), signer.sign(t, validClaims(now), nil)); err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
}

func TestHeaderGatesSkipKeySetFetch(t *testing.T) {
	now := time.Now()
	signer := newTestSigner(t, "key-1")
	ks := newKeyServer(t, servePEMs(map[string]string{}))
	v := newTestVerifier(t, ks.URL, now, nil)

	hs256 := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims(now))
	hs256.Header["kid"] = "key-1"
	hsToken, err := hs256.SignedString([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("sign hs256: %v", err)
	}

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"garbage", "not-a-token", ErrMalformedHeader},
		{"bad header encoding", "%%%.e30.sig", ErrMalformedHeader},
		{"hs256", hsToken, ErrInvalidAlgorithm},
		{"wrong typ", signer.sign(t, validClaims(now), func(tok *jwt.Token) { tok.Header["typ"] = "at+jwt" }), ErrInvalidTokenType},
		{"missing kid", signer.sign(t, validClaims(now), func(tok *jwt.Token) { delete(tok.Header, "kid") }), ErrKidNotFound},
	}
	for _, tc := range tests {
		if _, err := v.Verify(context.Background(), tc.token); !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}
	if hits := ks.hits.Load(); hits != 0 {
		t.Fatalf("key set fetched %d times, want 0", hits)
	}
}

func TestKeySetFailures(t *testing.T) {
	now := time.Now()
	signer := newTestSigner(t, "key-1")
	token := signer.sign(t, validClaims(now), nil)

	status := newKeyServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	_, err := newTestVerifier(t, status.URL, now, nil).Verify(context.Background(), token)
	var statusErr *StatusError
	if !errors.Is(err, ErrInvalidResponseStatusCode) || !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected status error, got %v", err)
	}

	garbage := newKeyServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	})
	if _, err := newTestVerifier(t, garbage.URL, now, nil).Verify(context.Background(), token); !errors.Is(err, ErrKeySetDecode) {
		t.Fatalf("expected ErrKeySetDecode, got %v", err)
	}

	for _, body := range []string{"null", "{}"} {
		empty := newKeyServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		})
		if _, err := newTestVerifier(t, empty.URL, now, nil).Verify(context.Background(), token); !errors.Is(err, ErrKeySetDecode) {
			t.Fatalf("body %s: expected ErrKeySetDecode, got %v", body, err)
		}
	}

	down := newKeyServer(t, servePEMs(nil))
	url := down.URL
	down.Close()
	if _, err := newTestVerifier(t, url, now, nil).Verify(context.Background(), token); !errors.Is(err, ErrKeySetRequest) {
		t.Fatalf("expected ErrKeySetRequest, got %v", err)
	}

	missing := newKeyServer(t, servePEMs(map[string]string{"other": signer.certificatePEM(t)}))
	if _, err := newTestVerifier(t, missing.URL, now, nil).Verify(context.Background(), token); !errors.Is(err, ErrPublicKeyNotFound) {
		t.Fatalf("expected ErrPublicKeyNotFound, got %v", err)
	}

	badPEM := newKeyServer(t, servePEMs(map[string]string{"key-1": "-----BEGIN CERTIFICATE-----\nnope\n-----END CERTIFICATE-----\n"}))
	if _, err := newTestVerifier(t, badPEM.URL, now, nil).Verify(context.Background(), token); !errors.Is(err, ErrDecodingKey) {
		t.Fatalf("expected ErrDecodingKey, got %v", err)
	}
}

func TestVerifyRejectsClaimMismatches(t *testing.T) {
	now := time.Now()
	signer := newTestSigner(t, "key-1")
	other := newTestSigner(t, "key-1")
	ks := newKeyServer(t, servePEMs(map[string]string{"key-1": signer.certificatePEM(t)}))
	v := newTestVerifier(t, ks.URL, now, nil)

	withClaim := func(key string, val any) jwt.MapClaims {
		c := validClaims(now)
		if val == nil {
			delete(c, key)
		} else {
			c[key] = val
		}
		return c
	}

	tokens := map[string]string{
		"wrong audience":    signer.sign(t, withClaim("aud", "another-project"), nil),
		"wrong issuer":      signer.sign(t, withClaim("iss", "https://securetoken.google.com/another-project"), nil),
		"missing auth_time": signer.sign(t, withClaim("auth_time", nil), nil),
		"missing sub":       signer.sign(t, withClaim("sub", nil), nil),
		"missing iat":       signer.sign(t, withClaim("iat", nil), nil),
		"missing exp":       signer.sign(t, withClaim("exp", nil), nil),
		"foreign signature": other.sign(t, validClaims(now), nil),
	}
	for name, token := range tokens {
		if _, err := v.Verify(context.Background(), token); !errors.Is(err, ErrDecodeToken) {
			t.Fatalf("%s: expected ErrDecodeToken, got %v", name, err)
		}
	}
}

func TestVerifyStrictTimeChecks(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	signer := newTestSigner(t, "key-1")
	ks := newKeyServer(t, servePEMs(map[string]string{"key-1": signer.certificatePEM(t)}))
	v := newTestVerifier(t, ks.URL, now, nil)

	// Inside the decoding leeway, so only the strict re-check catches it.
	expired := validClaims(now)
	expired["exp"] = now.Add(-10 * time.Second).Unix()
	_, err := v.Verify(context.Background(), signer.sign(t, expired, nil))
	var timeErr *ClaimTimeError
	if !errors.Is(err, ErrTokenExpired) || !errors.As(err, &timeErr) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if timeErr.At.Unix() != expired["exp"].(int64) {
		t.Fatalf("expected stale timestamp in error, got %s", timeErr.At)
	}

	longExpired := validClaims(now)
	longExpired["exp"] = now.Add(-time.Hour).Unix()
	if _, err := v.Verify(context.Background(), signer.sign(t, longExpired, nil)); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}

	future := validClaims(now)
	future["iat"] = now.Add(10 * time.Second).Unix()
	if _, err := v.Verify(context.Background(), signer.sign(t, future, nil)); !errors.Is(err, ErrTokenIssuedInFuture) {
		t.Fatalf("expected ErrTokenIssuedInFuture, got %v", err)
	}
}

func TestKeySetFetchedPerCallByDefault(t *testing.T) {
	now := time.Now()
	signer := newTestSigner(t, "key-1")
	ks := newKeyServer(t, servePEMs(map[string]string{"key-1": signer.certificatePEM(t)}))
	v := newTestVerifier(t, ks.URL, now, nil)

	token := signer.sign(t, validClaims(now), nil)
	for i := 0; i < 2; i++ {
		if _, err := v.Verify(context.Background(), token); err != nil {
			t.Fatalf("Verify returned error: %v", err)
		}
	}
	if hits := ks.hits.Load(); hits != 2 {
		t.Fatalf("key set fetched %d times, want 2", hits)
	}
}

func TestKeySetCacheRefetchesOnRotation(t *testing.T) {
	now := time.Now()
	first := newTestSigner(t, "key-1")
	second := newTestSigner(t, "key-2")

	firstPEM, secondPEM := first.certificatePEM(t), second.certificatePEM(t)

	var rotated atomic.Bool
	ks := newKeyServer(t, func(w http.ResponseWriter, r *http.Request) {
		pems := map[string]string{"key-1": firstPEM}
		if rotated.Load() {
			pems["key-2"] = secondPEM
		}
		w.Header().Set("Cache-Control", "public, max-age=3600")
		json.NewEncoder(w).Encode(pems)
	})
	v := newTestVerifier(t, ks.URL, now, func(c *Config) { c.CacheTTL = time.Minute })

	token := first.sign(t, validClaims(now), nil)
	for i := 0; i < 3; i++ {
		if _, err := v.Verify(context.Background(), token); err != nil {
			t.Fatalf("Verify returned error: %v", err)
		}
	}
	if hits := ks.hits.Load(); hits != 1 {
		t.Fatalf("cached key set fetched %d times, want 1", hits)
	}

	rotated.Store(true)
	if _, err := v.Verify(context.Background(), second.sign(t, validClaims(now), nil)); err != nil {
		t.Fatalf("Verify after rotation returned error: %v", err)
	}
	if hits := ks.hits.Load(); hits != 2 {
		t.Fatalf("expected a refetch on unknown kid, got %d fetches", hits)
	}
}

func TestMaxCacheDuration(t *testing.T) {
	if got := maxCacheDuration("public, max-age=19302, must-revalidate", time.Minute); got != 19302*time.Second {
		t.Fatalf("unexpected duration %s", got)
	}
	if got := maxCacheDuration("no-store", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback, got %s", got)
	}
}
