package idtoken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultKeySetURL serves the certificates that sign identity tokens.
	DefaultKeySetURL = "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"

	issuerPrefix  = "https://securetoken.google.com/"
	defaultLeeway = 30 * time.Second
)

// Config configures a Verifier.
type Config struct {
	ProjectID    string
	KeySetURL    string
	KeySetFormat KeySetFormat
	HTTPClient   *http.Client
	// Leeway is the clock skew tolerated while decoding. The final
	// expiry and issued-at checks use none.
	Leeway time.Duration
	// CacheTTL keeps a fetched key set between calls. Zero fetches on every call.
	CacheTTL time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// Claims are the verified claims of an identity token.
type Claims struct {
	Subject   string    `json:"sub"`
	Audience  string    `json:"aud"`
	Issuer    string    `json:"iss"`
	ExpiresAt time.Time `json:"exp"`
	IssuedAt  time.Time `json:"iat"`
	AuthTime  time.Time `json:"auth_time"`
}

// Verifier checks identity tokens locally against the issuer's public keys.
type Verifier struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	mu     sync.RWMutex
	cache  keySetCache
}

// NewVerifier creates a verifier with defaults applied.
func NewVerifier(cfg Config) (*Verifier, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("project id required")
	}
	if cfg.KeySetURL == "" {
		cfg.KeySetURL = DefaultKeySetURL
	}
	switch cfg.KeySetFormat {
	case "":
		cfg.KeySetFormat = KeySetX509
	case KeySetX509, KeySetJWK:
	default:
		return nil, fmt.Errorf("unknown key set format %q", cfg.KeySetFormat)
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = defaultLeeway
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Verifier{cfg: cfg, client: client, logger: logger}, nil
}

// Issuer is the expected iss claim.
func (v *Verifier) Issuer() string { return issuerPrefix + v.cfg.ProjectID }

func (v *Verifier) now() time.Time { return v.cfg.Now() }

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
}

type tokenClaims struct {
	jwt.RegisteredClaims
	AuthTime *jwt.NumericDate `json:"auth_time"`
}

// Validate enforces the claims the registered validator leaves optional.
func (c tokenClaims) Validate() error {
	if c.IssuedAt == nil {
		return errors.New("iat claim required")
	}
	if c.AuthTime == nil {
		return errors.New("auth_time claim required")
	}
	if c.Subject == "" || len(c.Subject) > 128 {
		return errors.New("sub claim must be 1 to 128 characters")
	}
	return nil
}

// Verify checks rawToken and returns its claims. The header is checked before
// any network call; the key set is fetched only for structurally valid tokens.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	h, err := decodeHeader(rawToken)
	if err != nil {
		return nil, err
	}
	if h.Typ != "JWT" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTokenType, h.Typ)
	}
	if h.Alg != jwt.SigningMethodRS256.Alg() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAlgorithm, h.Alg)
	}
	if h.Kid == "" {
		return nil, ErrKidNotFound
	}

	keys, err := v.publicKeys(ctx, false)
	if err != nil {
		return nil, err
	}
	pub, err := keys.key(h.Kid)
	if errors.Is(err, ErrPublicKeyNotFound) && v.cfg.CacheTTL > 0 {
		// The issuer may have rotated keys since the set was cached.
		if keys, err = v.publicKeys(ctx, true); err != nil {
			return nil, err
		}
		pub, err = keys.key(h.Kid)
	}
	if err != nil {
		return nil, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.cfg.ProjectID),
		jwt.WithIssuer(v.Issuer()),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithTimeFunc(v.now),
	)

	var claims tokenClaims
	_, err = parser.ParseWithClaims(rawToken, &claims, func(*jwt.Token) (any, error) {
		return pub, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired) && claims.ExpiresAt != nil:
		return nil, &ClaimTimeError{Err: ErrTokenExpired, At: claims.ExpiresAt.Time}
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued) && claims.IssuedAt != nil:
		return nil, &ClaimTimeError{Err: ErrTokenIssuedInFuture, At: claims.IssuedAt.Time}
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrDecodeToken, err)
	}

	now := v.now()
	if !now.Before(claims.ExpiresAt.Time) {
		return nil, &ClaimTimeError{Err: ErrTokenExpired, At: claims.ExpiresAt.Time}
	}
	if claims.IssuedAt.Time.After(now) {
		return nil, &ClaimTimeError{Err: ErrTokenIssuedInFuture, At: claims.IssuedAt.Time}
	}

	v.logger.Debug("idtoken.verified", "sub", claims.Subject, "kid", h.Kid)
	return &Claims{
		Subject:   claims.Subject,
		Audience:  claims.Audience[0],
		Issuer:    claims.Issuer,
		ExpiresAt: claims.ExpiresAt.Time,
		IssuedAt:  claims.IssuedAt.Time,
		AuthTime:  claims.AuthTime.Time,
	}, nil
}

func decodeHeader(rawToken string) (header, error) {
	parts := strings.Split(rawToken, ".")
	if len(parts) != 3 {
		return header{}, fmt.Errorf("%w: token must have 3 segments", ErrMalformedHeader)
	}
	raw, err := jwt.NewParser().DecodeSegment(parts[0])
	if err != nil {
		return header{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		return header{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	return h, nil
}
