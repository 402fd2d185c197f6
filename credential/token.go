package credential

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// ErrInvalidDuration is returned when an expiry string is not an unsigned decimal.
var ErrInvalidDuration = errors.New("invalid duration")

// IdentityToken is the short-lived bearer token presented on authenticated calls.
type IdentityToken struct {
	value string
}

// NewIdentityToken wraps a raw identity token.
func NewIdentityToken(raw string) IdentityToken {
	return IdentityToken{value: raw}
}

// Value returns the raw token for use on the wire.
func (t IdentityToken) Value() string { return t.value }

// IsZero reports whether the token is empty.
func (t IdentityToken) IsZero() bool { return t.value == "" }

func (t IdentityToken) String() string { return mask(t.value) }

// LogValue keeps the raw token out of structured logs.
func (t IdentityToken) LogValue() slog.Value { return slog.StringValue(mask(t.value)) }

// RefreshToken is the long-lived token exchanged for a new identity token.
type RefreshToken struct {
	value string
}

// NewRefreshToken wraps a raw refresh token.
func NewRefreshToken(raw string) RefreshToken {
	return RefreshToken{value: raw}
}

// Value returns the raw token for use on the wire.
func (t RefreshToken) Value() string { return t.value }

// IsZero reports whether the token is empty.
func (t RefreshToken) IsZero() bool { return t.value == "" }

func (t RefreshToken) String() string { return mask(t.value) }

// LogValue keeps the raw token out of structured logs.
func (t RefreshToken) LogValue() slog.Value { return slog.StringValue(mask(t.value)) }

// ExpiresIn is a token lifetime in whole seconds.
type ExpiresIn uint64

// ParseExpiresIn parses a decimal seconds string such as "3600".
func ParseExpiresIn(s string) (ExpiresIn, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidDuration, s, err)
	}
	return ExpiresIn(n), nil
}

// Seconds returns the lifetime in seconds.
func (e ExpiresIn) Seconds() uint64 { return uint64(e) }

// Duration converts the lifetime to a time.Duration.
func (e ExpiresIn) Duration() time.Duration { return time.Duration(e) * time.Second }

func mask(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 6 {
		return fmt.Sprintf("***(%d)", len(v))
	}
	return fmt.Sprintf("%s…(%d)", v[:6], len(v))
}
