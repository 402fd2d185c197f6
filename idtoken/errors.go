package idtoken

import (
	"errors"
	"fmt"
	"time"
)

// Each verification gate fails with its own error.
var (
	ErrMalformedHeader           = errors.New("malformed token header")
	ErrInvalidTokenType          = errors.New("invalid token type")
	ErrInvalidAlgorithm          = errors.New("invalid signing algorithm")
	ErrKidNotFound               = errors.New("kid not found in token header")
	ErrKeySetRequest             = errors.New("key set request failed")
	ErrInvalidResponseStatusCode = errors.New("invalid key set response status")
	ErrKeySetDecode              = errors.New("key set response could not be decoded")
	ErrPublicKeyNotFound         = errors.New("public key not found for kid")
	ErrDecodingKey               = errors.New("public key could not be decoded")
	ErrDecodeToken               = errors.New("token could not be decoded")
	ErrTokenExpired              = errors.New("token expired")
	ErrTokenIssuedInFuture       = errors.New("token issued in the future")
)

// StatusError reports a non-200 key set response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: %d", ErrInvalidResponseStatusCode, e.StatusCode)
}

func (e *StatusError) Is(target error) bool { return target == ErrInvalidResponseStatusCode }

// ClaimTimeError carries the offending timestamp of an expired or
// future-issued token.
type ClaimTimeError struct {
	Err error
	At  time.Time
}

func (e *ClaimTimeError) Error() string {
	return fmt.Sprintf("%v at %s", e.Err, e.At.UTC().Format(time.RFC3339))
}

func (e *ClaimTimeError) Unwrap() error { return e.Err }
