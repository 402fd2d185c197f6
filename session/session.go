package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/mochi-neko/fars-sub000/credential"
)

// maxRefreshAttempts bounds how often one call may refresh an expired identity token.
const maxRefreshAttempts = 1

var (
	// ErrSessionConsumed is returned when a Session is used after an operation took it.
	ErrSessionConsumed = errors.New("session already consumed")
	// ErrUserDataNotFound is returned when accounts:lookup yields no user.
	ErrUserDataNotFound = errors.New("user data not found")
)

type tokenSet struct {
	idToken      credential.IdentityToken
	refreshToken credential.RefreshToken
	expiresIn    credential.ExpiresIn
}

// Session holds the tokens of a signed-in user.
//
// Every operation consumes the Session it is called on and, on success,
// returns a new one. The consumed value must not be used again; doing so
// fails with ErrSessionConsumed. DeleteAccount has no successor.
type Session struct {
	client *Client
	tokens tokenSet
	spent  atomic.Bool
}

func (c *Client) newSession(t tokenSet) *Session {
	return &Session{client: c, tokens: t}
}

// IdentityToken returns the current identity token.
func (s *Session) IdentityToken() credential.IdentityToken { return s.tokens.idToken }

// RefreshToken returns the refresh token. It stays readable after the
// Session is consumed so a caller can persist or reuse it.
func (s *Session) RefreshToken() credential.RefreshToken { return s.tokens.refreshToken }

// ExpiresIn returns the lifetime of the identity token at issuance.
func (s *Session) ExpiresIn() credential.ExpiresIn { return s.tokens.expiresIn }

// Consumed reports whether an operation has taken the Session.
func (s *Session) Consumed() bool { return s.spent.Load() }

func (s *Session) take() error {
	if s == nil || s.client == nil {
		return errors.New("nil session")
	}
	if !s.spent.CompareAndSwap(false, true) {
		return ErrSessionConsumed
	}
	return nil
}

// call runs op with the session's identity token, refreshing the token and
// retrying once when the service reports it invalid. Tokens present in the
// payload op returns replace the session's tokens on success.
func call[T any](ctx context.Context, s *Session, name string, op func(ctx context.Context, idToken credential.IdentityToken) (T, tokenPayload, error)) (*Session, T, error) {
	var zero T
	if err := s.take(); err != nil {
		return nil, zero, err
	}

	c := s.client
	current := s.tokens
	attempts := 0
	for {
		value, payload, err := op(ctx, current.idToken)
		if err == nil {
			next, err := payload.merge(current)
			if err != nil {
				return nil, zero, err
			}
			if next != nil {
				current = *next
			}
			return c.newSession(current), value, nil
		}
		if !errors.Is(err, ErrInvalidIdentityToken) || attempts >= maxRefreshAttempts {
			return nil, zero, err
		}

		attempts++
		c.logger.Warn("session.retry", "operation", name, "attempt", attempts, "id_token", current.idToken)
		refreshed, rerr := c.refresh(ctx, current.refreshToken)
		if rerr != nil {
			return nil, zero, fmt.Errorf("refresh identity token: %w", rerr)
		}
		current = refreshed
	}
}

// merge overlays the non-empty tokens of p onto base.
func (p tokenPayload) merge(base tokenSet) (*tokenSet, error) {
	if p.IDToken == "" && p.RefreshToken == "" {
		return nil, nil
	}
	out := base
	if p.IDToken != "" {
		out.idToken = credential.NewIdentityToken(p.IDToken)
	}
	if p.RefreshToken != "" {
		out.refreshToken = credential.NewRefreshToken(p.RefreshToken)
	}
	if p.ExpiresIn != "" {
		exp, err := credential.ParseExpiresIn(p.ExpiresIn)
		if err != nil {
			return nil, fmt.Errorf("parse expiresIn: %w", err)
		}
		out.expiresIn = exp
	}
	return &out, nil
}
