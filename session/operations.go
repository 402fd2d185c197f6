package session

import (
	"context"

	"github.com/mochi-neko/fars-sub000/credential"
	"github.com/mochi-neko/fars-sub000/transport"
)

func (s *Session) update(ctx context.Context, name string, fields map[string]any) (*Session, ProfileUpdate, error) {
	return call(ctx, s, name, func(ctx context.Context, idToken credential.IdentityToken) (ProfileUpdate, tokenPayload, error) {
		body := map[string]any{"idToken": idToken.Value()}
		for k, v := range fields {
			body[k] = v
		}
		var resp updateResponse
		if err := s.client.tr.Send(ctx, transport.Update, body, &resp, s.client.localeHeader()); err != nil {
			return ProfileUpdate{}, tokenPayload{}, err
		}
		return resp.ProfileUpdate, resp.tokenPayload, nil
	})
}

// ChangeEmail changes the account email.
func (s *Session) ChangeEmail(ctx context.Context, email string) (*Session, error) {
	next, _, err := s.update(ctx, "change_email", map[string]any{
		"email":             email,
		"returnSecureToken": true,
	})
	return next, err
}

// ChangePassword changes the account password.
func (s *Session) ChangePassword(ctx context.Context, password string) (*Session, error) {
	next, _, err := s.update(ctx, "change_password", map[string]any{
		"password":          password,
		"returnSecureToken": true,
	})
	return next, err
}

// UpdateProfile sets the display name and photo URL. Empty values are left unchanged.
func (s *Session) UpdateProfile(ctx context.Context, displayName, photoURL string) (*Session, ProfileUpdate, error) {
	fields := map[string]any{"returnSecureToken": true}
	if displayName != "" {
		fields["displayName"] = displayName
	}
	if photoURL != "" {
		fields["photoUrl"] = photoURL
	}
	return s.update(ctx, "update_profile", fields)
}

// DeleteProfile removes the given profile attributes.
func (s *Session) DeleteProfile(ctx context.Context, attrs []credential.DeleteAttribute) (*Session, ProfileUpdate, error) {
	return s.update(ctx, "delete_profile", map[string]any{
		"deleteAttribute":   attrs,
		"returnSecureToken": true,
	})
}

// LinkWithEmailPassword attaches an email/password credential to the account.
// The returned Session carries the tokens issued by the link call.
func (s *Session) LinkWithEmailPassword(ctx context.Context, email, password string) (*Session, error) {
	next, _, err := s.update(ctx, "link_email_password", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	})
	return next, err
}

// UnlinkProvider detaches the given providers from the account.
func (s *Session) UnlinkProvider(ctx context.Context, providers []credential.ProviderID) (*Session, ProfileUpdate, error) {
	return s.update(ctx, "unlink_provider", map[string]any{"deleteProvider": providers})
}

// LinkWithOAuthCredential attaches an identity provider credential to the account.
// The returned Session carries the tokens issued by the link call.
func (s *Session) LinkWithOAuthCredential(ctx context.Context, requestURI string, body credential.IdpPostBody) (*Session, IdpUser, error) {
	return call(ctx, s, "link_oauth_credential", func(ctx context.Context, idToken credential.IdentityToken) (IdpUser, tokenPayload, error) {
		var resp idpResponse
		err := s.client.tr.Send(ctx, transport.SignInWithIdp, map[string]any{
			"idToken":             idToken.Value(),
			"requestUri":          requestURI,
			"postBody":            body.Encode(),
			"returnSecureToken":   true,
			"returnIdpCredential": true,
		}, &resp, nil)
		if err != nil {
			return IdpUser{}, tokenPayload{}, err
		}
		return resp.IdpUser, resp.tokenPayload, nil
	})
}

// GetUserData fetches the account profile.
func (s *Session) GetUserData(ctx context.Context) (*Session, UserData, error) {
	return call(ctx, s, "get_user_data", func(ctx context.Context, idToken credential.IdentityToken) (UserData, tokenPayload, error) {
		var resp lookupResponse
		if err := s.client.tr.Send(ctx, transport.Lookup, map[string]any{"idToken": idToken.Value()}, &resp, nil); err != nil {
			return UserData{}, tokenPayload{}, err
		}
		if len(resp.Users) == 0 {
			return UserData{}, tokenPayload{}, ErrUserDataNotFound
		}
		return resp.Users[0], tokenPayload{}, nil
	})
}

// SendEmailVerification asks the service to email a verification code.
func (s *Session) SendEmailVerification(ctx context.Context) (*Session, string, error) {
	return call(ctx, s, "send_email_verification", func(ctx context.Context, idToken credential.IdentityToken) (string, tokenPayload, error) {
		var resp oobResponse
		err := s.client.tr.Send(ctx, transport.SendOobCode, map[string]any{
			"requestType": "VERIFY_EMAIL",
			"idToken":     idToken.Value(),
		}, &resp, s.client.localeHeader())
		if err != nil {
			return "", tokenPayload{}, err
		}
		return resp.Email, tokenPayload{}, nil
	})
}

// DeleteAccount deletes the account. The Session has no successor.
func (s *Session) DeleteAccount(ctx context.Context) error {
	_, _, err := call(ctx, s, "delete_account", func(ctx context.Context, idToken credential.IdentityToken) (struct{}, tokenPayload, error) {
		err := s.client.tr.Send(ctx, transport.Delete, map[string]any{"idToken": idToken.Value()}, nil, nil)
		return struct{}{}, tokenPayload{}, err
	})
	return err
}

// Refresh exchanges the refresh token for a new token pair.
func (s *Session) Refresh(ctx context.Context) (*Session, error) {
	if err := s.take(); err != nil {
		return nil, err
	}
	tokens, err := s.client.refresh(ctx, s.tokens.refreshToken)
	if err != nil {
		return nil, err
	}
	return s.client.newSession(tokens), nil
}
