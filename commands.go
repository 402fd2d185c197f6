package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mochi-neko/fars-sub000/callback"
	"github.com/mochi-neko/fars-sub000/config"
	"github.com/mochi-neko/fars-sub000/credential"
	"github.com/mochi-neko/fars-sub000/idtoken"
	"github.com/mochi-neko/fars-sub000/oauth"
	"github.com/mochi-neko/fars-sub000/session"
	"github.com/mochi-neko/fars-sub000/transport"
)

type app struct {
	cfg        config.Config
	logger     *slog.Logger
	out        io.Writer
	httpClient *http.Client
	sleep      oauth.SleepFunc
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	want := map[string]int{"signin": 2, "refresh": 1, "user": 1, "verify": 1, "login": 1, "device": 1}
	n, ok := want[command]
	if !ok {
		return fmt.Errorf("unknown command %q", command)
	}
	if len(args) != n {
		return fmt.Errorf("%s expects %d argument(s), got %d", command, n, len(args))
	}

	switch command {
	case "signin":
		return a.runSignIn(ctx, args[0], args[1])
	case "refresh":
		return a.runRefresh(ctx, credential.NewRefreshToken(args[0]))
	case "user":
		return a.runUser(ctx, credential.NewRefreshToken(args[0]))
	case "verify":
		return a.runVerify(ctx, args[0])
	case "login":
		return a.runLogin(ctx, args[0])
	default:
		return a.runDevice(ctx, args[0])
	}
}

func (a *app) sessionClient() (*session.Client, error) {
	tr, err := transport.New(transport.Config{
		APIKey:          a.cfg.Identity.APIKey,
		IdentityBaseURL: a.cfg.Identity.BaseURL,
		TokenURL:        a.cfg.Identity.TokenURL,
		Timeout:         a.cfg.IdentityTimeout(),
		HTTPClient:      a.httpClient,
		Logger:          a.logger,
	})
	if err != nil {
		return nil, err
	}
	return session.New(session.Config{Transport: tr, Locale: a.cfg.Identity.Locale, Logger: a.logger})
}

type sessionOutput struct {
	IdentityToken string `json:"id_token"`
	RefreshToken  string `json:"refresh_token"`
	ExpiresIn     uint64 `json:"expires_in"`
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printSession shows the refresh token in full so it can be passed to
// refresh or user. The identity token stays masked.
func (a *app) printSession(s *session.Session) error {
	return a.print(sessionOutput{
		IdentityToken: s.IdentityToken().String(),
		RefreshToken:  s.RefreshToken().Value(),
		ExpiresIn:     s.ExpiresIn().Seconds(),
	})
}

func (a *app) runSignIn(ctx context.Context, email, password string) error {
	client, err := a.sessionClient()
	if err != nil {
		return err
	}
	s, err := client.SignInWithEmailPassword(ctx, email, password)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	return a.printSession(s)
}

func (a *app) runRefresh(ctx context.Context, rt credential.RefreshToken) error {
	client, err := a.sessionClient()
	if err != nil {
		return err
	}
	s, err := client.SignInWithRefreshToken(ctx, rt)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	return a.printSession(s)
}

func (a *app) runUser(ctx context.Context, rt credential.RefreshToken) error {
	client, err := a.sessionClient()
	if err != nil {
		return err
	}
	s, err := client.SignInWithRefreshToken(ctx, rt)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	_, user, err := s.GetUserData(ctx)
	if err != nil {
		return fmt.Errorf("get user data: %w", err)
	}
	user.PasswordHash = ""
	return a.print(user)
}

func (a *app) runVerify(ctx context.Context, rawToken string) error {
	v, err := idtoken.NewVerifier(idtoken.Config{
		ProjectID:    a.cfg.Identity.ProjectID,
		KeySetURL:    a.cfg.Identity.KeySetURL,
		KeySetFormat: idtoken.KeySetFormat(a.cfg.Identity.KeySetFormat),
		HTTPClient:   a.httpClient,
		Logger:       a.logger,
	})
	if err != nil {
		return err
	}
	claims, err := v.Verify(ctx, rawToken)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	return a.print(claims)
}

// authCodeClient builds the provider client and reports which scopes to
// request and which identity provider the token signs in to.
func (a *app) authCodeClient(name string) (*oauth.AuthCodeClient, []string, credential.ProviderID, error) {
	providers := a.cfg.Providers
	base := func(p config.ProviderConfig) oauth.ProviderConfig {
		return oauth.ProviderConfig{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			RedirectURL:  a.cfg.RedirectURL(p),
			HTTPClient:   a.httpClient,
			Logger:       a.logger,
		}
	}

	var (
		client *oauth.AuthCodeClient
		scopes []string
		id     credential.ProviderID
		err    error
	)
	switch name {
	case "google":
		client, err = oauth.NewGoogleAuthCode(base(providers.Google))
		scopes, id = providers.Google.Scopes, credential.ProviderGoogle
	case "facebook":
		client, err = oauth.NewFacebookAuthCode(base(providers.Facebook.ProviderConfig))
		scopes, id = providers.Facebook.Scopes, credential.ProviderFacebook
	case "github":
		client, err = oauth.NewGitHubAuthCode(base(providers.GitHub))
		scopes, id = providers.GitHub.Scopes, credential.ProviderGitHub
	case "twitter":
		pkce := oauth.PKCENone
		if providers.Twitter.PKCE {
			pkce = oauth.PKCES256
		}
		client, err = oauth.NewTwitterAuthCode(base(providers.Twitter.ProviderConfig), pkce)
		scopes, id = providers.Twitter.Scopes, credential.ProviderTwitter
	case "microsoft":
		client, err = oauth.NewMicrosoftAuthCode(base(providers.Microsoft.ProviderConfig), oauth.MicrosoftTenant(providers.Microsoft.Tenant))
		scopes, id = providers.Microsoft.Scopes, credential.ProviderMicrosoft
	default:
		return nil, nil, "", fmt.Errorf("unknown provider %q", name)
	}
	if err != nil {
		return nil, nil, "", fmt.Errorf("%s client: %w", name, err)
	}
	return client, scopes, id, nil
}

func (a *app) runLogin(ctx context.Context, name string) error {
	client, scopes, provider, err := a.authCodeClient(name)
	if err != nil {
		return err
	}
	authSession, err := client.GenerateSession(scopes)
	if err != nil {
		return err
	}

	listener, err := callback.Listen(callback.Config{
		ListenAddr: a.cfg.Callback.ListenAddr,
		Path:       a.cfg.Callback.Path,
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = listener.Close(shutdownCtx)
	}()

	fmt.Fprintf(a.out, "Open this URL in a browser to sign in:\n\n  %s\n\n", authSession.AuthorizeURL())

	waitCtx, cancel := context.WithTimeout(ctx, a.cfg.CallbackTimeout())
	defer cancel()
	res, err := listener.Wait(waitCtx)
	if err != nil {
		return err
	}

	tok, err := authSession.ExchangeCodeIntoToken(ctx, res.Code, res.State)
	if err != nil {
		return err
	}
	a.logger.Info("login.exchanged", "provider", name, "access_token", tok.AccessToken)

	if err := a.checkProviderIDToken(ctx, name, tok.IDToken); err != nil {
		return err
	}
	return a.signInWithProviderToken(ctx, provider, client.RedirectURL(), tok)
}

// checkProviderIDToken verifies OpenID Connect ID tokens before they are
// forwarded to the identity service.
func (a *app) checkProviderIDToken(ctx context.Context, name, rawIDToken string) error {
	if rawIDToken == "" {
		return nil
	}
	var cfg oauth.OIDCConfig
	switch name {
	case "google":
		cfg = oauth.OIDCConfig{Issuer: oauth.GoogleIssuer, ClientID: a.cfg.Providers.Google.ClientID}
	case "microsoft":
		issuer, exact := oauth.MicrosoftIssuer(oauth.MicrosoftTenant(a.cfg.Providers.Microsoft.Tenant))
		cfg = oauth.OIDCConfig{Issuer: issuer, ClientID: a.cfg.Providers.Microsoft.ClientID, SkipIssuerCheck: !exact}
	default:
		return nil
	}
	cfg.HTTPClient = a.httpClient
	verifier, err := oauth.NewOIDCVerifier(ctx, cfg)
	if err != nil {
		return err
	}
	claims, err := verifier.Verify(ctx, rawIDToken, "")
	if err != nil {
		return err
	}
	a.logger.Info("login.id_token", "provider", name, "sub", claims.Subject, "email", claims.Email)
	return nil
}

func (a *app) signInWithProviderToken(ctx context.Context, provider credential.ProviderID, requestURI string, tok oauth.Token) error {
	body, err := tok.PostBody(provider)
	if err != nil {
		return err
	}
	client, err := a.sessionClient()
	if err != nil {
		return err
	}
	s, user, err := client.SignInWithOAuthCredential(ctx, requestURI, body)
	if err != nil {
		return fmt.Errorf("sign in with %s: %w", provider, err)
	}
	a.logger.Info("login.signed_in", "provider", provider, "local_id", user.LocalID)
	return a.printSession(s)
}

type deviceAuthorizer interface {
	RequestAuthorization(ctx context.Context, scopes []string) (*oauth.DeviceCodeSession, error)
}

func (a *app) deviceClient(name string) (deviceAuthorizer, []string, credential.ProviderID, error) {
	providers := a.cfg.Providers
	switch name {
	case "google":
		client, err := oauth.NewGoogleDeviceCode(oauth.ProviderConfig{
			ClientID:     providers.Google.ClientID,
			ClientSecret: providers.Google.ClientSecret,
			HTTPClient:   a.httpClient,
			Logger:       a.logger,
		})
		return client, providers.Google.Scopes, credential.ProviderGoogle, err
	case "facebook":
		client, err := oauth.NewFacebookDeviceCode(oauth.FacebookDeviceConfig{
			AppID:       providers.Facebook.ClientID,
			ClientToken: providers.Facebook.ClientToken,
			HTTPClient:  a.httpClient,
			Logger:      a.logger,
		})
		return client, providers.Facebook.Scopes, credential.ProviderFacebook, err
	default:
		return nil, nil, "", fmt.Errorf("provider %q has no device flow", name)
	}
}

func (a *app) runDevice(ctx context.Context, name string) error {
	client, scopes, provider, err := a.deviceClient(name)
	if err != nil {
		return err
	}
	deviceSession, err := client.RequestAuthorization(ctx, scopes)
	if err != nil {
		return err
	}

	uri := deviceSession.VerificationURI()
	if complete, ok := deviceSession.VerificationURIComplete(); ok {
		uri = complete
	}
	fmt.Fprintf(a.out, "Visit %s and enter the code %s\n", uri, deviceSession.UserCode())

	sleep := a.sleep
	if sleep == nil {
		sleep = oauth.TimerSleep
	}
	tok, err := deviceSession.PollExchangeToken(ctx, sleep, a.cfg.DeviceTimeout())
	if errors.Is(err, oauth.ErrTimeout) {
		return fmt.Errorf("device authorization not completed within %s: %w", a.cfg.DeviceTimeout(), err)
	}
	if err != nil {
		return err
	}
	return a.signInWithProviderToken(ctx, provider, "http://localhost", tok)
}
