package session

import "github.com/mochi-neko/fars-sub000/credential"

// UserData is the account profile returned by accounts:lookup.
type UserData struct {
	LocalID           string             `json:"localId"`
	Email             string             `json:"email"`
	EmailVerified     bool               `json:"emailVerified"`
	DisplayName       string             `json:"displayName"`
	PhotoURL          string             `json:"photoUrl"`
	ProviderUserInfo  []ProviderUserInfo `json:"providerUserInfo"`
	PasswordHash      string             `json:"passwordHash"`
	PasswordUpdatedAt float64            `json:"passwordUpdatedAt"`
	ValidSince        string             `json:"validSince"`
	Disabled          bool               `json:"disabled"`
	LastLoginAt       string             `json:"lastLoginAt"`
	CreatedAt         string             `json:"createdAt"`
	CustomAuth        bool               `json:"customAuth"`
}

// ProviderUserInfo describes one provider linked to an account.
type ProviderUserInfo struct {
	ProviderID  credential.ProviderID `json:"providerId"`
	DisplayName string                `json:"displayName"`
	PhotoURL    string                `json:"photoUrl"`
	FederatedID string                `json:"federatedId"`
	Email       string                `json:"email"`
	RawID       string                `json:"rawId"`
	ScreenName  string                `json:"screenName"`
}

// ProfileUpdate is the result of a profile mutation.
type ProfileUpdate struct {
	LocalID          string             `json:"localId"`
	Email            string             `json:"email"`
	DisplayName      string             `json:"displayName"`
	PhotoURL         string             `json:"photoUrl"`
	EmailVerified    bool               `json:"emailVerified"`
	ProviderUserInfo []ProviderUserInfo `json:"providerUserInfo"`
}

// IdpUser carries the federated identity returned by accounts:signInWithIdp.
type IdpUser struct {
	FederatedID      string                `json:"federatedId"`
	ProviderID       credential.ProviderID `json:"providerId"`
	LocalID          string                `json:"localId"`
	Email            string                `json:"email"`
	EmailVerified    bool                  `json:"emailVerified"`
	DisplayName      string                `json:"displayName"`
	FullName         string                `json:"fullName"`
	FirstName        string                `json:"firstName"`
	LastName         string                `json:"lastName"`
	PhotoURL         string                `json:"photoUrl"`
	OAuthIDToken     string                `json:"oauthIdToken"`
	OAuthAccessToken string                `json:"oauthAccessToken"`
	OAuthTokenSecret string                `json:"oauthTokenSecret"`
	RawUserInfo      string                `json:"rawUserInfo"`
	NeedConfirmation bool                  `json:"needConfirmation"`
}

// tokenPayload is the token triple embedded in most account responses.
type tokenPayload struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
}

type refreshPayload struct {
	ExpiresIn    string `json:"expires_in"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	UserID       string `json:"user_id"`
	ProjectID    string `json:"project_id"`
}

type updateResponse struct {
	ProfileUpdate
	tokenPayload
}

type idpResponse struct {
	IdpUser
	tokenPayload
}

type lookupResponse struct {
	Users []UserData `json:"users"`
}

type createAuthURIResponse struct {
	AllProviders []string `json:"allProviders"`
	Registered   bool     `json:"registered"`
}

type oobResponse struct {
	Email       string `json:"email"`
	RequestType string `json:"requestType"`
}
