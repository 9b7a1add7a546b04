// Package account implements the Credential Store (spec §4.3): account
// CRUD, the primary-account invariant, and encrypted credential storage.
package account

import "time"

// CredentialType enumerates the supported credential shapes.
type CredentialType string

const (
	CredentialOAuth2 CredentialType = "oauth2"
	CredentialAPIKey CredentialType = "api_key"
	CredentialBasic  CredentialType = "basic"
)

// Account is a single third-party identity registered under a plugin.
type Account struct {
	ID          string
	PluginID    string
	Email       string
	DisplayName string
	IsPrimary   bool
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Credential holds the encrypted payload behind one account (or, in the
// legacy compatibility path, a plugin with AccountID left empty).
type Credential struct {
	ID         string
	AccountID  string // empty for the orphan/legacy compatibility path
	PluginID   string
	Type       CredentialType
	CipherBlob string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CredentialData is the decrypted payload shape persisted inside the
// cipher blob. OAuth2 credentials carry token material; api_key/basic
// credentials carry their own fields in Extra.
type CredentialData struct {
	AccessToken  string         `json:"accessToken,omitempty"`
	RefreshToken string         `json:"refreshToken,omitempty"`
	TokenType    string         `json:"tokenType,omitempty"`
	ExpiresAt    *time.Time     `json:"expiresAt,omitempty"`
	Scopes       []string       `json:"scopes,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// LiveAccount is the composed view routers consume: an Account plus its
// decrypted credential payload (spec §4.4: "account ⊕ credentialData").
type LiveAccount struct {
	Account    Account
	Credential CredentialData
}
