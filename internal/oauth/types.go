// Package oauth holds the data model shared by the flow store, the exchange
// client and the coordinator.
package oauth

import (
	"time"
)

// ProviderID identifies an identity provider. The set is closed.
type ProviderID string

const (
	Google    ProviderID = "google"
	GitHub    ProviderID = "github"
	Microsoft ProviderID = "microsoft"
	ORCID     ProviderID = "orcid"
)

// KnownProviders lists every ProviderID in display order
var KnownProviders = []ProviderID{Google, GitHub, Microsoft, ORCID}

func (p ProviderID) String() string { return string(p) }

// Known reports whether p is one of the supported providers
func (p ProviderID) Known() bool {
	for _, k := range KnownProviders {
		if p == k {
			return true
		}
	}
	return false
}

// Provider is an immutable registry entry
type Provider struct {
	ID          ProviderID `json:"id"`
	DisplayName string     `json:"displayName"`
	Enabled     bool       `json:"enabled"`
}

// Mode is what a pending flow will do once its callback arrives
type Mode string

const (
	ModeLogin    Mode = "login"
	ModeRegister Mode = "register"
	ModeLink     Mode = "link"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeLogin, ModeRegister, ModeLink:
		return true
	}
	return false
}

// FlowState is the record of one in-flight operation, persisted across the
// redirect round trip.
type FlowState struct {
	Mode      Mode       `json:"mode"`
	Provider  ProviderID `json:"provider"`
	CSRFToken string     `json:"csrfToken"`
	ReturnURL string     `json:"returnUrl,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Expired reports whether the flow is older than ttl at now. A zero ttl never expires.
func (f *FlowState) Expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(f.CreatedAt) > ttl
}

// AuthTokens are the session tokens issued by the backend
type AuthTokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int    `json:"expiresIn,omitempty"`
	TokenType    string `json:"tokenType,omitempty"`
}

// User is the authenticated profile returned by a code exchange
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// LinkedAccount is one third-party identity attached to the local account
type LinkedAccount struct {
	Provider ProviderID `json:"provider"`
	Email    string     `json:"email"`
	IsLinked bool       `json:"isLinked"`
	LinkedAt *time.Time `json:"linkedAt,omitempty"`
	LastUsed *time.Time `json:"lastUsed,omitempty"`
}

// LinkResult is the outcome of an unlink call
type LinkResult struct {
	Success  bool       `json:"success"`
	Provider ProviderID `json:"provider"`
	Message  string     `json:"message,omitempty"`
}

// ExchangeResult is returned by a successful code exchange
type ExchangeResult struct {
	User      User       `json:"user"`
	Tokens    AuthTokens `json:"tokens"`
	IsNewUser bool       `json:"isNewUser"`
}

// CallbackParams are the redirect-back query parameters
type CallbackParams struct {
	Provider         ProviderID
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// HasError reports whether the provider signalled an error
func (p CallbackParams) HasError() bool {
	return p.Error != ""
}
