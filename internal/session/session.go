// Package session holds the tokens and current user of an authenticated
// scope. It is the token-storage collaborator the coordinator writes to and
// the accessor the rest of the application reads from.
package session

import (
	"context"

	"github.com/dgellow/labauth/internal/oauth"
)

// TokenStore persists the tokens issued by the backend
type TokenStore interface {
	SetTokens(ctx context.Context, tokens oauth.AuthTokens) error
	ClearTokens(ctx context.Context) error
	AccessToken(ctx context.Context) (string, error)
}

// Session is the authenticated-session accessor
type Session interface {
	TokenStore
	SetCurrentUser(ctx context.Context, user *oauth.User) error
	CurrentUser(ctx context.Context) (*oauth.User, error)
	Logout(ctx context.Context) error
}

// Data is what a session persists
type Data struct {
	Tokens oauth.AuthTokens `json:"tokens"`
	User   *oauth.User      `json:"user,omitempty"`
}

// Authenticated reports whether d holds an access token
func (d Data) Authenticated() bool {
	return d.Tokens.AccessToken != ""
}
