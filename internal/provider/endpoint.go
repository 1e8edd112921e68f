package provider

import (
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/dgellow/labauth/internal/oauth"
)

// orcidEndpoint has no x/oauth2 subpackage
var orcidEndpoint = oauth2.Endpoint{
	AuthURL:   "https://orcid.org/oauth/authorize",
	TokenURL:  "https://orcid.org/oauth/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// Endpoint returns the provider's OAuth 2.0 endpoints
func Endpoint(id oauth.ProviderID) (oauth2.Endpoint, error) {
	switch id {
	case oauth.Google:
		return google.Endpoint, nil
	case oauth.GitHub:
		return github.Endpoint, nil
	case oauth.Microsoft:
		return microsoft.AzureADEndpoint("common"), nil
	case oauth.ORCID:
		return orcidEndpoint, nil
	}
	return oauth2.Endpoint{}, fmt.Errorf("no endpoint for provider %q", id)
}

// DefaultScopes are requested when the config lists none
func DefaultScopes(id oauth.ProviderID) []string {
	switch id {
	case oauth.Google:
		return []string{"openid", "profile", "email"}
	case oauth.GitHub:
		return []string{"read:user", "user:email"}
	case oauth.Microsoft:
		return []string{"openid", "profile", "email"}
	case oauth.ORCID:
		return []string{"/authenticate"}
	}
	return nil
}

// OAuth2Config builds the client-side config used for direct authorization.
// redirectURL is used when the provider settings carry no override.
func (s *Static) OAuth2Config(id oauth.ProviderID, redirectURL string) (*oauth2.Config, error) {
	settings, ok := s.Settings(id)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", id)
	}
	if settings.ClientID == "" {
		return nil, fmt.Errorf("provider %s has no clientId", id)
	}
	endpoint, err := Endpoint(id)
	if err != nil {
		return nil, err
	}
	if settings.RedirectURI != "" {
		redirectURL = settings.RedirectURI
	}
	return &oauth2.Config{
		ClientID:    settings.ClientID,
		RedirectURL: redirectURL,
		Scopes:      settings.Scopes,
		Endpoint:    endpoint,
	}, nil
}
