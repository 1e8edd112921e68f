// Package provider is the static catalog of identity providers.
package provider

import (
	"fmt"
	"strings"

	"github.com/dgellow/labauth/internal/config"
	"github.com/dgellow/labauth/internal/oauth"
)

// Registry is a pure lookup over the configured providers. Implementations
// must not perform I/O on lookup.
type Registry interface {
	List() []oauth.Provider
	Get(id oauth.ProviderID) (oauth.Provider, bool)
	IsEnabled(id oauth.ProviderID) bool
}

// Settings carries the authorization details of one provider
type Settings struct {
	Authorization config.AuthorizationMode
	ClientID      string
	RedirectURI   string
	Scopes        []string
}

// Static is a Registry fixed at boot
type Static struct {
	providers []oauth.Provider
	byID      map[oauth.ProviderID]int
	settings  map[oauth.ProviderID]Settings
}

var _ Registry = (*Static)(nil)

// NewStatic builds a registry from entries. Every provider uses backend
// authorization.
func NewStatic(providers ...oauth.Provider) *Static {
	s := &Static{
		byID:     make(map[oauth.ProviderID]int, len(providers)),
		settings: make(map[oauth.ProviderID]Settings, len(providers)),
	}
	for _, p := range providers {
		s.add(p, Settings{Authorization: config.AuthorizationBackend})
	}
	return s
}

// FromConfig builds a registry from the providers section of the config
func FromConfig(cfgs []config.ProviderConfig) (*Static, error) {
	s := &Static{
		byID:     make(map[oauth.ProviderID]int, len(cfgs)),
		settings: make(map[oauth.ProviderID]Settings, len(cfgs)),
	}
	for _, c := range cfgs {
		id, err := ParseID(c.ID)
		if err != nil {
			return nil, err
		}
		if _, dup := s.byID[id]; dup {
			return nil, fmt.Errorf("provider %s is declared twice", id)
		}
		name := c.DisplayName
		if name == "" {
			name = DefaultDisplayName(id)
		}
		settings := Settings{
			Authorization: c.Authorization,
			ClientID:      c.ClientID,
			RedirectURI:   c.RedirectURI,
			Scopes:        c.Scopes,
		}
		if settings.Authorization == "" {
			settings.Authorization = config.AuthorizationBackend
		}
		if len(settings.Scopes) == 0 {
			settings.Scopes = DefaultScopes(id)
		}
		s.add(oauth.Provider{ID: id, DisplayName: name, Enabled: c.Enabled}, settings)
	}
	return s, nil
}

func (s *Static) add(p oauth.Provider, settings Settings) {
	if i, ok := s.byID[p.ID]; ok {
		s.providers[i] = p
	} else {
		s.byID[p.ID] = len(s.providers)
		s.providers = append(s.providers, p)
	}
	s.settings[p.ID] = settings
}

// List returns a copy of all providers, enabled or not, in declaration order
func (s *Static) List() []oauth.Provider {
	out := make([]oauth.Provider, len(s.providers))
	copy(out, s.providers)
	return out
}

func (s *Static) Get(id oauth.ProviderID) (oauth.Provider, bool) {
	i, ok := s.byID[id]
	if !ok {
		return oauth.Provider{}, false
	}
	return s.providers[i], true
}

func (s *Static) IsEnabled(id oauth.ProviderID) bool {
	p, ok := s.Get(id)
	return ok && p.Enabled
}

// Settings returns the authorization settings of a provider
func (s *Static) Settings(id oauth.ProviderID) (Settings, bool) {
	settings, ok := s.settings[id]
	return settings, ok
}

// ParseID validates untrusted input (path segments, flags) against the
// closed provider set.
func ParseID(raw string) (oauth.ProviderID, error) {
	id := oauth.ProviderID(strings.ToLower(strings.TrimSpace(raw)))
	if !id.Known() {
		return "", fmt.Errorf("unknown provider %q", raw)
	}
	return id, nil
}

// DefaultDisplayName is used when the config omits displayName
func DefaultDisplayName(id oauth.ProviderID) string {
	switch id {
	case oauth.Google:
		return "Google"
	case oauth.GitHub:
		return "GitHub"
	case oauth.Microsoft:
		return "Microsoft"
	case oauth.ORCID:
		return "ORCID"
	}
	return string(id)
}
