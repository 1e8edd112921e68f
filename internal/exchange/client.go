// Package exchange talks to the application backend: it builds provider
// redirects and performs the code exchange, link and unlink calls.
package exchange

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/dgellow/labauth/internal/config"
	"github.com/dgellow/labauth/internal/ioutil"
	"github.com/dgellow/labauth/internal/log"
	"github.com/dgellow/labauth/internal/oauth"
	"github.com/dgellow/labauth/internal/provider"
	"github.com/dgellow/labauth/internal/urlutil"
)

const (
	maxResponseBytes = 1 << 20
	maxErrorBytes    = 4 << 10
)

// Navigator performs full-page redirects and in-app route changes
type Navigator interface {
	Redirect(ctx context.Context, url string) error
	Navigate(ctx context.Context, route string) error
}

// TokenStore is the part of the session the client needs
type TokenStore interface {
	AccessToken(ctx context.Context) (string, error)
	ClearTokens(ctx context.Context) error
}

// Providers is the registry view used to build authorization URLs
type Providers interface {
	provider.Registry
	Settings(id oauth.ProviderID) (provider.Settings, bool)
	OAuth2Config(id oauth.ProviderID, redirectURL string) (*oauth2.Config, error)
}

// Options configures New
type Options struct {
	// APIBaseURL is the application backend, e.g. https://api.lab.example.com
	APIBaseURL string
	Timeout    time.Duration
	Providers  Providers
	// CallbackURL returns where the provider should send the user back to
	CallbackURL func(oauth.ProviderID) string
	HTTPClient  *http.Client
}

// Client is shared by all scopes. Bind it to a scope's token store and
// navigator with For.
type Client struct {
	apiBaseURL  string
	providers   Providers
	callbackURL func(oauth.ProviderID) string
	http        *http.Client
	accounts    singleflight.Group
}

// New creates a Client
func New(opts Options) (*Client, error) {
	if opts.APIBaseURL == "" {
		return nil, fmt.Errorf("api base URL is required")
	}
	if _, err := url.Parse(opts.APIBaseURL); err != nil {
		return nil, fmt.Errorf("invalid api base URL: %w", err)
	}
	if opts.Providers == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if opts.CallbackURL == nil {
		return nil, fmt.Errorf("callback URL builder is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = config.DefaultAPITimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		apiBaseURL:  opts.APIBaseURL,
		providers:   opts.Providers,
		callbackURL: opts.CallbackURL,
		http:        httpClient,
	}, nil
}

// For binds the client to one scope
func (c *Client) For(tokens TokenStore, nav Navigator) *Session {
	return &Session{c: c, tokens: tokens, nav: nav}
}

// Session is a Client bound to one scope's tokens and navigator
type Session struct {
	c      *Client
	tokens TokenStore
	nav    Navigator
}

func (s *Session) checkProvider(id oauth.ProviderID) *oauth.OAuthError {
	if _, ok := s.c.providers.Get(id); !ok {
		return oauth.NewInvalidRequest(id, "unknown provider")
	}
	if !s.c.providers.IsEnabled(id) {
		return oauth.NewInvalidRequest(id, "provider is disabled")
	}
	return nil
}

// redirectURI is the callback registered with the provider. A configured
// redirect URI wins over the derived callback URL so the authorize and
// exchange legs always agree.
func (s *Session) redirectURI(id oauth.ProviderID) string {
	if settings, ok := s.c.providers.Settings(id); ok && settings.RedirectURI != "" {
		return settings.RedirectURI
	}
	return s.c.callbackURL(id)
}

// AuthorizationURL builds the outbound URL without navigating
func (s *Session) AuthorizationURL(id oauth.ProviderID, csrfToken, returnURL string, link bool) (string, error) {
	if oe := s.checkProvider(id); oe != nil {
		return "", oe
	}
	settings, _ := s.c.providers.Settings(id)
	callback := s.redirectURI(id)

	if settings.Authorization == config.AuthorizationDirect {
		cfg, err := s.c.providers.OAuth2Config(id, callback)
		if err != nil {
			return "", oauth.NewInvalidRequest(id, err.Error())
		}
		return cfg.AuthCodeURL(csrfToken), nil
	}

	params := url.Values{
		"state":        {csrfToken},
		"redirect_uri": {callback},
	}
	var target string
	var err error
	if link {
		params.Set("provider", string(id))
		target, err = urlutil.WithQuery(s.c.apiBaseURL, params, "auth", "oauth", "link")
	} else {
		params.Set("returnUrl", returnURL)
		target, err = urlutil.WithQuery(s.c.apiBaseURL, params, "auth", "oauth", string(id))
	}
	if err != nil {
		return "", oauth.NewInvalidRequest(id, fmt.Sprintf("building authorization URL: %v", err))
	}
	return target, nil
}

// RedirectToProvider sends the user to the provider. Errors are only
// returned for failures before navigation.
func (s *Session) RedirectToProvider(ctx context.Context, id oauth.ProviderID, csrfToken, returnURL string) error {
	target, err := s.AuthorizationURL(id, csrfToken, returnURL, false)
	if err != nil {
		return err
	}
	log.LogDebugWithFields("exchange", "Redirecting to provider", map[string]any{
		"provider": id,
		"state":    log.Fingerprint(csrfToken),
	})
	return s.nav.Redirect(ctx, target)
}

// LinkAccount is RedirectToProvider for the link endpoint
func (s *Session) LinkAccount(ctx context.Context, id oauth.ProviderID, csrfToken string) error {
	target, err := s.AuthorizationURL(id, csrfToken, "", true)
	if err != nil {
		return err
	}
	log.LogDebugWithFields("exchange", "Redirecting to provider for linking", map[string]any{
		"provider": id,
		"state":    log.Fingerprint(csrfToken),
	})
	return s.nav.Redirect(ctx, target)
}

type codeRequest struct {
	Code        string `json:"code"`
	State       string `json:"state"`
	Provider    string `json:"provider,omitempty"`
	RedirectURI string `json:"redirectUri,omitempty"`
}

// ExchangeCode trades an authorization code for a session
func (s *Session) ExchangeCode(ctx context.Context, id oauth.ProviderID, code, state string) (*oauth.ExchangeResult, error) {
	body := codeRequest{Code: code, State: state, RedirectURI: s.redirectURI(id)}
	var result oauth.ExchangeResult
	if err := s.do(ctx, opExchangeCode, id, http.MethodPost, []string{"auth", "oauth", string(id), "callback"}, body, &result); err != nil {
		return nil, err
	}
	if result.Tokens.AccessToken == "" {
		return nil, oauth.NewExchangeError(id, "invalid_response", "backend returned no access token", nil)
	}
	return &result, nil
}

type linkResponse struct {
	Account oauth.LinkedAccount `json:"account"`
}

// CompleteLink confirms a link callback with the backend
func (s *Session) CompleteLink(ctx context.Context, id oauth.ProviderID, code, state string) (*oauth.LinkedAccount, error) {
	body := codeRequest{Code: code, State: state, Provider: string(id), RedirectURI: s.redirectURI(id)}
	var resp linkResponse
	if err := s.do(ctx, opCompleteLink, id, http.MethodPost, []string{"auth", "oauth", "link"}, body, &resp); err != nil {
		return nil, err
	}
	account := resp.Account
	if account.Provider == "" {
		account.Provider = id
	}
	if account.Provider != id {
		return nil, oauth.NewExchangeError(id, "invalid_response", fmt.Sprintf("backend linked %s instead", account.Provider), nil)
	}
	account.IsLinked = true
	return &account, nil
}

// UnlinkAccount removes a provider. Unlinking a provider that is not linked succeeds.
func (s *Session) UnlinkAccount(ctx context.Context, id oauth.ProviderID) (*oauth.LinkResult, error) {
	if _, ok := s.c.providers.Get(id); !ok {
		return nil, oauth.NewInvalidRequest(id, "unknown provider")
	}
	body := map[string]string{"provider": string(id)}
	var result oauth.LinkResult
	notLinked := false
	err := s.do(ctx, opUnlink, id, http.MethodDelete, []string{"auth", "oauth", "unlink"}, body, &result)
	if errors.Is(err, errAccepted) {
		notLinked = true
	} else if err != nil {
		return nil, err
	}
	result.Success = true
	result.Provider = id
	if notLinked && result.Message == "" {
		result.Message = "provider was not linked"
	}
	return &result, nil
}

type accountsResponse struct {
	Accounts []oauth.LinkedAccount `json:"accounts"`
}

// FetchLinkedAccounts returns the backend's current list. Concurrent calls
// for the same session share one request.
func (s *Session) FetchLinkedAccounts(ctx context.Context) ([]oauth.LinkedAccount, error) {
	token, err := s.tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading access token: %w", err)
	}
	sum := sha256.Sum256([]byte(token))
	key := hex.EncodeToString(sum[:])

	// The shared request is detached from any one caller and bounded by the
	// HTTP client timeout.
	shareCtx := context.WithoutCancel(ctx)
	ch := s.c.accounts.DoChan(key, func() (any, error) {
		var resp accountsResponse
		if err := s.do(shareCtx, opLinkedAccounts, "", http.MethodGet, []string{"auth", "oauth", "accounts"}, nil, &resp); err != nil {
			return nil, err
		}
		return resp.Accounts, nil
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	v, err, shared := res.Val, res.Err, res.Shared
	if err != nil {
		return nil, err
	}
	if shared {
		log.LogTraceWithFields("exchange", "Linked accounts request shared", nil)
	}
	accounts := v.([]oauth.LinkedAccount)
	out := make([]oauth.LinkedAccount, len(accounts))
	copy(out, accounts)
	return out, nil
}

// errAccepted signals a non-2xx response that classify accepted as success
var errAccepted = errors.New("accepted")

func (s *Session) do(ctx context.Context, op operation, id oauth.ProviderID, method string, path []string, in, out any) error {
	target, err := urlutil.JoinPath(s.c.apiBaseURL, path...)
	if err != nil {
		return oauth.NewExchangeError(id, "invalid_request", "building request URL", err)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return oauth.NewExchangeError(id, "invalid_request", "encoding request", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return oauth.NewExchangeError(id, "invalid_request", "building request", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := s.tokens.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("reading access token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := s.c.http.Do(req)
	if err != nil {
		log.LogWarnWithFields("exchange", "Backend request failed", map[string]any{
			"operation": string(op),
			"provider":  id,
			"error":     err.Error(),
		})
		return oauth.NewExchangeError(id, "network_error", op.describe(), err)
	}
	defer resp.Body.Close()

	log.LogDebugWithFields("exchange", "Backend responded", map[string]any{
		"operation": string(op),
		"provider":  id,
		"status":    resp.StatusCode,
		"duration":  time.Since(start).String(),
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody := ioutil.ReadLimited(resp.Body, maxErrorBytes)
		oe := classify(op, id, resp.StatusCode, []byte(errBody))
		if oe == nil {
			return errAccepted
		}
		if oe.Kind == oauth.KindSessionExpired {
			if err := s.tokens.ClearTokens(ctx); err != nil {
				log.LogErrorWithFields("exchange", "Failed to clear tokens after 401", map[string]any{
					"error": err.Error(),
				})
			}
		}
		return oe
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := ioutil.DecodeJSONLimited(resp.Body, maxResponseBytes, out); err != nil {
		return oauth.NewExchangeError(id, "invalid_response", "backend returned an unreadable response", err)
	}
	return nil
}
