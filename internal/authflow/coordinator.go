// Package authflow coordinates OAuth sign-in, registration and account
// linking for one scope: a browser session or a CLI process.
//
// A flow has two phases. AuthenticateWithOAuth and LinkOAuthAccount store a
// pending flow and redirect to the provider. HandleOAuthCallback later
// consumes that flow, checks the returned state against it, and completes
// the exchange.
package authflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgellow/labauth/internal/exchange"
	"github.com/dgellow/labauth/internal/flowstate"
	"github.com/dgellow/labauth/internal/log"
	"github.com/dgellow/labauth/internal/oauth"
	"github.com/dgellow/labauth/internal/provider"
	"github.com/dgellow/labauth/internal/session"
	"github.com/dgellow/labauth/internal/urlutil"
)

// DefaultLandingRoute is where a sign-in without a return URL ends up
const DefaultLandingRoute = "/dashboard"

// Exchanger is the network side of a flow. *exchange.Session implements it.
type Exchanger interface {
	RedirectToProvider(ctx context.Context, id oauth.ProviderID, csrfToken, returnURL string) error
	LinkAccount(ctx context.Context, id oauth.ProviderID, csrfToken string) error
	ExchangeCode(ctx context.Context, id oauth.ProviderID, code, state string) (*oauth.ExchangeResult, error)
	CompleteLink(ctx context.Context, id oauth.ProviderID, code, state string) (*oauth.LinkedAccount, error)
	UnlinkAccount(ctx context.Context, id oauth.ProviderID) (*oauth.LinkResult, error)
	FetchLinkedAccounts(ctx context.Context) ([]oauth.LinkedAccount, error)
}

var _ Exchanger = (*exchange.Session)(nil)

// Options configures a Coordinator
type Options struct {
	Providers    provider.Registry
	Store        *flowstate.Store
	Exchanger    Exchanger
	Session      session.Session
	Navigator    exchange.Navigator
	LandingRoute string
}

// Coordinator is the public API for one scope
type Coordinator struct {
	providers provider.Registry
	store     *flowstate.Store
	exchanger Exchanger
	session   session.Session
	proc      *processor
}

// New creates a Coordinator
func New(opts Options) *Coordinator {
	landing := opts.LandingRoute
	if landing == "" {
		landing = DefaultLandingRoute
	}
	return &Coordinator{
		providers: opts.Providers,
		store:     opts.Store,
		exchanger: opts.Exchanger,
		session:   opts.Session,
		proc: &processor{
			store:        opts.Store,
			exchanger:    opts.Exchanger,
			session:      opts.Session,
			nav:          opts.Navigator,
			landingRoute: landing,
		},
	}
}

// AuthOptions are the optional arguments of AuthenticateWithOAuth
type AuthOptions struct {
	// Mode is login (default) or register
	Mode oauth.Mode
	// ReturnURL must be a same-origin path; anything else is dropped
	ReturnURL string
}

// OAuthState is the read model for rendering
type OAuthState struct {
	IsAuthenticating bool                  `json:"isAuthenticating"`
	IsLinking        bool                  `json:"isLinking"`
	Provider         oauth.ProviderID      `json:"provider,omitempty"`
	Error            *oauth.OAuthError     `json:"error,omitempty"`
	LinkedAccounts   []oauth.LinkedAccount `json:"linkedAccounts"`
}

func stateFromView(v flowstate.View) OAuthState {
	s := OAuthState{Error: v.Error, LinkedAccounts: v.LinkedAccounts}
	if v.Pending != nil {
		s.Provider = v.Pending.Provider
		if v.Pending.Mode == oauth.ModeLink {
			s.IsLinking = true
		} else {
			s.IsAuthenticating = true
		}
	}
	return s
}

// AuthenticateWithOAuth begins a login or registration and redirects to the
// provider. It fails with a FlowInProgress error while another begin on the
// same scope has not handed off its redirect yet.
func (c *Coordinator) AuthenticateWithOAuth(ctx context.Context, id oauth.ProviderID, opts AuthOptions) error {
	mode := opts.Mode
	if mode == "" {
		mode = oauth.ModeLogin
	}
	if mode != oauth.ModeLogin && mode != oauth.ModeRegister {
		return c.fail(ctx, oauth.NewInvalidRequest(id, fmt.Sprintf("mode %q cannot start a sign-in", mode)))
	}
	returnURL := urlutil.SafeReturnPath(opts.ReturnURL, "")

	return c.begin(ctx, id, mode, func(token string) error {
		return c.exchanger.RedirectToProvider(ctx, id, token, returnURL)
	}, returnURL)
}

// LinkOAuthAccount begins linking another provider to the signed-in account
func (c *Coordinator) LinkOAuthAccount(ctx context.Context, id oauth.ProviderID) error {
	access, err := c.session.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("reading access token: %w", err)
	}
	if access == "" {
		return c.fail(ctx, oauth.NewInvalidRequest(id, "sign in before linking another account"))
	}
	return c.begin(ctx, id, oauth.ModeLink, func(token string) error {
		return c.exchanger.LinkAccount(ctx, id, token)
	}, "")
}

func (c *Coordinator) begin(ctx context.Context, id oauth.ProviderID, mode oauth.Mode, redirect func(token string) error, returnURL string) error {
	if _, ok := c.providers.Get(id); !ok {
		return c.fail(ctx, oauth.NewInvalidRequest(id, "unknown provider"))
	}
	if !c.providers.IsEnabled(id) {
		return c.fail(ctx, oauth.NewInvalidRequest(id, "provider is disabled"))
	}

	release, ok := c.store.TryStart()
	if !ok {
		log.LogInfoWithFields("authflow", "Rejected concurrent begin", map[string]any{
			"provider": id,
			"mode":     mode,
		})
		return c.fail(ctx, oauth.NewFlowInProgress(id))
	}
	defer release()

	if err := c.store.ClearError(ctx); err != nil {
		return fmt.Errorf("clearing previous error: %w", err)
	}

	token, err := c.store.Begin(ctx, mode, id, returnURL)
	if err != nil {
		return err
	}

	if err := redirect(token); err != nil {
		// The redirect never happened, so nothing will come back for this flow
		if _, cerr := c.store.Consume(ctx); cerr != nil && !errors.Is(cerr, flowstate.ErrFlowExpired) {
			log.LogWarnWithFields("authflow", "Failed to drop unused flow", map[string]any{
				"error": cerr.Error(),
			})
		}
		return c.fail(ctx, err)
	}
	return nil
}

// HandleOAuthCallback completes the pending flow with the provider's
// redirect-back parameters.
func (c *Coordinator) HandleOAuthCallback(ctx context.Context, params oauth.CallbackParams) (*Result, error) {
	if err := c.store.ClearError(ctx); err != nil {
		log.LogWarnWithFields("authflow", "Failed to clear previous error", map[string]any{
			"error": err.Error(),
		})
	}
	result, err := c.proc.process(ctx, params)
	if err != nil {
		return nil, c.fail(ctx, err)
	}
	return result, nil
}

// UnlinkOAuthAccount removes a provider from the account. Unlinking a
// provider that is not linked succeeds and leaves the list unchanged.
func (c *Coordinator) UnlinkOAuthAccount(ctx context.Context, id oauth.ProviderID) (*oauth.LinkResult, error) {
	if err := c.store.ClearError(ctx); err != nil {
		return nil, fmt.Errorf("clearing previous error: %w", err)
	}
	result, err := c.exchanger.UnlinkAccount(ctx, id)
	if err != nil {
		return nil, c.fail(ctx, err)
	}
	if err := c.store.RemoveLinkedAccount(ctx, id); err != nil {
		return nil, fmt.Errorf("updating linked accounts: %w", err)
	}
	log.LogInfoWithFields("authflow", "Account unlinked", map[string]any{
		"provider": id,
	})
	return result, nil
}

// GetLinkedAccounts refreshes the linked account list from the backend
func (c *Coordinator) GetLinkedAccounts(ctx context.Context) ([]oauth.LinkedAccount, error) {
	accounts, err := c.exchanger.FetchLinkedAccounts(ctx)
	if err != nil {
		return nil, c.fail(ctx, err)
	}
	if err := c.store.SetLinkedAccounts(ctx, accounts); err != nil {
		return nil, fmt.Errorf("updating linked accounts: %w", err)
	}
	view, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return view.LinkedAccounts, nil
}

// OAuthState returns the current read model
func (c *Coordinator) OAuthState(ctx context.Context) (OAuthState, error) {
	view, err := c.store.Snapshot(ctx)
	if err != nil {
		return OAuthState{}, err
	}
	return stateFromView(view), nil
}

// Subscribe calls fn with the read model after every change to this scope
func (c *Coordinator) Subscribe(fn func(OAuthState)) (unsubscribe func()) {
	return c.store.Subscribe(func(v flowstate.View) {
		fn(stateFromView(v))
	})
}

// AvailableProviders lists the enabled providers
func (c *Coordinator) AvailableProviders() []oauth.Provider {
	var out []oauth.Provider
	for _, p := range c.providers.List() {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// Logout ends the session and drops all flow state of the scope
func (c *Coordinator) Logout(ctx context.Context) error {
	if err := c.session.Logout(ctx); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}
	if err := c.store.Reset(ctx); err != nil {
		return fmt.Errorf("resetting flow state: %w", err)
	}
	return nil
}

// fail records err in the error slot. A SessionExpired error logs the scope
// out first.
func (c *Coordinator) fail(ctx context.Context, err error) error {
	var oe *oauth.OAuthError
	if !errors.As(err, &oe) {
		log.LogErrorWithFields("authflow", "OAuth operation failed", map[string]any{
			"error": err.Error(),
		})
		return err
	}
	if oe.Kind == oauth.KindSessionExpired {
		log.LogInfoWithFields("authflow", "Session expired, logging out", map[string]any{
			"provider": oe.Provider,
		})
		if lerr := c.Logout(ctx); lerr != nil {
			log.LogErrorWithFields("authflow", "Logout after session expiry failed", map[string]any{
				"error": lerr.Error(),
			})
		}
	}
	if serr := c.store.SetError(ctx, oe); serr != nil {
		log.LogErrorWithFields("authflow", "Failed to record error", map[string]any{
			"error": serr.Error(),
		})
	}
	return err
}
