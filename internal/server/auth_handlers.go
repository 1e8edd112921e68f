package server

import (
	"net/http"

	"github.com/dgellow/labauth/internal/authflow"
	"github.com/dgellow/labauth/internal/cookie"
	"github.com/dgellow/labauth/internal/exchange"
	"github.com/dgellow/labauth/internal/flowstate"
	jsonwriter "github.com/dgellow/labauth/internal/json"
	"github.com/dgellow/labauth/internal/log"
	"github.com/dgellow/labauth/internal/oauth"
	"github.com/dgellow/labauth/internal/provider"
	"github.com/dgellow/labauth/internal/session"
)

// AuthHandlers serves the OAuth coordinator over HTTP. Each request runs a
// Coordinator bound to the caller's scope.
type AuthHandlers struct {
	providers    provider.Registry
	flows        *flowstate.Manager
	sessions     *session.Registry
	client       *exchange.Client
	landingRoute string
	authRoute    string
}

// NewAuthHandlers creates the auth handlers
func NewAuthHandlers(
	providers provider.Registry,
	flows *flowstate.Manager,
	sessions *session.Registry,
	client *exchange.Client,
	landingRoute string,
	authRoute string,
) *AuthHandlers {
	return &AuthHandlers{
		providers:    providers,
		flows:        flows,
		sessions:     sessions,
		client:       client,
		landingRoute: landingRoute,
		authRoute:    authRoute,
	}
}

// Register adds the auth routes to mux
func (h *AuthHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /auth/providers", h.ProvidersHandler)
	mux.HandleFunc("GET /auth/session", h.SessionHandler)
	mux.HandleFunc("POST /auth/logout", h.LogoutHandler)
	mux.HandleFunc("GET /auth/oauth/accounts", h.AccountsHandler)
	mux.HandleFunc("GET /auth/oauth/state", h.StateHandler)
	mux.HandleFunc("GET /auth/oauth/{provider}/start", h.StartHandler)
	mux.HandleFunc("GET /auth/oauth/{provider}/callback", h.CallbackHandler)
	mux.HandleFunc("POST /auth/oauth/{provider}/link", h.LinkHandler)
	mux.HandleFunc("DELETE /auth/oauth/{provider}/link", h.UnlinkHandler)
}

type scoped struct {
	coord   *authflow.Coordinator
	session *session.Memory
	nav     *httpNavigator
}

func (h *AuthHandlers) scoped(r *http.Request) (*scoped, bool) {
	id, ok := ScopeFromContext(r.Context())
	if !ok {
		return nil, false
	}
	sess := h.sessions.Scope(id)
	nav := &httpNavigator{}
	coord := authflow.New(authflow.Options{
		Providers:    h.providers,
		Store:        h.flows.Scope(id),
		Exchanger:    h.client.For(sess, nav),
		Session:      sess,
		Navigator:    nav,
		LandingRoute: h.landingRoute,
	})
	return &scoped{coord: coord, session: sess, nav: nav}, true
}

func (h *AuthHandlers) mustScope(w http.ResponseWriter, r *http.Request) (*scoped, bool) {
	s, ok := h.scoped(r)
	if !ok {
		log.LogError("Auth handler called without a session scope: %s", r.URL.Path)
		jsonwriter.WriteInternalServerError(w, "Missing session")
	}
	return s, ok
}

func pathProvider(r *http.Request) (oauth.ProviderID, error) {
	raw := r.PathValue("provider")
	id, err := provider.ParseID(raw)
	if err != nil {
		return oauth.ProviderID(raw), oauth.NewInvalidRequest(oauth.ProviderID(raw), err.Error())
	}
	return id, nil
}

// ProvidersHandler lists the enabled providers
func (h *AuthHandlers) ProvidersHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.mustScope(w, r)
	if !ok {
		return
	}
	providers := s.coord.AvailableProviders()
	if providers == nil {
		providers = []oauth.Provider{}
	}
	_ = jsonwriter.Write(w, map[string]any{"providers": providers})
}

// StartHandler begins a login or registration and redirects to the provider
func (h *AuthHandlers) StartHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.mustScope(w, r)
	if !ok {
		return
	}
	id, err := pathProvider(r)
	if err != nil {
		http.Redirect(w, r, errorRedirect(h.authRoute, err), http.StatusFound)
		return
	}

	q := r.URL.Query()
	opts := authflow.AuthOptions{
		Mode:      oauth.Mode(q.Get("mode")),
		ReturnURL: q.Get("returnUrl"),
	}
	if err := s.coord.AuthenticateWithOAuth(r.Context(), id, opts); err != nil {
		http.Redirect(w, r, errorRedirect(h.authRoute, err), http.StatusFound)
		return
	}
	http.Redirect(w, r, s.nav.Target(), http.StatusFound)
}

// CallbackHandler completes a flow with the provider's redirect-back parameters
func (h *AuthHandlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.mustScope(w, r)
	if !ok {
		return
	}
	id, err := pathProvider(r)
	if err != nil {
		http.Redirect(w, r, errorRedirect(h.authRoute, err), http.StatusFound)
		return
	}

	params := authflow.ParseCallback(id, r.URL.Query())
	if _, err := s.coord.HandleOAuthCallback(r.Context(), params); err != nil {
		// A signed-in user who failed to link stays where they were
		target := h.authRoute
		if token, terr := s.session.AccessToken(r.Context()); terr == nil && token != "" {
			target = h.landingRoute
		}
		http.Redirect(w, r, errorRedirect(target, err), http.StatusFound)
		return
	}

	target := s.nav.Target()
	if target == "" {
		target = h.landingRoute
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// LinkHandler begins linking a provider to the signed-in account
func (h *AuthHandlers) LinkHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.mustScope(w, r)
	if !ok {
		return
	}
	id, err := pathProvider(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.coord.LinkOAuthAccount(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	http.Redirect(w, r, s.nav.Target(), http.StatusFound)
}

// UnlinkHandler removes a provider from the signed-in account
func (h *AuthHandlers) UnlinkHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.mustScope(w, r)
	if !ok {
		return
	}
	id, err := pathProvider(r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.coord.UnlinkOAuthAccount(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = jsonwriter.Write(w, result)
}

// AccountsHandler returns the linked accounts, refreshed from the backend
func (h *AuthHandlers) AccountsHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.mustScope(w, r)
	if !ok {
		return
	}
	accounts, err := s.coord.GetLinkedAccounts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	_ = jsonwriter.Write(w, map[string]any{"accounts": accounts})
}

// StateHandler returns the coordinator read model
func (h *AuthHandlers) StateHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.mustScope(w, r)
	if !ok {
		return
	}
	state, err := s.coord.OAuthState(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	_ = jsonwriter.Write(w, state)
}

type sessionResponse struct {
	Authenticated bool        `json:"authenticated"`
	User          *oauth.User `json:"user,omitempty"`
}

// SessionHandler reports whether the scope is signed in and as whom
func (h *AuthHandlers) SessionHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.mustScope(w, r)
	if !ok {
		return
	}
	token, err := s.session.AccessToken(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	user, err := s.session.CurrentUser(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := sessionResponse{Authenticated: token != ""}
	if resp.Authenticated {
		resp.User = user
	}
	_ = jsonwriter.Write(w, resp)
}

// LogoutHandler ends the session and drops the cookie
func (h *AuthHandlers) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.mustScope(w, r)
	if !ok {
		return
	}
	if err := s.coord.Logout(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	cookie.ClearSession(w)
	w.WriteHeader(http.StatusNoContent)
}
