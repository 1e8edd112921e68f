package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/labauth/internal/config"
	"github.com/dgellow/labauth/internal/oauth"
	"github.com/dgellow/labauth/internal/provider"
)

type fakeTokens struct {
	mu      sync.Mutex
	token   string
	cleared int
}

func (f *fakeTokens) AccessToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, nil
}

func (f *fakeTokens) ClearTokens(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = ""
	f.cleared++
	return nil
}

type fakeNavigator struct {
	redirects []string
	routes    []string
}

func (n *fakeNavigator) Redirect(_ context.Context, u string) error {
	n.redirects = append(n.redirects, u)
	return nil
}

func (n *fakeNavigator) Navigate(_ context.Context, route string) error {
	n.routes = append(n.routes, route)
	return nil
}

func testRegistry(t *testing.T) *provider.Static {
	t.Helper()
	reg, err := provider.FromConfig([]config.ProviderConfig{
		{ID: "google", Enabled: true, Authorization: config.AuthorizationBackend},
		{ID: "github", Enabled: true, Authorization: config.AuthorizationDirect, ClientID: "gh-client"},
		{ID: "microsoft", Enabled: false},
	})
	require.NoError(t, err)
	return reg
}

func newTestSession(t *testing.T, handler http.Handler) (*Session, *fakeTokens, *fakeNavigator) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := New(Options{
		APIBaseURL: srv.URL + "/api",
		Timeout:    5 * time.Second,
		Providers:  testRegistry(t),
		CallbackURL: func(id oauth.ProviderID) string {
			return "https://lab.example.com/auth/oauth/callback/" + string(id)
		},
	})
	require.NoError(t, err)

	tokens := &fakeTokens{token: "session-token"}
	nav := &fakeNavigator{}
	return client.For(tokens, nav), tokens, nav
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestRedirectToProvider_Backend(t *testing.T) {
	s, _, nav := newTestSession(t, http.NotFoundHandler())

	err := s.RedirectToProvider(context.Background(), oauth.Google, "abc123", "/dashboard")
	require.NoError(t, err)
	require.Len(t, nav.redirects, 1)

	u, err := url.Parse(nav.redirects[0])
	require.NoError(t, err)
	assert.Equal(t, "/api/auth/oauth/google", u.Path)
	assert.Equal(t, "abc123", u.Query().Get("state"))
	assert.Equal(t, "/dashboard", u.Query().Get("returnUrl"))
	assert.Equal(t, "https://lab.example.com/auth/oauth/callback/google", u.Query().Get("redirect_uri"))
}

func TestRedirectToProvider_Direct(t *testing.T) {
	s, _, nav := newTestSession(t, http.NotFoundHandler())

	err := s.RedirectToProvider(context.Background(), oauth.GitHub, "abc123", "")
	require.NoError(t, err)
	require.Len(t, nav.redirects, 1)

	u, err := url.Parse(nav.redirects[0])
	require.NoError(t, err)
	assert.Equal(t, "github.com", u.Host)
	assert.Equal(t, "gh-client", u.Query().Get("client_id"))
	assert.Equal(t, "abc123", u.Query().Get("state"))
}

func TestRedirectToProvider_Rejected(t *testing.T) {
	s, _, nav := newTestSession(t, http.NotFoundHandler())

	err := s.RedirectToProvider(context.Background(), oauth.Microsoft, "abc123", "")
	assert.ErrorIs(t, err, oauth.ErrInvalidRequest)

	err = s.RedirectToProvider(context.Background(), oauth.ORCID, "abc123", "")
	assert.ErrorIs(t, err, oauth.ErrInvalidRequest)

	assert.Empty(t, nav.redirects, "no navigation on construction failure")
}

func TestLinkAccount(t *testing.T) {
	s, _, nav := newTestSession(t, http.NotFoundHandler())

	require.NoError(t, s.LinkAccount(context.Background(), oauth.Google, "tok"))
	require.Len(t, nav.redirects, 1)

	u, err := url.Parse(nav.redirects[0])
	require.NoError(t, err)
	assert.Equal(t, "/api/auth/oauth/link", u.Path)
	assert.Equal(t, "google", u.Query().Get("provider"))
	assert.Equal(t, "tok", u.Query().Get("state"))
}

func TestExchangeCode(t *testing.T) {
	var gotBody codeRequest
	var gotAuth string
	s, _, _ := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/auth/oauth/google/callback", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writeJSON(w, http.StatusOK, map[string]any{
			"user":      map[string]any{"id": "u1", "email": "ada@lab.org"},
			"tokens":    map[string]any{"accessToken": "t1", "refreshToken": "r1", "expiresIn": 3600, "tokenType": "Bearer"},
			"isNewUser": true,
		})
	}))

	result, err := s.ExchangeCode(context.Background(), oauth.Google, "xyz", "abc123")
	require.NoError(t, err)

	assert.Equal(t, "xyz", gotBody.Code)
	assert.Equal(t, "abc123", gotBody.State)
	assert.Equal(t, "Bearer session-token", gotAuth)
	assert.Equal(t, "t1", result.Tokens.AccessToken)
	assert.Equal(t, 3600, result.Tokens.ExpiresIn)
	assert.Equal(t, "ada@lab.org", result.User.Email)
	assert.True(t, result.IsNewUser)
}

func TestExchangeCode_NoBearerWithoutToken(t *testing.T) {
	var gotAuth string
	s, tokens, _ := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		writeJSON(w, http.StatusOK, map[string]any{"tokens": map[string]any{"accessToken": "t1"}})
	}))
	tokens.token = ""

	_, err := s.ExchangeCode(context.Background(), oauth.Google, "xyz", "abc123")
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestExchangeCode_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     any
		wantKind oauth.Kind
		wantCode string
	}{
		{name: "expired code", status: http.StatusBadRequest, body: map[string]string{"error": "invalid_grant", "error_description": "code expired"}, wantKind: oauth.KindExchangeError, wantCode: "invalid_grant"},
		{name: "server error", status: http.StatusBadGateway, body: map[string]string{"message": "upstream down"}, wantKind: oauth.KindExchangeError, wantCode: "server_error"},
		{name: "unauthorized", status: http.StatusUnauthorized, body: map[string]string{"error": "unauthorized"}, wantKind: oauth.KindSessionExpired, wantCode: "unauthorized"},
		{name: "missing tokens", status: http.StatusOK, body: map[string]any{"user": map[string]any{"id": "u1"}}, wantKind: oauth.KindExchangeError, wantCode: "invalid_response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, tokens, _ := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			}))

			_, err := s.ExchangeCode(context.Background(), oauth.Google, "xyz", "abc123")
			require.Error(t, err)

			var oe *oauth.OAuthError
			require.ErrorAs(t, err, &oe)
			assert.Equal(t, tt.wantKind, oe.Kind)
			assert.Equal(t, tt.wantCode, oe.Code)
			assert.Equal(t, oauth.Google, oe.Provider)

			if tt.wantKind == oauth.KindSessionExpired {
				assert.Equal(t, 1, tokens.cleared)
			} else {
				assert.Equal(t, 0, tokens.cleared)
			}
		})
	}
}

func TestExchangeCode_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	client, err := New(Options{
		APIBaseURL:  srv.URL,
		Providers:   testRegistry(t),
		CallbackURL: func(oauth.ProviderID) string { return "http://127.0.0.1/cb" },
	})
	require.NoError(t, err)

	_, err = client.For(&fakeTokens{}, &fakeNavigator{}).ExchangeCode(context.Background(), oauth.Google, "xyz", "abc")
	require.Error(t, err)
	assert.ErrorIs(t, err, oauth.ErrExchange)

	var oe *oauth.OAuthError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "network_error", oe.Code)
}

func TestCompleteLink(t *testing.T) {
	s, _, _ := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/auth/oauth/link", r.URL.Path)
		var body codeRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "github", body.Provider)
		writeJSON(w, http.StatusOK, map[string]any{
			"account": map[string]any{"provider": "github", "email": "ada@lab.org"},
		})
	}))

	account, err := s.CompleteLink(context.Background(), oauth.GitHub, "code", "state")
	require.NoError(t, err)
	assert.Equal(t, oauth.GitHub, account.Provider)
	assert.Equal(t, "ada@lab.org", account.Email)
	assert.True(t, account.IsLinked)
}

func TestCompleteLink_WrongProvider(t *testing.T) {
	s, _, _ := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"account": map[string]any{"provider": "google", "email": "ada@lab.org"},
		})
	}))

	_, err := s.CompleteLink(context.Background(), oauth.GitHub, "code", "state")
	assert.ErrorIs(t, err, oauth.ErrExchange)
}

func TestUnlinkAccount(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    any
		wantErr bool
	}{
		{name: "linked", status: http.StatusOK, body: map[string]any{"success": true, "message": "unlinked"}},
		{name: "no content", status: http.StatusNoContent},
		{name: "not found is a no-op", status: http.StatusNotFound},
		{name: "not_linked is a no-op", status: http.StatusBadRequest, body: map[string]string{"error": "not_linked"}},
		{name: "last login method", status: http.StatusConflict, body: map[string]string{"error": "last_login_method"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodDelete, r.Method)
				assert.Equal(t, "/api/auth/oauth/unlink", r.URL.Path)
				var body map[string]string
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "google", body["provider"])
				if tt.body == nil {
					w.WriteHeader(tt.status)
					return
				}
				writeJSON(w, tt.status, tt.body)
			}))

			result, err := s.UnlinkAccount(context.Background(), oauth.Google)
			if tt.wantErr {
				assert.ErrorIs(t, err, oauth.ErrExchange)
				return
			}
			require.NoError(t, err)
			assert.True(t, result.Success)
			assert.Equal(t, oauth.Google, result.Provider)
		})
	}
}

func TestFetchLinkedAccounts(t *testing.T) {
	s, _, _ := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth/oauth/accounts", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"accounts": []map[string]any{
				{"provider": "google", "email": "ada@lab.org", "isLinked": true},
				{"provider": "orcid", "email": "", "isLinked": true},
			},
		})
	}))

	accounts, err := s.FetchLinkedAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, oauth.ORCID, accounts[1].Provider)
}

func TestFetchLinkedAccounts_Collapses(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	s, _, _ := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		writeJSON(w, http.StatusOK, map[string]any{"accounts": []any{}})
	}))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.FetchLinkedAccounts(context.Background())
			assert.NoError(t, err)
		}()
	}
	// Let the goroutines pile up behind the first request
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchLinkedAccounts_CancelledCallerDoesNotFailOthers(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	s, _, _ := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		writeJSON(w, http.StatusOK, map[string]any{
			"accounts": []map[string]any{{"provider": "google", "email": "ada@lab.org", "isLinked": true}},
		})
	}))

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := s.FetchLinkedAccounts(ctxA)
		errA <- err
	}()
	<-started

	type outcome struct {
		accounts []oauth.LinkedAccount
		err      error
	}
	resB := make(chan outcome, 1)
	go func() {
		accounts, err := s.FetchLinkedAccounts(context.Background())
		resB <- outcome{accounts, err}
	}()
	// Let the second caller join the in-flight request
	time.Sleep(50 * time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(release)
	b := <-resB
	require.NoError(t, b.err)
	require.Len(t, b.accounts, 1)
	assert.Equal(t, oauth.Google, b.accounts[0].Provider)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchLinkedAccounts_Unauthorized(t *testing.T) {
	s, tokens, _ := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := s.FetchLinkedAccounts(context.Background())
	assert.ErrorIs(t, err, oauth.ErrSessionExpired)
	assert.Equal(t, 1, tokens.cleared)
	assert.Empty(t, tokens.token)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{APIBaseURL: "https://api.lab.example.com"})
	assert.ErrorContains(t, err, "provider registry")

	_, err = New(Options{APIBaseURL: "https://api.lab.example.com", Providers: testRegistry(t)})
	assert.ErrorContains(t, err, "callback URL")
}

func TestRedirectURIMatchesAcrossLegs(t *testing.T) {
	const configured = "https://app.example.com/cb/github"

	var exchanged, linked codeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/oauth/github/callback":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&exchanged))
			writeJSON(w, http.StatusOK, map[string]any{"tokens": map[string]any{"accessToken": "t1"}})
		case "/api/auth/oauth/link":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&linked))
			writeJSON(w, http.StatusOK, map[string]any{"account": map[string]any{"provider": "github"}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	reg, err := provider.FromConfig([]config.ProviderConfig{
		{ID: "github", Enabled: true, Authorization: config.AuthorizationDirect, ClientID: "gh-client", RedirectURI: configured},
		{ID: "orcid", Enabled: true, Authorization: config.AuthorizationBackend, RedirectURI: "https://app.example.com/cb/orcid"},
	})
	require.NoError(t, err)
	client, err := New(Options{
		APIBaseURL: srv.URL + "/api",
		Providers:  reg,
		CallbackURL: func(id oauth.ProviderID) string {
			return "https://lab.example.com/auth/oauth/callback/" + string(id)
		},
	})
	require.NoError(t, err)
	s := client.For(&fakeTokens{token: "session-token"}, &fakeNavigator{})
	ctx := context.Background()

	authorize, err := s.AuthorizationURL(oauth.GitHub, "abc123", "", false)
	require.NoError(t, err)
	u, err := url.Parse(authorize)
	require.NoError(t, err)
	assert.Equal(t, configured, u.Query().Get("redirect_uri"))

	_, err = s.ExchangeCode(ctx, oauth.GitHub, "xyz", "abc123")
	require.NoError(t, err)
	assert.Equal(t, u.Query().Get("redirect_uri"), exchanged.RedirectURI)

	_, err = s.CompleteLink(ctx, oauth.GitHub, "xyz", "abc123")
	require.NoError(t, err)
	assert.Equal(t, configured, linked.RedirectURI)

	backendURL, err := s.AuthorizationURL(oauth.ORCID, "abc123", "/", false)
	require.NoError(t, err)
	u, err = url.Parse(backendURL)
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/cb/orcid", u.Query().Get("redirect_uri"))
}
