package testutil

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/dgellow/labauth/internal/oauth"
)

// MockExchanger is a testify mock of the backend exchange client
type MockExchanger struct {
	mock.Mock
}

func (m *MockExchanger) RedirectToProvider(ctx context.Context, id oauth.ProviderID, csrfToken, returnURL string) error {
	args := m.Called(ctx, id, csrfToken, returnURL)
	return args.Error(0)
}

func (m *MockExchanger) LinkAccount(ctx context.Context, id oauth.ProviderID, csrfToken string) error {
	args := m.Called(ctx, id, csrfToken)
	return args.Error(0)
}

func (m *MockExchanger) ExchangeCode(ctx context.Context, id oauth.ProviderID, code, state string) (*oauth.ExchangeResult, error) {
	args := m.Called(ctx, id, code, state)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*oauth.ExchangeResult), args.Error(1)
}

func (m *MockExchanger) CompleteLink(ctx context.Context, id oauth.ProviderID, code, state string) (*oauth.LinkedAccount, error) {
	args := m.Called(ctx, id, code, state)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*oauth.LinkedAccount), args.Error(1)
}

func (m *MockExchanger) UnlinkAccount(ctx context.Context, id oauth.ProviderID) (*oauth.LinkResult, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*oauth.LinkResult), args.Error(1)
}

func (m *MockExchanger) FetchLinkedAccounts(ctx context.Context) ([]oauth.LinkedAccount, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]oauth.LinkedAccount), args.Error(1)
}

// Navigator records redirects and route changes
type Navigator struct {
	mu        sync.Mutex
	redirects []string
	routes    []string
}

func (n *Navigator) Redirect(_ context.Context, url string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.redirects = append(n.redirects, url)
	return nil
}

func (n *Navigator) Navigate(_ context.Context, route string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes = append(n.routes, route)
	return nil
}

// Redirects returns the recorded redirect URLs
func (n *Navigator) Redirects() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.redirects...)
}

// Routes returns the recorded in-app routes
func (n *Navigator) Routes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.routes...)
}

// MockEncryptor is a testify mock of crypto.Encryptor
type MockEncryptor struct {
	mock.Mock
}

func (m *MockEncryptor) Encrypt(plaintext string) (string, error) {
	args := m.Called(plaintext)
	return args.String(0), args.Error(1)
}

func (m *MockEncryptor) Decrypt(ciphertext string) (string, error) {
	args := m.Called(ciphertext)
	return args.String(0), args.Error(1)
}
