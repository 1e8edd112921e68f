package session

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/dgellow/labauth/internal/oauth"
)

// Registry keeps the sessions of every browser scope in memory. Entries
// expire ttl after their last write.
type Registry struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, Data]
}

// NewRegistry creates a Registry and starts its expiry loop
func NewRegistry(ttl time.Duration) *Registry {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, Data](ttl),
		ttlcache.WithDisableTouchOnHit[string, Data](),
	)
	go cache.Start()
	return &Registry{cache: cache}
}

// Scope returns the session of one scope
func (r *Registry) Scope(id string) *Memory {
	return &Memory{r: r, id: id}
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	return r.cache.Len()
}

// Close stops the expiry loop
func (r *Registry) Close() {
	r.cache.Stop()
}

func (r *Registry) load(id string) Data {
	if item := r.cache.Get(id); item != nil {
		return item.Value()
	}
	return Data{}
}

func (r *Registry) update(id string, fn func(*Data)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.load(id)
	fn(&d)
	r.cache.Set(id, d, ttlcache.DefaultTTL)
}

// Memory is a Session stored in a Registry
type Memory struct {
	r  *Registry
	id string
}

func (m *Memory) SetTokens(_ context.Context, tokens oauth.AuthTokens) error {
	m.r.update(m.id, func(d *Data) { d.Tokens = tokens })
	return nil
}

func (m *Memory) ClearTokens(_ context.Context) error {
	m.r.update(m.id, func(d *Data) { d.Tokens = oauth.AuthTokens{} })
	return nil
}

func (m *Memory) AccessToken(_ context.Context) (string, error) {
	return m.r.load(m.id).Tokens.AccessToken, nil
}

func (m *Memory) SetCurrentUser(_ context.Context, user *oauth.User) error {
	m.r.update(m.id, func(d *Data) { d.User = user })
	return nil
}

func (m *Memory) CurrentUser(_ context.Context) (*oauth.User, error) {
	return m.r.load(m.id).User, nil
}

// Logout drops the whole session
func (m *Memory) Logout(_ context.Context) error {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	m.r.cache.Delete(m.id)
	return nil
}
