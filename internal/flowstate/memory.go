package flowstate

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/dgellow/labauth/internal/oauth"
)

// MemoryBackend keeps flows in process memory. Flows do not survive a restart
// and are not shared between replicas.
type MemoryBackend struct {
	flows   *ttlcache.Cache[string, oauth.FlowState]
	records *ttlcache.Cache[string, Record]
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates a memory backend and starts its expiry loop
func NewMemoryBackend(defaultTTL time.Duration) *MemoryBackend {
	flows := ttlcache.New(
		ttlcache.WithTTL[string, oauth.FlowState](defaultTTL),
		ttlcache.WithDisableTouchOnHit[string, oauth.FlowState](),
	)
	records := ttlcache.New(
		ttlcache.WithTTL[string, Record](defaultTTL),
		ttlcache.WithDisableTouchOnHit[string, Record](),
	)

	go flows.Start()
	go records.Start()

	return &MemoryBackend{flows: flows, records: records}
}

func (m *MemoryBackend) PutFlow(_ context.Context, scope string, flow *oauth.FlowState, ttl time.Duration) error {
	m.flows.Set(scope, *flow, ttl)
	return nil
}

func (m *MemoryBackend) TakeFlow(_ context.Context, scope string) (*oauth.FlowState, error) {
	item, ok := m.flows.GetAndDelete(scope)
	if !ok || item == nil || item.IsExpired() {
		return nil, ErrNotFound
	}
	flow := item.Value()
	return &flow, nil
}

func (m *MemoryBackend) PeekFlow(_ context.Context, scope string) (*oauth.FlowState, error) {
	item := m.flows.Get(scope)
	if item == nil || item.IsExpired() {
		return nil, ErrNotFound
	}
	flow := item.Value()
	return &flow, nil
}

func (m *MemoryBackend) LoadRecord(_ context.Context, scope string) (*Record, error) {
	item := m.records.Get(scope)
	if item == nil || item.IsExpired() {
		return nil, ErrNotFound
	}
	rec := item.Value()
	rec.LinkedAccounts = append([]oauth.LinkedAccount(nil), rec.LinkedAccounts...)
	return &rec, nil
}

func (m *MemoryBackend) SaveRecord(_ context.Context, scope string, rec *Record, ttl time.Duration) error {
	stored := *rec
	stored.LinkedAccounts = append([]oauth.LinkedAccount(nil), rec.LinkedAccounts...)
	m.records.Set(scope, stored, ttl)
	return nil
}

func (m *MemoryBackend) DeleteScope(_ context.Context, scope string) error {
	m.flows.Delete(scope)
	m.records.Delete(scope)
	return nil
}

// CleanupExpired drops expired entries eagerly; the expiry loop also does this.
func (m *MemoryBackend) CleanupExpired(_ context.Context) (int, error) {
	before := m.flows.Len() + m.records.Len()
	m.flows.DeleteExpired()
	m.records.DeleteExpired()
	return before - (m.flows.Len() + m.records.Len()), nil
}

// Close stops the expiry loops
func (m *MemoryBackend) Close() error {
	m.flows.Stop()
	m.records.Stop()
	return nil
}
