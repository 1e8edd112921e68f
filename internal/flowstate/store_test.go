package flowstate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/labauth/internal/oauth"
)

type backendFactory func(t *testing.T) Backend

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(t *testing.T) Backend {
			b := NewMemoryBackend(time.Hour)
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
		"redis": func(t *testing.T) Backend {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			b := NewRedisBackendFromClient(client, "test:")
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func forEachBackend(t *testing.T, fn func(t *testing.T, m *Manager, clock *fakeClock)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			m := NewManager(factory(t), WithFlowTTL(10*time.Minute), WithClock(clock.Now))
			fn(t, m, clock)
		})
	}
}

func TestBeginConsume(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m *Manager, clock *fakeClock) {
		ctx := context.Background()
		store := m.Scope("scope-1")

		token, err := store.Begin(ctx, oauth.ModeLogin, oauth.Google, "/dashboard")
		require.NoError(t, err)
		assert.Len(t, token, 64, "32 random bytes hex encoded")

		pending, err := store.Pending(ctx)
		require.NoError(t, err)
		require.NotNil(t, pending)
		assert.Equal(t, token, pending.CSRFToken)

		flow, err := store.Consume(ctx)
		require.NoError(t, err)
		require.NotNil(t, flow)
		assert.Equal(t, oauth.ModeLogin, flow.Mode)
		assert.Equal(t, oauth.Google, flow.Provider)
		assert.Equal(t, token, flow.CSRFToken)
		assert.Equal(t, "/dashboard", flow.ReturnURL)
		assert.True(t, flow.CreatedAt.Equal(clock.Now()))

		again, err := store.Consume(ctx)
		require.NoError(t, err)
		assert.Nil(t, again, "a flow is consumed exactly once")

		pending, err = store.Pending(ctx)
		require.NoError(t, err)
		assert.Nil(t, pending)
	})
}

func TestBeginOverwritesPendingFlow(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m *Manager, _ *fakeClock) {
		ctx := context.Background()
		store := m.Scope("scope-1")

		first, err := store.Begin(ctx, oauth.ModeLogin, oauth.Google, "/dashboard")
		require.NoError(t, err)
		second, err := store.Begin(ctx, oauth.ModeRegister, oauth.GitHub, "/x")
		require.NoError(t, err)
		assert.NotEqual(t, first, second)

		flow, err := store.Consume(ctx)
		require.NoError(t, err)
		require.NotNil(t, flow)
		assert.Equal(t, oauth.GitHub, flow.Provider)
		assert.Equal(t, oauth.ModeRegister, flow.Mode)
		assert.Equal(t, second, flow.CSRFToken)

		flow, err = store.Consume(ctx)
		require.NoError(t, err)
		assert.Nil(t, flow, "the abandoned flow is not queued")
	})
}

func TestConsumeExpiredFlow(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m *Manager, clock *fakeClock) {
		ctx := context.Background()
		store := m.Scope("scope-1")

		_, err := store.Begin(ctx, oauth.ModeLogin, oauth.Google, "")
		require.NoError(t, err)

		clock.Advance(11 * time.Minute)

		pending, err := store.Pending(ctx)
		require.NoError(t, err)
		assert.Nil(t, pending)

		flow, err := store.Consume(ctx)
		assert.ErrorIs(t, err, ErrFlowExpired)
		assert.Nil(t, flow)

		flow, err = store.Consume(ctx)
		require.NoError(t, err)
		assert.Nil(t, flow, "expired flow is cleared")
	})
}

func TestScopesAreIsolated(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m *Manager, _ *fakeClock) {
		ctx := context.Background()
		a := m.Scope("tab-a")
		b := m.Scope("tab-b")

		_, err := a.Begin(ctx, oauth.ModeLogin, oauth.Google, "")
		require.NoError(t, err)

		flow, err := b.Consume(ctx)
		require.NoError(t, err)
		assert.Nil(t, flow)

		flow, err = a.Consume(ctx)
		require.NoError(t, err)
		assert.NotNil(t, flow)
	})
}

func TestConcurrentConsumeYieldsOneFlow(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m *Manager, _ *fakeClock) {
		ctx := context.Background()
		_, err := m.Scope("scope-1").Begin(ctx, oauth.ModeLogin, oauth.Google, "")
		require.NoError(t, err)

		var got atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				flow, err := m.Scope("scope-1").Consume(ctx)
				if err == nil && flow != nil {
					got.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), got.Load())
	})
}

func TestLinkedAccounts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m *Manager, _ *fakeClock) {
		ctx := context.Background()
		store := m.Scope("scope-1")

		view, err := store.Snapshot(ctx)
		require.NoError(t, err)
		assert.Empty(t, view.LinkedAccounts)
		assert.NotNil(t, view.LinkedAccounts)

		require.NoError(t, store.SetLinkedAccounts(ctx, []oauth.LinkedAccount{
			{Provider: oauth.Google, Email: "old@lab.org", IsLinked: true},
			{Provider: oauth.GitHub, Email: "a@lab.org", IsLinked: true},
			{Provider: oauth.Google, Email: "ada@lab.org", IsLinked: true},
		}))

		view, err = store.Snapshot(ctx)
		require.NoError(t, err)
		require.Len(t, view.LinkedAccounts, 2, "one entry per provider")
		assert.Equal(t, "ada@lab.org", view.LinkedAccounts[0].Email)

		require.NoError(t, store.UpsertLinkedAccount(ctx, oauth.LinkedAccount{Provider: oauth.GitHub, Email: "new@lab.org", IsLinked: true}))
		require.NoError(t, store.UpsertLinkedAccount(ctx, oauth.LinkedAccount{Provider: oauth.ORCID, Email: "orcid@lab.org", IsLinked: true}))

		view, err = store.Snapshot(ctx)
		require.NoError(t, err)
		require.Len(t, view.LinkedAccounts, 3)
		assert.Equal(t, "new@lab.org", view.LinkedAccounts[1].Email)

		require.NoError(t, store.RemoveLinkedAccount(ctx, oauth.GitHub))
		require.NoError(t, store.RemoveLinkedAccount(ctx, oauth.Microsoft))

		view, err = store.Snapshot(ctx)
		require.NoError(t, err)
		require.Len(t, view.LinkedAccounts, 2)
		assert.Equal(t, oauth.Google, view.LinkedAccounts[0].Provider)
		assert.Equal(t, oauth.ORCID, view.LinkedAccounts[1].Provider)
	})
}

func TestErrorSlot(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m *Manager, _ *fakeClock) {
		ctx := context.Background()
		store := m.Scope("scope-1")

		require.NoError(t, store.SetError(ctx, oauth.NewProviderError(oauth.Google, "access_denied", "user cancelled")))
		view, err := store.Snapshot(ctx)
		require.NoError(t, err)
		require.NotNil(t, view.Error)
		assert.Equal(t, oauth.KindProviderError, view.Error.Kind)
		assert.Equal(t, "access_denied", view.Error.Code)

		require.NoError(t, store.SetError(ctx, oauth.NewSessionExpired(oauth.Google)))
		view, err = store.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, oauth.KindSessionExpired, view.Error.Kind, "replaced, not appended")

		require.NoError(t, store.ClearError(ctx))
		view, err = store.Snapshot(ctx)
		require.NoError(t, err)
		assert.Nil(t, view.Error)
	})
}

func TestReset(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m *Manager, _ *fakeClock) {
		ctx := context.Background()
		store := m.Scope("scope-1")

		_, err := store.Begin(ctx, oauth.ModeLink, oauth.GitHub, "")
		require.NoError(t, err)
		require.NoError(t, store.UpsertLinkedAccount(ctx, oauth.LinkedAccount{Provider: oauth.GitHub, IsLinked: true}))

		require.NoError(t, store.Reset(ctx))

		view, err := store.Snapshot(ctx)
		require.NoError(t, err)
		assert.Nil(t, view.Pending)
		assert.Empty(t, view.LinkedAccounts)
	})
}

func TestSubscribe(t *testing.T) {
	m := NewManager(NewMemoryBackend(time.Hour))
	defer m.Close()
	ctx := context.Background()
	store := m.Scope("scope-1")

	var views []View
	unsubscribe := store.Subscribe(func(v View) { views = append(views, v) })

	_, err := store.Begin(ctx, oauth.ModeLink, oauth.ORCID, "")
	require.NoError(t, err)
	require.NoError(t, store.UpsertLinkedAccount(ctx, oauth.LinkedAccount{Provider: oauth.ORCID, IsLinked: true}))
	require.NoError(t, store.ClearError(ctx)) // no-op, no notification

	require.Len(t, views, 2)
	require.NotNil(t, views[0].Pending)
	assert.Equal(t, oauth.ModeLink, views[0].Pending.Mode)
	assert.Len(t, views[1].LinkedAccounts, 1)

	unsubscribe()
	unsubscribe()
	_, err = store.Consume(ctx)
	require.NoError(t, err)
	assert.Len(t, views, 2)

	// other scopes never notify this subscriber
	_, err = m.Scope("scope-2").Begin(ctx, oauth.ModeLogin, oauth.Google, "")
	require.NoError(t, err)
	assert.Len(t, views, 2)
}

func TestTryStart(t *testing.T) {
	m := NewManager(NewMemoryBackend(time.Hour))
	defer m.Close()

	release, ok := m.Scope("scope-1").TryStart()
	require.True(t, ok)

	_, ok = m.Scope("scope-1").TryStart()
	assert.False(t, ok, "second begin on the same scope is rejected")

	other, ok := m.Scope("scope-2").TryStart()
	require.True(t, ok, "other scopes are independent")
	other()

	release()
	release()

	again, ok := m.Scope("scope-1").TryStart()
	require.True(t, ok)
	again()

	m.mu.Lock()
	assert.Empty(t, m.scopes, "idle scopes are dropped")
	m.mu.Unlock()
}

func TestBeginRejectsInvalidMode(t *testing.T) {
	m := NewManager(NewMemoryBackend(time.Hour))
	defer m.Close()

	_, err := m.Scope("scope-1").Begin(context.Background(), oauth.Mode("logout"), oauth.Google, "")
	assert.Error(t, err)
}

func TestRedisKeysExpire(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	backend := NewRedisBackendFromClient(client, "labauth:")
	defer backend.Close()
	ctx := context.Background()

	m := NewManager(backend, WithFlowTTL(time.Minute))
	_, err := m.Scope("s").Begin(ctx, oauth.ModeLogin, oauth.Google, "")
	require.NoError(t, err)

	assert.True(t, mr.Exists("labauth:flow:s"))
	assert.Equal(t, time.Minute+flowRetention, mr.TTL("labauth:flow:s"))

	mr.FastForward(3 * time.Minute)

	flow, err := m.Scope("s").Consume(ctx)
	require.NoError(t, err)
	assert.Nil(t, flow)
}

func TestConsumeReportsExpiryWithRealClock(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		backend := NewMemoryBackend(time.Hour)
		defer backend.Close()
		ctx := context.Background()

		m := NewManager(backend, WithFlowTTL(50*time.Millisecond))
		_, err := m.Scope("s").Begin(ctx, oauth.ModeLogin, oauth.Google, "")
		require.NoError(t, err)

		time.Sleep(120 * time.Millisecond)

		flow, err := m.Scope("s").Consume(ctx)
		assert.ErrorIs(t, err, ErrFlowExpired)
		assert.Nil(t, flow)
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		backend := NewRedisBackendFromClient(client, "test:")
		defer backend.Close()
		ctx := context.Background()

		m := NewManager(backend, WithFlowTTL(50*time.Millisecond))
		_, err := m.Scope("s").Begin(ctx, oauth.ModeLogin, oauth.Google, "")
		require.NoError(t, err)

		time.Sleep(120 * time.Millisecond)
		mr.FastForward(120 * time.Millisecond)

		flow, err := m.Scope("s").Consume(ctx)
		assert.ErrorIs(t, err, ErrFlowExpired)
		assert.Nil(t, flow)
	})
}

func TestMemoryCleanupExpired(t *testing.T) {
	backend := NewMemoryBackend(time.Hour)
	defer backend.Close()
	ctx := context.Background()

	require.NoError(t, backend.PutFlow(ctx, "s", &oauth.FlowState{Mode: oauth.ModeLogin}, time.Millisecond))
	require.Eventually(t, func() bool {
		_, err := backend.PeekFlow(ctx, "s")
		return err == ErrNotFound
	}, time.Second, 5*time.Millisecond)

	_, err := backend.CleanupExpired(ctx)
	require.NoError(t, err)
}
