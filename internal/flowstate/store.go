package flowstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgellow/labauth/internal/crypto"
	"github.com/dgellow/labauth/internal/log"
	"github.com/dgellow/labauth/internal/oauth"
)

// DefaultFlowTTL bounds how long a pending flow can wait for its callback
const DefaultFlowTTL = 10 * time.Minute

// flowRetention is added to the flow TTL for the backend copy so that Consume
// sees an expired flow and reports ErrFlowExpired before the backend drops it.
const flowRetention = time.Minute

// View is the read model of one scope
type View struct {
	Pending        *oauth.FlowState      `json:"pending,omitempty"`
	LinkedAccounts []oauth.LinkedAccount `json:"linkedAccounts"`
	Error          *oauth.OAuthError     `json:"error,omitempty"`
}

// Manager hands out scoped Stores over a shared Backend. Operations on one
// scope are serialized; different scopes proceed in parallel.
type Manager struct {
	backend   Backend
	flowTTL   time.Duration
	recordTTL time.Duration
	now       func() time.Time

	mu     sync.Mutex
	scopes map[string]*scopeState
}

type scopeState struct {
	mu       sync.Mutex
	refs     int
	starting bool
	subs     map[int]func(View)
	nextSub  int
}

// Option configures a Manager
type Option func(*Manager)

// WithFlowTTL sets the maximum age of a pending flow
func WithFlowTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.flowTTL = ttl }
}

// WithRecordTTL sets how long linked accounts and errors are retained
func WithRecordTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.recordTTL = ttl }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager over backend
func NewManager(backend Backend, opts ...Option) *Manager {
	m := &Manager{
		backend:   backend,
		flowTTL:   DefaultFlowTTL,
		recordTTL: 24 * time.Hour,
		now:       time.Now,
		scopes:    make(map[string]*scopeState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FlowTTL returns the configured maximum flow age
func (m *Manager) FlowTTL() time.Duration { return m.flowTTL }

// Scope returns the Store for one browser session or CLI process
func (m *Manager) Scope(id string) *Store {
	return &Store{m: m, id: id}
}

// Cleanup removes expired entries from the backend
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	return m.backend.CleanupExpired(ctx)
}

// Close closes the backend
func (m *Manager) Close() error {
	return m.backend.Close()
}

// acquire pins a scope's state so it is not dropped while in use
func (m *Manager) acquire(id string) *scopeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scopes[id]
	if !ok {
		s = &scopeState{subs: make(map[int]func(View))}
		m.scopes[id] = s
	}
	s.refs++
	return s
}

func (m *Manager) release(id string, s *scopeState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 && len(s.subs) == 0 && !s.starting {
		delete(m.scopes, id)
	}
}

// Store is the flow state of a single scope
type Store struct {
	m  *Manager
	id string
}

// ID returns the scope ID
func (s *Store) ID() string { return s.id }

// withLock runs fn under the scope lock. When fn reports a mutation,
// subscribers receive the resulting view after the lock is released.
func (s *Store) withLock(ctx context.Context, fn func() (mutated bool, err error)) error {
	st := s.m.acquire(s.id)
	defer s.m.release(s.id, st)

	st.mu.Lock()
	mutated, err := fn()
	var view View
	var subs []func(View)
	if mutated {
		var verr error
		view, verr = s.snapshotLocked(ctx)
		if verr != nil {
			log.LogWarnWithFields("flowstate", "Failed to build view for subscribers", map[string]any{
				"error": verr.Error(),
			})
		} else {
			s.m.mu.Lock()
			for _, fn := range st.subs {
				subs = append(subs, fn)
			}
			s.m.mu.Unlock()
		}
	}
	st.mu.Unlock()

	for _, sub := range subs {
		sub(view)
	}
	return err
}

// Begin stores a new pending flow, replacing any unconsumed one, and returns
// its CSRF token.
func (s *Store) Begin(ctx context.Context, mode oauth.Mode, provider oauth.ProviderID, returnURL string) (string, error) {
	if !mode.Valid() {
		return "", fmt.Errorf("invalid flow mode %q", mode)
	}
	token, err := crypto.GenerateSecureToken()
	if err != nil {
		return "", err
	}
	flow := &oauth.FlowState{
		Mode:      mode,
		Provider:  provider,
		CSRFToken: token,
		ReturnURL: returnURL,
		CreatedAt: s.m.now(),
	}

	err = s.withLock(ctx, func() (bool, error) {
		if err := s.m.backend.PutFlow(ctx, s.id, flow, s.m.flowTTL+flowRetention); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return "", fmt.Errorf("beginning %s flow: %w", mode, err)
	}

	log.LogDebugWithFields("flowstate", "Flow begun", map[string]any{
		"mode":     mode,
		"provider": provider,
		"state":    log.Fingerprint(token),
	})
	return token, nil
}

// Consume atomically reads and clears the pending flow. It returns (nil, nil)
// when nothing is pending and ErrFlowExpired when the flow is too old.
func (s *Store) Consume(ctx context.Context) (*oauth.FlowState, error) {
	var flow *oauth.FlowState
	err := s.withLock(ctx, func() (bool, error) {
		f, err := s.m.backend.TakeFlow(ctx, s.id)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("consuming flow: %w", err)
		}
		if f.Expired(s.m.now(), s.m.flowTTL) {
			return true, ErrFlowExpired
		}
		flow = f
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return flow, nil
}

// Pending returns the pending flow without consuming it, or nil
func (s *Store) Pending(ctx context.Context) (*oauth.FlowState, error) {
	flow, err := s.m.backend.PeekFlow(ctx, s.id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading pending flow: %w", err)
	}
	if flow.Expired(s.m.now(), s.m.flowTTL) {
		return nil, nil
	}
	return flow, nil
}

func (s *Store) loadRecord(ctx context.Context) (*Record, error) {
	rec, err := s.m.backend.LoadRecord(ctx, s.id)
	if errors.Is(err, ErrNotFound) {
		return &Record{}, nil
	}
	return rec, err
}

func (s *Store) updateRecord(ctx context.Context, fn func(*Record) bool) error {
	return s.withLock(ctx, func() (bool, error) {
		rec, err := s.loadRecord(ctx)
		if err != nil {
			return false, err
		}
		if !fn(rec) {
			return false, nil
		}
		if err := s.m.backend.SaveRecord(ctx, s.id, rec, s.m.recordTTL); err != nil {
			return false, err
		}
		return true, nil
	})
}

// SetLinkedAccounts replaces the whole list. Duplicate providers keep the last entry.
func (s *Store) SetLinkedAccounts(ctx context.Context, accounts []oauth.LinkedAccount) error {
	deduped := make([]oauth.LinkedAccount, 0, len(accounts))
	for _, a := range accounts {
		deduped = upsert(deduped, a)
	}
	return s.updateRecord(ctx, func(rec *Record) bool {
		rec.LinkedAccounts = deduped
		return true
	})
}

// UpsertLinkedAccount replaces the entry with the same provider or appends it
func (s *Store) UpsertLinkedAccount(ctx context.Context, account oauth.LinkedAccount) error {
	return s.updateRecord(ctx, func(rec *Record) bool {
		rec.LinkedAccounts = upsert(rec.LinkedAccounts, account)
		return true
	})
}

func upsert(list []oauth.LinkedAccount, account oauth.LinkedAccount) []oauth.LinkedAccount {
	for i := range list {
		if list[i].Provider == account.Provider {
			list[i] = account
			return list
		}
	}
	return append(list, account)
}

// RemoveLinkedAccount drops the provider's entry. Removing an absent
// provider is not an error and leaves the list untouched.
func (s *Store) RemoveLinkedAccount(ctx context.Context, provider oauth.ProviderID) error {
	return s.updateRecord(ctx, func(rec *Record) bool {
		for i, a := range rec.LinkedAccounts {
			if a.Provider == provider {
				rec.LinkedAccounts = append(rec.LinkedAccounts[:i], rec.LinkedAccounts[i+1:]...)
				return true
			}
		}
		return false
	})
}

// SetError replaces the error slot
func (s *Store) SetError(ctx context.Context, oauthErr *oauth.OAuthError) error {
	return s.updateRecord(ctx, func(rec *Record) bool {
		rec.Error = oauthErr
		return true
	})
}

// ClearError empties the error slot
func (s *Store) ClearError(ctx context.Context) error {
	return s.updateRecord(ctx, func(rec *Record) bool {
		if rec.Error == nil {
			return false
		}
		rec.Error = nil
		return true
	})
}

// Reset drops the pending flow and the record, used on logout
func (s *Store) Reset(ctx context.Context) error {
	return s.withLock(ctx, func() (bool, error) {
		if err := s.m.backend.DeleteScope(ctx, s.id); err != nil {
			return false, err
		}
		return true, nil
	})
}

// Snapshot returns the current view
func (s *Store) Snapshot(ctx context.Context) (View, error) {
	st := s.m.acquire(s.id)
	defer s.m.release(s.id, st)

	st.mu.Lock()
	defer st.mu.Unlock()
	return s.snapshotLocked(ctx)
}

func (s *Store) snapshotLocked(ctx context.Context) (View, error) {
	pending, err := s.Pending(ctx)
	if err != nil {
		return View{}, err
	}
	rec, err := s.loadRecord(ctx)
	if err != nil {
		return View{}, err
	}
	accounts := rec.LinkedAccounts
	if accounts == nil {
		accounts = []oauth.LinkedAccount{}
	}
	return View{Pending: pending, LinkedAccounts: accounts, Error: rec.Error}, nil
}

// Subscribe registers fn to receive the view after every mutation of this
// scope. fn runs on the mutating goroutine and must not block.
func (s *Store) Subscribe(fn func(View)) (unsubscribe func()) {
	st := s.m.acquire(s.id)

	s.m.mu.Lock()
	id := st.nextSub
	st.nextSub++
	st.subs[id] = fn
	s.m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.m.mu.Lock()
			delete(st.subs, id)
			s.m.mu.Unlock()
			s.m.release(s.id, st)
		})
	}
}

// TryStart marks the scope as handing off a redirect. It fails if another
// begin on the same scope has not released yet.
func (s *Store) TryStart() (release func(), ok bool) {
	st := s.m.acquire(s.id)

	s.m.mu.Lock()
	if st.starting {
		s.m.mu.Unlock()
		s.m.release(s.id, st)
		return nil, false
	}
	st.starting = true
	s.m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.m.mu.Lock()
			st.starting = false
			s.m.mu.Unlock()
			s.m.release(s.id, st)
		})
	}, true
}
