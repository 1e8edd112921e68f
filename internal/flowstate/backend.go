// Package flowstate persists pending OAuth flows and the per-scope read model
// (linked accounts, last error) across the redirect round trip.
package flowstate

import (
	"context"
	"errors"
	"time"

	"github.com/dgellow/labauth/internal/oauth"
)

var (
	// ErrNotFound is returned by backends when a scope has no stored value
	ErrNotFound = errors.New("flowstate: not found")

	// ErrFlowExpired is returned by Consume when the pending flow outlived its TTL.
	// The flow is cleared regardless.
	ErrFlowExpired = errors.New("flowstate: pending flow expired")
)

// Record is the durable part of a scope's state
type Record struct {
	LinkedAccounts []oauth.LinkedAccount `json:"linkedAccounts,omitempty"`
	Error          *oauth.OAuthError     `json:"error,omitempty"`
}

// Backend stores flows and records keyed by scope ID.
//
// TakeFlow must be atomic: when two callers race on the same scope, at most
// one of them receives the flow.
type Backend interface {
	PutFlow(ctx context.Context, scope string, flow *oauth.FlowState, ttl time.Duration) error
	TakeFlow(ctx context.Context, scope string) (*oauth.FlowState, error)
	PeekFlow(ctx context.Context, scope string) (*oauth.FlowState, error)
	LoadRecord(ctx context.Context, scope string) (*Record, error)
	SaveRecord(ctx context.Context, scope string, rec *Record, ttl time.Duration) error
	DeleteScope(ctx context.Context, scope string) error
	CleanupExpired(ctx context.Context) (int, error)
	Close() error
}
