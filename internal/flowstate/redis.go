package flowstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dgellow/labauth/internal/oauth"
)

// RedisBackend shares flows between replicas. Keys expire natively, so
// CleanupExpired has nothing to do.
type RedisBackend struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ Backend = (*RedisBackend)(nil)

// RedisOptions configures NewRedisBackend
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisBackend connects to redis and pings it
func NewRedisBackend(ctx context.Context, opts RedisOptions) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}
	return NewRedisBackendFromClient(client, opts.KeyPrefix), nil
}

// NewRedisBackendFromClient wraps an existing client
func NewRedisBackendFromClient(client redis.UniversalClient, keyPrefix string) *RedisBackend {
	return &RedisBackend{client: client, keyPrefix: keyPrefix}
}

func (r *RedisBackend) flowKey(scope string) string   { return r.keyPrefix + "flow:" + scope }
func (r *RedisBackend) recordKey(scope string) string { return r.keyPrefix + "record:" + scope }

func (r *RedisBackend) PutFlow(ctx context.Context, scope string, flow *oauth.FlowState, ttl time.Duration) error {
	data, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("marshaling flow: %w", err)
	}
	if err := r.client.Set(ctx, r.flowKey(scope), data, ttl).Err(); err != nil {
		return fmt.Errorf("storing flow: %w", err)
	}
	return nil
}

// TakeFlow uses GETDEL so that concurrent callbacks cannot both read the flow
func (r *RedisBackend) TakeFlow(ctx context.Context, scope string) (*oauth.FlowState, error) {
	data, err := r.client.GetDel(ctx, r.flowKey(scope)).Bytes()
	return decodeFlow(data, err)
}

func (r *RedisBackend) PeekFlow(ctx context.Context, scope string) (*oauth.FlowState, error) {
	data, err := r.client.Get(ctx, r.flowKey(scope)).Bytes()
	return decodeFlow(data, err)
}

func decodeFlow(data []byte, err error) (*oauth.FlowState, error) {
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading flow: %w", err)
	}
	var flow oauth.FlowState
	if err := json.Unmarshal(data, &flow); err != nil {
		return nil, fmt.Errorf("decoding flow: %w", err)
	}
	return &flow, nil
}

func (r *RedisBackend) LoadRecord(ctx context.Context, scope string) (*Record, error) {
	data, err := r.client.Get(ctx, r.recordKey(scope)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return &rec, nil
}

func (r *RedisBackend) SaveRecord(ctx context.Context, scope string, rec *Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	if err := r.client.Set(ctx, r.recordKey(scope), data, ttl).Err(); err != nil {
		return fmt.Errorf("storing record: %w", err)
	}
	return nil
}

func (r *RedisBackend) DeleteScope(ctx context.Context, scope string) error {
	if err := r.client.Del(ctx, r.flowKey(scope), r.recordKey(scope)).Err(); err != nil {
		return fmt.Errorf("deleting scope: %w", err)
	}
	return nil
}

func (r *RedisBackend) CleanupExpired(context.Context) (int, error) {
	return 0, nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
