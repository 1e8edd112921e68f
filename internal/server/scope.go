package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dgellow/labauth/internal/cookie"
	"github.com/dgellow/labauth/internal/crypto"
	jsonwriter "github.com/dgellow/labauth/internal/json"
	"github.com/dgellow/labauth/internal/log"
)

type scopeContextKey struct{}

// scopeCookie is sealed into the session cookie. The ID keys both the flow
// store and the session registry.
type scopeCookie struct {
	ID      string    `json:"id"`
	Expires time.Time `json:"expires"`
}

func (c scopeCookie) expired(now time.Time) bool {
	return now.After(c.Expires)
}

// WithScope returns a context carrying a scope ID
func WithScope(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, id)
}

// ScopeFromContext returns the scope ID set by NewScopeMiddleware
func ScopeFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(scopeContextKey{}).(string)
	return id, ok && id != ""
}

func openScope(enc crypto.Encryptor, sealed string) (scopeCookie, error) {
	var c scopeCookie
	plain, err := enc.Decrypt(sealed)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(plain), &c); err != nil {
		return c, err
	}
	if _, err := uuid.Parse(c.ID); err != nil {
		return c, err
	}
	return c, nil
}

func sealScope(enc crypto.Encryptor, c scopeCookie) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return enc.Encrypt(string(data))
}

// NewScopeMiddleware gives every browser a scope. A request without a valid
// session cookie gets a fresh random scope and a new cookie.
func NewScopeMiddleware(enc crypto.Encryptor, ttl time.Duration) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sealed, err := cookie.GetSession(r); err == nil {
				c, err := openScope(enc, sealed)
				if err == nil && !c.expired(time.Now()) {
					next.ServeHTTP(w, r.WithContext(WithScope(r.Context(), c.ID)))
					return
				}
				log.LogDebugWithFields("server", "Discarding session cookie", map[string]any{
					"expired": err == nil,
				})
			}

			c := scopeCookie{ID: uuid.NewString(), Expires: time.Now().Add(ttl)}
			sealed, err := sealScope(enc, c)
			if err != nil {
				log.LogErrorWithFields("server", "Failed to seal session cookie", map[string]any{
					"error": err.Error(),
				})
				jsonwriter.WriteInternalServerError(w, "Failed to create session")
				return
			}
			cookie.SetSession(w, sealed, ttl)
			next.ServeHTTP(w, r.WithContext(WithScope(r.Context(), c.ID)))
		})
	}
}
