package server

import (
	"net/http"
	"time"

	"github.com/dgellow/labauth/internal/crypto"
)

// NewHandler assembles the HTTP surface. Only /auth routes get a session scope.
func NewHandler(auth *AuthHandlers, health http.Handler, sessionEncryptor crypto.Encryptor, sessionTTL time.Duration, allowedOrigins []string) http.Handler {
	authMux := http.NewServeMux()
	auth.Register(authMux)

	mux := http.NewServeMux()
	mux.Handle("GET /health", health)
	mux.Handle("/auth/", ChainMiddleware(authMux,
		NewScopeMiddleware(sessionEncryptor, sessionTTL),
		NewCORSMiddleware(allowedOrigins),
	))

	return ChainMiddleware(mux,
		NewSecurityHeadersMiddleware(),
		NewLoggerMiddleware("http"),
		NewRecoverMiddleware("http"),
	)
}
