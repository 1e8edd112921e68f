package server

import "net/http"

// setSecurityHeaders marks every response as uncacheable and keeps the
// callback URL, which carries the authorization code, out of Referer headers.
func setSecurityHeaders(h http.Header) {
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
}

// NewSecurityHeadersMiddleware applies setSecurityHeaders to every response
func NewSecurityHeadersMiddleware() MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			setSecurityHeaders(w.Header())
			next.ServeHTTP(w, r)
		})
	}
}
