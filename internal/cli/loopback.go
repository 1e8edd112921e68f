package cli

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/dgellow/labauth/internal/authflow"
	"github.com/dgellow/labauth/internal/log"
	"github.com/dgellow/labauth/internal/oauth"
	"github.com/dgellow/labauth/internal/provider"
	"github.com/dgellow/labauth/internal/server"
	"github.com/dgellow/labauth/internal/urlutil"
)

const callbackPage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>labauthctl</title></head>
<body><p>labauthctl received the response from your provider. You can close this window and return to the terminal.</p></body></html>
`

// loopback receives the provider redirect on 127.0.0.1. It accepts exactly
// one callback.
type loopback struct {
	base    string
	srv     *server.HTTPServer
	results chan oauth.CallbackParams
}

func startLoopback() (*loopback, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listening for the provider callback: %w", err)
	}
	l := &loopback{
		base:    "http://" + ln.Addr().String(),
		results: make(chan oauth.CallbackParams, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/oauth/{provider}/callback", l.handleCallback)
	l.srv = server.NewHTTPServer(server.NewSecurityHeadersMiddleware()(mux), ln.Addr().String())

	go func() {
		if err := l.srv.Serve(ln); err != nil {
			log.LogErrorWithFields("cli", "Callback listener stopped", map[string]any{
				"error": err.Error(),
			})
		}
	}()
	return l, nil
}

// CallbackURL is the redirect_uri registered for a flow
func (l *loopback) CallbackURL(id oauth.ProviderID) string {
	u, err := urlutil.JoinPath(l.base, "auth", "oauth", string(id), "callback")
	if err != nil {
		return l.base
	}
	return u
}

func (l *loopback) handleCallback(w http.ResponseWriter, r *http.Request) {
	id, err := provider.ParseID(r.PathValue("provider"))
	if err != nil {
		http.Error(w, "unknown provider", http.StatusBadRequest)
		return
	}
	select {
	case l.results <- authflow.ParseCallback(id, r.URL.Query()):
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(callbackPage))
	default:
		http.Error(w, "a response was already received", http.StatusConflict)
	}
}

// Wait blocks until the callback arrives or ctx ends
func (l *loopback) Wait(ctx context.Context) (oauth.CallbackParams, error) {
	select {
	case params := <-l.results:
		return params, nil
	case <-ctx.Done():
		return oauth.CallbackParams{}, fmt.Errorf("waiting for the provider callback: %w", ctx.Err())
	}
}

func (l *loopback) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.srv.Stop(ctx); err != nil {
		log.LogWarnWithFields("cli", "Stopping callback listener failed", map[string]any{
			"error": err.Error(),
		})
	}
}
