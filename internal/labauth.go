package internal

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dgellow/labauth/internal/config"
	"github.com/dgellow/labauth/internal/crypto"
	"github.com/dgellow/labauth/internal/exchange"
	"github.com/dgellow/labauth/internal/flowstate"
	"github.com/dgellow/labauth/internal/log"
	"github.com/dgellow/labauth/internal/oauth"
	"github.com/dgellow/labauth/internal/provider"
	"github.com/dgellow/labauth/internal/server"
	"github.com/dgellow/labauth/internal/session"
	"github.com/dgellow/labauth/internal/urlutil"
)

const shutdownTimeout = 30 * time.Second

// LabAuth is the complete web surface: the OAuth coordinator behind a
// cookie-scoped HTTP API
type LabAuth struct {
	config     config.Config
	handler    http.Handler
	httpServer *server.HTTPServer
	flows      *flowstate.Manager
	sessions   *session.Registry
	janitor    *flowstate.Janitor
}

// New builds the application from a validated config
func New(ctx context.Context, cfg config.Config, version string) (*LabAuth, error) {
	log.LogInfoWithFields("labauth", "Building application", map[string]any{
		"baseURL":   cfg.Server.BaseURL,
		"api":       cfg.API.BaseURL,
		"providers": len(cfg.Providers),
		"storage":   cfg.Flow.Storage,
	})

	backend, err := setupFlowBackend(ctx, cfg.Flow)
	if err != nil {
		return nil, fmt.Errorf("failed to setup flow storage: %w", err)
	}
	flows := flowstate.NewManager(backend,
		flowstate.WithFlowTTL(cfg.Flow.TTL),
		flowstate.WithRecordTTL(cfg.Session.TTL),
	)

	providers, err := provider.FromConfig(cfg.Providers)
	if err != nil {
		_ = flows.Close()
		return nil, fmt.Errorf("failed to load providers: %w", err)
	}

	client, err := exchange.New(exchange.Options{
		APIBaseURL:  cfg.API.BaseURL,
		Timeout:     cfg.API.Timeout,
		Providers:   providers,
		CallbackURL: callbackURLs(cfg.Server.BaseURL),
	})
	if err != nil {
		_ = flows.Close()
		return nil, fmt.Errorf("failed to create api client: %w", err)
	}

	encryptor, err := crypto.NewEncryptor([]byte(cfg.Session.CookieKey))
	if err != nil {
		_ = flows.Close()
		return nil, fmt.Errorf("failed to create session encryptor: %w", err)
	}

	sessions := session.NewRegistry(cfg.Session.TTL)
	auth := server.NewAuthHandlers(providers, flows, sessions, client, cfg.Server.LandingRoute, cfg.Server.AuthRoute)
	handler := server.NewHandler(auth, server.NewHealthHandler(version), encryptor, cfg.Session.TTL, cfg.Server.AllowedOrigins)

	app := &LabAuth{
		config:     cfg,
		handler:    handler,
		httpServer: server.NewHTTPServer(handler, cfg.Server.Addr),
		flows:      flows,
		sessions:   sessions,
	}
	if cfg.Flow.CleanupInterval > 0 {
		app.janitor = flowstate.NewJanitor(flows, cfg.Flow.CleanupInterval)
	}
	return app, nil
}

// Handler returns the assembled HTTP handler
func (a *LabAuth) Handler() http.Handler {
	return a.handler
}

// Run serves until ctx is cancelled, SIGINT or SIGTERM arrives, or the
// server fails. Then it shuts down gracefully.
func (a *LabAuth) Run(ctx context.Context) error {
	log.LogInfoWithFields("labauth", "Starting application", map[string]any{
		"addr": a.config.Server.Addr,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.httpServer.Start(); err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.LogInfoWithFields("labauth", "Starting graceful shutdown", map[string]any{
			"reason":  context.Cause(gctx).Error(),
			"timeout": shutdownTimeout.String(),
		})
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.httpServer.Stop(shutdownCtx)
	})

	if a.janitor != nil {
		g.Go(func() error {
			return a.janitor.Run(gctx)
		})
	}

	err := g.Wait()
	a.Close()

	log.LogInfoWithFields("labauth", "Application shutdown complete", nil)
	return err
}

// Close releases storage. Run calls it on the way out.
func (a *LabAuth) Close() {
	a.sessions.Close()
	if err := a.flows.Close(); err != nil {
		log.LogErrorWithFields("labauth", "Closing flow storage failed", map[string]any{
			"error": err.Error(),
		})
	}
}

func setupFlowBackend(ctx context.Context, cfg config.FlowConfig) (flowstate.Backend, error) {
	switch cfg.Storage {
	case config.StorageRedis:
		log.LogInfoWithFields("storage", "Using Redis flow storage", map[string]any{
			"addr":      cfg.Redis.Addr,
			"db":        cfg.Redis.DB,
			"keyPrefix": cfg.Redis.KeyPrefix,
		})
		return flowstate.NewRedisBackend(ctx, flowstate.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  string(cfg.Redis.Password),
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
	case config.StorageFirestore:
		log.LogInfoWithFields("storage", "Using Firestore flow storage", map[string]any{
			"project":    cfg.Firestore.Project,
			"database":   cfg.Firestore.Database,
			"collection": cfg.Firestore.Collection,
		})
		return flowstate.NewFirestoreBackend(ctx, cfg.Firestore.Project, cfg.Firestore.Database, cfg.Firestore.Collection)
	}

	log.LogInfoWithFields("storage", "Using in-memory flow storage", nil)
	return flowstate.NewMemoryBackend(cfg.TTL), nil
}

// callbackURLs builds the redirect_uri of each provider under the public base URL
func callbackURLs(baseURL string) func(oauth.ProviderID) string {
	base := strings.TrimRight(baseURL, "/")
	return func(id oauth.ProviderID) string {
		u, err := urlutil.JoinPath(base, "auth", "oauth", string(id), "callback")
		if err != nil {
			return base + "/auth/oauth/" + string(id) + "/callback"
		}
		return u
	}
}
