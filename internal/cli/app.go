package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/dgellow/labauth/internal/authflow"
	"github.com/dgellow/labauth/internal/config"
	"github.com/dgellow/labauth/internal/exchange"
	"github.com/dgellow/labauth/internal/flowstate"
	"github.com/dgellow/labauth/internal/log"
	"github.com/dgellow/labauth/internal/oauth"
	"github.com/dgellow/labauth/internal/provider"
	"github.com/dgellow/labauth/internal/session"
)

// processScope keys the single flow slot of the CLI process
const processScope = "cli"

// app is everything one command invocation needs
type app struct {
	cfg       config.Config
	providers *provider.Static
	session   *session.File
	flows     *flowstate.Manager
	nav       *navigator
	coord     *authflow.Coordinator
}

// open loads the config and wires a coordinator. callbackURL may be nil for
// commands that never reach a provider.
func (g *globalFlags) open(out io.Writer, callbackURL func(oauth.ProviderID) string, noBrowser bool) (*app, error) {
	if g.sessionPath == "" {
		return nil, fmt.Errorf("no session file location, pass --session")
	}
	cfg, err := config.LoadClient(g.configPath)
	if err != nil {
		return nil, err
	}
	providers, err := provider.FromConfig(cfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("loading providers: %w", err)
	}
	if callbackURL == nil {
		callbackURL = func(oauth.ProviderID) string { return "" }
	}
	client, err := exchange.New(exchange.Options{
		APIBaseURL:  cfg.API.BaseURL,
		Timeout:     cfg.API.Timeout,
		Providers:   providers,
		CallbackURL: callbackURL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating api client: %w", err)
	}

	sess := session.NewFile(g.sessionPath)
	flows := flowstate.NewManager(flowstate.NewMemoryBackend(cfg.Flow.TTL), flowstate.WithFlowTTL(cfg.Flow.TTL))
	nav := &navigator{out: out, open: g.openURL, noBrowser: noBrowser}

	coord := authflow.New(authflow.Options{
		Providers:    providers,
		Store:        flows.Scope(processScope),
		Exchanger:    client.For(sess, nav),
		Session:      sess,
		Navigator:    nav,
		LandingRoute: cfg.Server.LandingRoute,
	})

	log.LogDebugWithFields("cli", "Runtime ready", map[string]any{
		"config":  g.configPath,
		"session": sess.Path(),
		"api":     cfg.API.BaseURL,
	})

	return &app{
		cfg:       cfg,
		providers: providers,
		session:   sess,
		flows:     flows,
		nav:       nav,
		coord:     coord,
	}, nil
}

func (a *app) Close() {
	if err := a.flows.Close(); err != nil {
		log.LogWarnWithFields("cli", "Closing flow store failed", map[string]any{
			"error": err.Error(),
		})
	}
}

// navigator opens provider redirects in a browser. In-app routes mean
// nothing in a terminal and are only logged.
type navigator struct {
	out       io.Writer
	open      func(string) error
	noBrowser bool
}

func (n *navigator) Redirect(_ context.Context, url string) error {
	if n.noBrowser {
		fmt.Fprintf(n.out, "Open this URL in your browser to continue:\n\n  %s\n\n", url)
		return nil
	}
	fmt.Fprintln(n.out, "Opening your browser to continue signing in...")
	if err := n.open(url); err != nil {
		log.LogWarnWithFields("cli", "Could not open browser", map[string]any{
			"error": err.Error(),
		})
		fmt.Fprintf(n.out, "Could not open a browser. Open this URL to continue:\n\n  %s\n\n", url)
	}
	return nil
}

func (n *navigator) Navigate(_ context.Context, route string) error {
	log.LogDebugWithFields("cli", "Ignoring in-app navigation", map[string]any{
		"route": route,
	})
	return nil
}
