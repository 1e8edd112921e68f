// Package cli implements labauthctl. It runs the same coordinator as the
// web surface with the CLI process as the scope: flows live in memory and
// tokens in a per-user session file.
package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/dgellow/labauth/internal/envutil"
	"github.com/dgellow/labauth/internal/log"
	"github.com/dgellow/labauth/internal/session"
)

// Options configures the root command
type Options struct {
	Version string
	Out     io.Writer
	Err     io.Writer
	// OpenURL opens a URL in the user's browser. Defaults to the platform opener.
	OpenURL func(url string) error
}

type globalFlags struct {
	configPath  string
	sessionPath string
	logLevel    string
	openURL     func(url string) error
}

// NewRootCommand builds the labauthctl command tree
func NewRootCommand(opts Options) *cobra.Command {
	g := &globalFlags{openURL: opts.OpenURL}
	if g.openURL == nil {
		g.openURL = openBrowser
	}

	root := &cobra.Command{
		Use:   "labauthctl",
		Short: "labauthctl signs in to the lab platform with an OAuth provider",
		Long: `labauthctl signs in, registers and manages linked provider accounts from a terminal.
The provider redirects back to a listener on 127.0.0.1 and the session is stored in a file only you can read.`,
		Version:      opts.Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if g.logLevel == "" {
				return nil
			}
			return log.SetLogLevel(g.logLevel)
		},
	}
	if opts.Out != nil {
		root.SetOut(opts.Out)
	}
	if opts.Err != nil {
		root.SetErr(opts.Err)
	}

	defaultSession, err := session.DefaultPath()
	if err != nil {
		defaultSession = ""
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", envutil.GetDefault("LABAUTH_CONFIG", "labauth.json"),
		"config file (env LABAUTH_CONFIG)")
	root.PersistentFlags().StringVar(&g.sessionPath, "session", envutil.GetDefault("LABAUTH_SESSION", defaultSession),
		"session file (env LABAUTH_SESSION)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")

	root.AddCommand(
		newProvidersCommand(g),
		newLoginCommand(g),
		newLinkCommand(g),
		newUnlinkCommand(g),
		newAccountsCommand(g),
		newWhoamiCommand(g),
		newLogoutCommand(g),
	)
	return root
}

// Execute runs labauthctl with the process arguments
func Execute(ctx context.Context, version string) error {
	return NewRootCommand(Options{Version: version}).ExecuteContext(ctx)
}
