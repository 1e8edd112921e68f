package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgellow/labauth/internal/authflow"
	"github.com/dgellow/labauth/internal/oauth"
	"github.com/dgellow/labauth/internal/provider"
)

const defaultCallbackTimeout = 5 * time.Minute

type interactiveFlags struct {
	provider  string
	noBrowser bool
	timeout   time.Duration
}

func (f *interactiveFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.provider, "provider", "p", "", "provider: google, github, microsoft or orcid")
	cmd.Flags().BoolVar(&f.noBrowser, "no-browser", false, "print the authorization URL instead of opening a browser")
	cmd.Flags().DurationVar(&f.timeout, "timeout", defaultCallbackTimeout, "how long to wait for the provider to redirect back")
	_ = cmd.MarkFlagRequired("provider")
}

// runInteractive begins a flow, waits for the loopback callback and
// completes it
func runInteractive(cmd *cobra.Command, g *globalFlags, f *interactiveFlags, begin func(context.Context, *app, oauth.ProviderID) error) (*authflow.Result, error) {
	id, err := provider.ParseID(f.provider)
	if err != nil {
		return nil, err
	}

	lb, err := startLoopback()
	if err != nil {
		return nil, err
	}
	defer lb.Close()

	a, err := g.open(cmd.OutOrStdout(), lb.CallbackURL, f.noBrowser)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	ctx := cmd.Context()
	if err := begin(ctx, a, id); err != nil {
		return nil, explain(err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	params, err := lb.Wait(waitCtx)
	if err != nil {
		return nil, err
	}

	result, err := a.coord.HandleOAuthCallback(ctx, params)
	if err != nil {
		return nil, explain(err)
	}
	return result, nil
}

func newLoginCommand(g *globalFlags) *cobra.Command {
	var (
		f        interactiveFlags
		register bool
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with an OAuth provider",
		Long: `Sign in with an OAuth provider. Your browser opens the provider's consent page
and the provider redirects back to labauthctl on 127.0.0.1.`,
		Example: "  labauthctl login --provider github\n  labauthctl login -p google --register",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := oauth.ModeLogin
			if register {
				mode = oauth.ModeRegister
			}
			result, err := runInteractive(cmd, g, &f, func(ctx context.Context, a *app, id oauth.ProviderID) error {
				return a.coord.AuthenticateWithOAuth(ctx, id, authflow.AuthOptions{Mode: mode})
			})
			if err != nil {
				return err
			}
			printSignedIn(cmd.OutOrStdout(), result)
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&register, "register", false, "create a new account")
	return cmd
}

func newLinkCommand(g *globalFlags) *cobra.Command {
	var f interactiveFlags
	cmd := &cobra.Command{
		Use:     "link",
		Short:   "Link another provider to the signed-in account",
		Example: "  labauthctl link --provider orcid",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := runInteractive(cmd, g, &f, func(ctx context.Context, a *app, id oauth.ProviderID) error {
				return a.coord.LinkOAuthAccount(ctx, id)
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if result.Account != nil && result.Account.Email != "" {
				fmt.Fprintf(out, "Linked %s account %s.\n", displayName(result.Provider), result.Account.Email)
			} else {
				fmt.Fprintf(out, "Linked %s account.\n", displayName(result.Provider))
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func printSignedIn(out io.Writer, result *authflow.Result) {
	who := "unknown user"
	if result.User != nil {
		who = result.User.Email
		if result.User.Name != "" {
			who = fmt.Sprintf("%s <%s>", result.User.Name, result.User.Email)
		}
	}
	if result.IsNewUser {
		fmt.Fprintf(out, "Created an account for %s with %s.\n", who, displayName(result.Provider))
		return
	}
	fmt.Fprintf(out, "Signed in as %s with %s.\n", who, displayName(result.Provider))
}

func displayName(id oauth.ProviderID) string {
	return provider.DefaultDisplayName(id)
}

// explain adds a next step to errors the user can act on
func explain(err error) error {
	switch oauth.KindOf(err) {
	case oauth.KindSessionExpired:
		return fmt.Errorf("%w\nyour session has expired, run `labauthctl login` again", err)
	case oauth.KindProtocolViolation:
		return fmt.Errorf("%w\nthe sign-in response did not match this request, start again", err)
	}
	return err
}
