package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgellow/labauth/internal/provider"
)

func newProvidersCommand(g *globalFlags) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List the providers you can sign in with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.OutOrStdout(), nil, true)
			if err != nil {
				return err
			}
			defer a.Close()

			list := a.coord.AvailableProviders()
			if all {
				list = a.providers.List()
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tENABLED")
			for _, p := range list {
				fmt.Fprintf(w, "%s\t%s\t%t\n", p.ID, p.DisplayName, p.Enabled)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include disabled providers")
	return cmd
}

func newAccountsCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List the provider accounts linked to the signed-in account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.OutOrStdout(), nil, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := requireSignedIn(cmd, a); err != nil {
				return err
			}
			accounts, err := a.coord.GetLinkedAccounts(cmd.Context())
			if err != nil {
				return explain(err)
			}
			out := cmd.OutOrStdout()
			if len(accounts) == 0 {
				fmt.Fprintln(out, "No linked accounts.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tEMAIL\tLINKED\tLAST USED")
			for _, acc := range accounts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", acc.Provider, acc.Email, formatTime(acc.LinkedAt), formatTime(acc.LastUsed))
			}
			return w.Flush()
		},
	}
}

func newUnlinkCommand(g *globalFlags) *cobra.Command {
	var providerName string
	cmd := &cobra.Command{
		Use:     "unlink",
		Short:   "Remove a linked provider from the signed-in account",
		Example: "  labauthctl unlink --provider microsoft",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := provider.ParseID(providerName)
			if err != nil {
				return err
			}
			a, err := g.open(cmd.OutOrStdout(), nil, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := requireSignedIn(cmd, a); err != nil {
				return err
			}
			result, err := a.coord.UnlinkOAuthAccount(cmd.Context(), id)
			if err != nil {
				return explain(err)
			}
			out := cmd.OutOrStdout()
			if result.Message != "" {
				fmt.Fprintf(out, "Unlinked %s: %s.\n", displayName(id), result.Message)
				return nil
			}
			fmt.Fprintf(out, "Unlinked %s.\n", displayName(id))
			return nil
		},
	}
	cmd.Flags().StringVarP(&providerName, "provider", "p", "", "provider to unlink")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func requireSignedIn(cmd *cobra.Command, a *app) error {
	token, err := a.session.AccessToken(cmd.Context())
	if err != nil {
		return err
	}
	if token == "" {
		return fmt.Errorf("not signed in, run `labauthctl login` first")
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
