package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newWhoamiCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.OutOrStdout(), nil, true)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			token, err := a.session.AccessToken(cmd.Context())
			if err != nil {
				return err
			}
			user, err := a.session.CurrentUser(cmd.Context())
			if err != nil {
				return err
			}
			if token == "" || user == nil {
				fmt.Fprintln(out, "Not signed in.")
				return nil
			}
			if user.Name != "" {
				fmt.Fprintf(out, "%s <%s>\n", user.Name, user.Email)
			} else {
				fmt.Fprintln(out, user.Email)
			}
			fmt.Fprintf(out, "id: %s\n", user.ID)
			return nil
		},
	}
}

func newLogoutCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.OutOrStdout(), nil, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.coord.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed out. Removed %s.\n", a.session.Path())
			return nil
		},
	}
}
