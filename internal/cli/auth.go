package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pribylovaa/betforbes-session/internal/app"
	"github.com/pribylovaa/betforbes-session/internal/session"
)

func newLoginCmd(e *env) *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.run(cmd, func(ctx context.Context, a *app.App) error {
				u, err := a.Session.Login(ctx, email, password)
				if err != nil {
					return userError(err)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s <%s>\n", u.Name, u.Email)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account e-mail")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")

	return cmd
}

func newRegisterCmd(e *env) *cobra.Command {
	var in session.RegisterInput

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account; logs in when the server issues tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if in.ConfirmPassword == "" {
				in.ConfirmPassword = in.Password
			}

			return e.run(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Session.Register(ctx, in)
				if err != nil {
					return userError(err)
				}

				out := cmd.OutOrStdout()
				if res.Message != "" {
					fmt.Fprintln(out, res.Message)
				}
				if snap := a.Session.Snapshot(); snap.IsAuthenticated {
					fmt.Fprintf(out, "logged in as %s <%s>\n", snap.User.Name, snap.User.Email)
				}

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&in.Name, "name", "", "display name")
	cmd.Flags().StringVar(&in.Email, "email", "", "account e-mail")
	cmd.Flags().StringVar(&in.Password, "password", "", "account password")
	cmd.Flags().StringVar(&in.ConfirmPassword, "confirm", "", "password confirmation (defaults to --password)")
	cmd.Flags().StringVar(&in.ReferralCode, "ref", "", "referral code (defaults to the captured one)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")

	return cmd
}

func newLogoutCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Log out and clear the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.run(cmd, func(ctx context.Context, a *app.App) error {
				a.Session.Logout(ctx)
				fmt.Fprintln(cmd.OutOrStdout(), "logged out")
				return nil
			})
		},
	}
}

func newWhoamiCmd(e *env) *cobra.Command {
	var profile bool

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Restore the stored session and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.run(cmd, func(ctx context.Context, a *app.App) error {
				snap := a.Session.Initialize(ctx)
				if !profile {
					return printJSON(cmd.OutOrStdout(), snap)
				}

				if !snap.IsAuthenticated {
					return errNotLoggedIn
				}

				// Профиль с сервера, а не из кэша; 401 проходит через refresh.
				u, err := a.API.Profile(ctx)
				if err != nil {
					return userError(err)
				}

				return printJSON(cmd.OutOrStdout(), u)
			})
		},
	}

	cmd.Flags().BoolVar(&profile, "profile", false, "fetch the profile from GET /user/profile instead of printing the session")

	return cmd
}
