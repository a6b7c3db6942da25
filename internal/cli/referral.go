package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pribylovaa/betforbes-session/internal/app"
	"github.com/pribylovaa/betforbes-session/internal/referral"
)

func newReferralCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "referral",
		Short: "Referral code helpers",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "capture URL",
			Short: "Save the ?ref= code from a landing URL for the next registration",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return e.run(cmd, func(ctx context.Context, a *app.App) error {
					code, err := referral.Capture(ctx, a.Store, args[0])
					if err != nil {
						return err
					}

					if code == "" {
						fmt.Fprintln(cmd.OutOrStdout(), "no referral code")
						return nil
					}
					fmt.Fprintf(cmd.OutOrStdout(), "saved referral code %s\n", code)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the saved referral code",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return e.run(cmd, func(ctx context.Context, a *app.App) error {
					fmt.Fprintln(cmd.OutOrStdout(), referral.Saved(ctx, a.Store))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "link ORIGIN [CODE]",
			Short: "Build an invite link to the sign-up page",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				code := ""
				if len(args) == 2 {
					code = args[1]
				}

				fmt.Fprintln(cmd.OutOrStdout(), referral.InviteLink(args[0], code))
				return nil
			},
		},
	)

	return cmd
}
