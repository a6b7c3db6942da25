package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/pribylovaa/betforbes-session/internal/app"
)

func newCallCmd(e *env) *cobra.Command {
	var data string

	cmd := &cobra.Command{
		Use:   "call METHOD PATH",
		Short: "Perform an authorized API request with refresh-on-401",
		Example: `  sessionctl call GET /user/profile
  sessionctl call POST /bets --data '{"market":"BTC","amount":10}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			method := strings.ToUpper(args[0])
			path := args[1]

			return e.run(cmd, func(ctx context.Context, a *app.App) error {
				a.Session.Initialize(ctx)

				var body io.Reader
				if data != "" {
					body = strings.NewReader(data)
				}

				req, err := a.API.NewRequest(ctx, method, path, body)
				if err != nil {
					return err
				}

				resp, err := a.HTTP.Do(ctx, req)
				if err != nil {
					return err
				}
				defer resp.Body.Close()

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "HTTP %d\n", resp.StatusCode)
				if _, err := io.Copy(out, resp.Body); err != nil {
					return fmt.Errorf("read response: %w", err)
				}
				fmt.Fprintln(out)

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&data, "data", "", "JSON request body")

	return cmd
}

func newProbeCmd(e *env) *cobra.Command {
	var service string

	cmd := &cobra.Command{
		Use:   "probe TARGET",
		Short: "Run a gRPC health check against an upstream with the session credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.run(cmd, func(ctx context.Context, a *app.App) error {
				a.Session.Initialize(ctx)

				conn, err := a.DialGRPC(args[0])
				if err != nil {
					return err
				}

				resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
				if err != nil {
					return fmt.Errorf("health check: %w", err)
				}

				fmt.Fprintln(cmd.OutOrStdout(), resp.GetStatus().String())
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&service, "service", "", "service name to check (empty for the server as a whole)")

	return cmd
}
