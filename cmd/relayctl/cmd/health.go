package cmd

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the relay",
	Long:  `Check the relay's /healthz endpoint, which pings Postgres and Redis.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		c := newClient()
		c.token = ""
		var st health.Status
		err := c.do(ctx, http.MethodGet, "/healthz", nil, &st)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
			fmt.Fprintf(cmd.OutOrStdout(), "✗ Relay is unhealthy: %s\n", apiErr.Body)
			return nil
		}
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), st)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Relay is healthy")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
