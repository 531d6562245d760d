package cmd

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/alert"
)

// opsCmd groups the scheduled jobs an operator can trigger by hand.
var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "Run retention and alerting jobs",
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete delivery history older than a window",
	Long: `Delete delivery chains whose newest attempt is older than the window.
Without --all only the token's tenant is purged.

Example:
  relayctl ops purge --older-than 720h`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		all, _ := cmd.Flags().GetBool("all")

		q := url.Values{}
		if olderThan > 0 {
			q.Set("older_than", olderThan.String())
		}
		if all {
			q.Set("all", "true")
		}
		path := "/v1/ops/purge"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		ctx, cancel := requestContext()
		defer cancel()

		var resp struct {
			Removed   int64  `json:"removed"`
			OlderThan string `json:"older_than"`
		}
		if err := newClient().do(ctx, http.MethodPost, path, nil, &resp); err != nil {
			return fmt.Errorf("failed to purge: %w", err)
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), resp)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d attempts older than %s\n", resp.Removed, resp.OlderThan)
		return nil
	},
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Evaluate alert rules once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var resp struct {
			Alerts []alert.Alert `json:"alerts"`
			Count  int           `json:"count"`
		}
		if err := newClient().do(ctx, http.MethodPost, "/v1/ops/alerts/tick", nil, &resp); err != nil {
			return fmt.Errorf("failed to evaluate alerts: %w", err)
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), resp)
			return nil
		}
		out := cmd.OutOrStdout()
		if resp.Count == 0 {
			fmt.Fprintln(out, "No alerts raised")
			return nil
		}
		for _, a := range resp.Alerts {
			fmt.Fprintf(out, "ALERT %s scope=%s tenant=%s", a.Rule, a.Scope, a.TenantID)
			if a.EndpointID != "" {
				fmt.Fprintf(out, " endpoint=%s", a.EndpointID)
			}
			fmt.Fprintf(out, " failures=%d", a.Failures)
			if len(a.Mitigated) > 0 {
				fmt.Fprintf(out, " mitigated=%v", a.Mitigated)
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(opsCmd)
	opsCmd.AddCommand(purgeCmd)
	opsCmd.AddCommand(tickCmd)

	purgeCmd.Flags().Duration("older-than", 0, "retention window (server default when 0)")
	purgeCmd.Flags().Bool("all", false, "purge every tenant")
}
