package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/api"
)

// endpointCmd represents the endpoint command
var endpointCmd = &cobra.Command{
	Use:   "endpoint",
	Short: "Manage webhook endpoints",
	Long:  `Create and manage the webhook endpoints of the token's tenant.`,
}

var createEndpointCmd = &cobra.Command{
	Use:   "create [url]",
	Short: "Create a new webhook endpoint",
	Long: `Create a new webhook endpoint. The signing secret is printed once.

Example:
  relayctl endpoint create https://example.com/webhook --event-type deal.updated --event-type deal.closed`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eventTypes, _ := cmd.Flags().GetStringSlice("event-type")
		if len(eventTypes) == 0 {
			return fmt.Errorf("at least one --event-type is required (use * for all)")
		}

		ctx, cancel := requestContext()
		defer cancel()

		var resp api.EndpointWithSecret
		err := newClient().do(ctx, http.MethodPost, "/v1/endpoints", map[string]any{
			"url":         args[0],
			"event_types": eventTypes,
		}, &resp)
		if err != nil {
			return fmt.Errorf("failed to create endpoint: %w", err)
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), resp)
			return nil
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Created endpoint: %s\n", resp.Endpoint.ID)
		fmt.Fprintf(out, "  Tenant ID: %s\n", resp.Endpoint.TenantID)
		fmt.Fprintf(out, "  URL: %s\n", resp.Endpoint.URL)
		fmt.Fprintf(out, "  Event types: %s\n", strings.Join(resp.Endpoint.EventTypes, ", "))
		fmt.Fprintf(out, "  Secret: %s (shown once)\n", resp.Secret)
		return nil
	},
}

var endpointHealthCmd = &cobra.Command{
	Use:   "health [endpoint-id]",
	Short: "Show circuit state and failure streak of an endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var resp api.EndpointHealth
		if err := newClient().do(ctx, http.MethodGet, "/v1/endpoints/"+url.PathEscape(args[0])+"/health", nil, &resp); err != nil {
			return fmt.Errorf("failed to get endpoint health: %w", err)
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), resp)
			return nil
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Endpoint %s\n", resp.EndpointID)
		fmt.Fprintf(out, "  Enabled: %v\n", resp.Enabled)
		fmt.Fprintf(out, "  Circuit: %s\n", resp.CircuitState)
		fmt.Fprintf(out, "  Consecutive failures: %d\n", resp.ConsecutiveFailures)
		fmt.Fprintf(out, "  Last success: %s\n", formatTime(resp.LastSuccessAt))
		fmt.Fprintf(out, "  Last failure: %s\n", formatTime(resp.LastFailureAt))
		if resp.RetryAt != nil {
			fmt.Fprintf(out, "  Probe after: %s\n", formatTime(resp.RetryAt))
		}
		if resp.Forced != "" {
			fmt.Fprintf(out, "  Forced open: %s\n", resp.Forced)
		}
		return nil
	},
}

// endpointActionCmd builds the POST-only endpoint subcommands.
func endpointActionCmd(use, short, action string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [endpoint-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext()
			defer cancel()

			var resp map[string]any
			path := "/v1/endpoints/" + url.PathEscape(args[0]) + "/" + action
			if err := newClient().do(ctx, http.MethodPost, path, nil, &resp); err != nil {
				return fmt.Errorf("failed to %s endpoint: %w", use, err)
			}

			if outputJSON {
				printOutput(cmd.OutOrStdout(), resp)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Endpoint %s: %s ok\n", args[0], use)
			if n, ok := resp["cancelled_deliveries"].(float64); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "  Cancelled queued deliveries: %d\n", int(n))
			}
			return nil
		},
	}
}

var rotateSecretCmd = &cobra.Command{
	Use:   "rotate-secret [endpoint-id]",
	Short: "Issue a new signing secret for an endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var resp api.EndpointWithSecret
		if err := newClient().do(ctx, http.MethodPost, "/v1/endpoints/"+url.PathEscape(args[0])+"/rotate-secret", nil, &resp); err != nil {
			return fmt.Errorf("failed to rotate secret: %w", err)
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), resp)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Rotated secret for endpoint %s\n", resp.Endpoint.ID)
		fmt.Fprintf(cmd.OutOrStdout(), "  Secret: %s (shown once)\n", resp.Secret)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(endpointCmd)
	endpointCmd.AddCommand(createEndpointCmd)
	endpointCmd.AddCommand(endpointHealthCmd)
	endpointCmd.AddCommand(endpointActionCmd("disable", "Disable an endpoint and abandon its queued deliveries", "disable"))
	endpointCmd.AddCommand(endpointActionCmd("enable", "Enable an endpoint and close its circuit", "enable"))
	endpointCmd.AddCommand(rotateSecretCmd)

	createEndpointCmd.Flags().StringSlice("event-type", nil, "event type to subscribe to (repeatable, * for all)")
}
