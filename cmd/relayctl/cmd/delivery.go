package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/store"
)

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Inspect and retry webhook deliveries",
	Long:  `List the delivery log of an endpoint and replay individual deliveries.`,
}

var listDeliveriesCmd = &cobra.Command{
	Use:   "list [endpoint-id]",
	Short: "List delivery attempts of an endpoint, newest first",
	Long: `List delivery attempts of an endpoint, newest first.

Example:
  relayctl delivery list ep_123 --limit 20
  relayctl delivery list ep_123 --all`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		token, _ := cmd.Flags().GetString("page-token")
		all, _ := cmd.Flags().GetBool("all")

		c := newClient()
		var attempts []delivery.Attempt
		next := token
		for {
			q := url.Values{}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if next != "" {
				q.Set("page_token", next)
			}
			path := "/v1/endpoints/" + url.PathEscape(args[0]) + "/deliveries"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			ctx, cancel := requestContext()
			var page store.AttemptPage
			err := c.do(ctx, http.MethodGet, path, nil, &page)
			cancel()
			if err != nil {
				return fmt.Errorf("failed to list deliveries: %w", err)
			}
			attempts = append(attempts, page.Attempts...)
			next = page.NextToken
			if !all || next == "" {
				break
			}
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), store.AttemptPage{Attempts: attempts, NextToken: next})
			return nil
		}
		out := cmd.OutOrStdout()
		if len(attempts) == 0 {
			fmt.Fprintln(out, "No delivery attempts found")
			return nil
		}
		for _, a := range attempts {
			fmt.Fprintf(out, "%s  %-9s attempt=%d event=%s type=%s", a.ID, a.Status, a.AttemptNumber, a.EventID, a.EventType)
			if a.HTTPStatus != nil {
				fmt.Fprintf(out, " http=%d", *a.HTTPStatus)
			}
			if a.Reason != "" {
				fmt.Fprintf(out, " reason=%s", a.Reason)
			}
			if a.ReplayOf != "" {
				fmt.Fprintf(out, " replay_of=%s", a.ReplayOf)
			}
			fmt.Fprintf(out, " at=%s\n", formatTime(&a.CreatedAt))
		}
		if next != "" {
			fmt.Fprintf(out, "\nNext page: --page-token %s\n", next)
		}
		return nil
	},
}

var retryDeliveryCmd = &cobra.Command{
	Use:   "retry [delivery-id]",
	Short: "Replay a delivery as a new attempt chain",
	Long: `Replay a delivery. The original attempt is left untouched and a new
chain is started that links back to it.

Example:
  relayctl delivery retry 3f0c2d0e-...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var resp delivery.Attempt
		if err := newClient().do(ctx, http.MethodPost, "/v1/deliveries/"+url.PathEscape(args[0])+"/retry", nil, &resp); err != nil {
			return fmt.Errorf("failed to retry delivery: %w", err)
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), resp)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Replay queued: %s\n", resp.ID)
		fmt.Fprintf(cmd.OutOrStdout(), "  Chain: %s\n", resp.ChainID)
		fmt.Fprintf(cmd.OutOrStdout(), "  Replay of: %s\n", resp.ReplayOf)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(listDeliveriesCmd)
	deliveryCmd.AddCommand(retryDeliveryCmd)

	listDeliveriesCmd.Flags().Int("limit", 0, "page size (server default when 0)")
	listDeliveriesCmd.Flags().String("page-token", "", "continue from a previous page")
	listDeliveriesCmd.Flags().Bool("all", false, "follow page tokens until the end")
}
