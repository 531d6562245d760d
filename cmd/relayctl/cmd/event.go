package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// eventCmd represents the event command
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Publish domain events",
	Long:  `Publish domain events for fan-out to the tenant's subscribed endpoints.`,
}

var publishCmd = &cobra.Command{
	Use:   "publish [event-type] [payload-json]",
	Short: "Publish an event",
	Long: `Publish an event with a JSON payload for the token's tenant.

Example:
  relayctl event publish deal.updated '{"id":"deal_789","stage":"won"}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := parseJSON(args[1])
		if err != nil {
			return fmt.Errorf("invalid payload JSON: %w", err)
		}
		eventID, _ := cmd.Flags().GetString("event-id")

		ctx, cancel := requestContext()
		defer cancel()

		var resp struct {
			EventID string `json:"event_id"`
		}
		err = newClient().do(ctx, http.MethodPost, "/v1/events", map[string]any{
			"event_id":   eventID,
			"event_type": args[0],
			"payload":    payload,
		}, &resp)
		if err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), resp)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Published event: %s\n", resp.EventID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(publishCmd)

	publishCmd.Flags().String("event-id", "", "event id (generated when empty)")
}
