package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/inbound"
	"github.com/austindbirch/harbor_relay/internal/signing"
)

// readBody returns the literal argument, or the file named by --file, or
// stdin when the argument is "-".
func readBody(cmd *cobra.Command, args []string) ([]byte, error) {
	if file, _ := cmd.Flags().GetString("file"); file != "" {
		return os.ReadFile(file)
	}
	if len(args) == 0 {
		return []byte("{}"), nil
	}
	if args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return []byte(args[0]), nil
}

// signCmd prints the headers an install must send with a command body.
var signCmd = &cobra.Command{
	Use:   "sign [body]",
	Short: "Compute signature headers for a request body",
	Long: `Compute the X-HarborRelay-Signature and X-HarborRelay-Timestamp headers
for a body, using an install or endpoint secret.

Example:
  relayctl sign '{"event_type":"deal.updated"}' --secret whsec_...
  relayctl sign --file body.json --secret whsec_... --timestamp 1700000000`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		if secret == "" {
			return fmt.Errorf("--secret is required")
		}
		body, err := readBody(cmd, args)
		if err != nil {
			return fmt.Errorf("failed to read body: %w", err)
		}
		ts, _ := cmd.Flags().GetInt64("timestamp")
		if ts == 0 {
			ts = time.Now().Unix()
		}

		headers := map[string]string{
			signing.SignatureHeader: signing.Sign(secret, ts, body),
			signing.TimestampHeader: strconv.FormatInt(ts, 10),
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), headers)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", signing.SignatureHeader, headers[signing.SignatureHeader])
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", signing.TimestampHeader, headers[signing.TimestampHeader])
		return nil
	},
}

// commandCmd sends a signed inbound command, acting as an install.
var commandCmd = &cobra.Command{
	Use:   "command [install-id] [name] [body]",
	Short: "Send a signed inbound command",
	Long: `Sign a body with the install secret and POST it to /v1/commands/:name.
Sending the same --idempotency-key again replays the recorded outcome.

Example:
  relayctl command inst_123 ping --secret whsec_... --idempotency-key k1
  relayctl command inst_123 events.publish '{"event_type":"deal.updated","payload":{"id":1}}' --secret whsec_...`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		if secret == "" {
			return fmt.Errorf("--secret is required")
		}
		key, _ := cmd.Flags().GetString("idempotency-key")
		if key == "" {
			key = strconv.FormatInt(time.Now().UnixNano(), 36)
		}
		body, err := readBody(cmd, args[2:])
		if err != nil {
			return fmt.Errorf("failed to read body: %w", err)
		}

		sig, ts := signing.NewSigner().Headers(secret, body)
		c := newClient()
		c.token = ""
		c.headers = http.Header{}
		c.headers.Set(inbound.InstallIDHeader, args[0])
		c.headers.Set(inbound.IdempotencyKeyHeader, key)
		c.headers.Set(signing.SignatureHeader, sig)
		c.headers.Set(signing.TimestampHeader, ts)

		ctx, cancel := requestContext()
		defer cancel()

		var res inbound.Result
		err = c.do(ctx, http.MethodPost, "/v1/commands/"+url.PathEscape(args[1]), body, &res)
		var apiErr *APIError
		if errors.As(err, &apiErr) && json.Unmarshal(apiErr.Body, &res) == nil && res.Status != "" {
			// the relay answered with a recorded outcome, not a transport error
			err = nil
		}
		if err != nil {
			return fmt.Errorf("command failed: %w", err)
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), res)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Status: %s (idempotency key %s)\n", res.Status, key)
		if res.Replayed {
			fmt.Fprintln(cmd.OutOrStdout(), "  Replayed from command log")
		}
		if len(res.Output) > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "  Result: %s\n", res.Output)
		}
		if res.Error != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "  Error: %s\n", res.Error)
		}
		if res.Status != delivery.CommandExecuted {
			return fmt.Errorf("command not executed: %s", res.Status)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(commandCmd)

	for _, c := range []*cobra.Command{signCmd, commandCmd} {
		c.Flags().String("secret", "", "signing secret")
		c.Flags().String("file", "", "read the body from a file")
	}
	signCmd.Flags().Int64("timestamp", 0, "unix timestamp to sign with (now when 0)")
	commandCmd.Flags().String("idempotency-key", "", "idempotency key (random when empty)")
}
