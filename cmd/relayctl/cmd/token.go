package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/auth"
)

// tokenCmd mints admin JWTs from the RSA key whose public half relayd trusts.
var tokenCmd = &cobra.Command{
	Use:   "token [tenant-id]",
	Short: "Issue an admin JWT for a tenant",
	Long: `Issue an RS256 admin token carrying the tenant_id claim. relayd must be
configured with the matching public key (HARBOR_RELAY_AUTH_PUBLIC_KEY_PEM).

Example:
  export RELAYCTL_TOKEN=$(relayctl token tn_123 --private-key relay.pem)`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyFile, _ := cmd.Flags().GetString("private-key")
		issuer, _ := cmd.Flags().GetString("issuer")
		audience, _ := cmd.Flags().GetString("audience")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		printPublic, _ := cmd.Flags().GetBool("print-public-key")

		pemBytes, err := os.ReadFile(keyFile)
		if err != nil {
			return fmt.Errorf("failed to read private key: %w", err)
		}
		iss, err := auth.NewIssuer(string(pemBytes), issuer, audience)
		if err != nil {
			return err
		}

		if printPublic {
			pub, err := iss.PublicKeyPEM()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), pub)
			return nil
		}

		tok, err := iss.Issue(args[0], ttl)
		if err != nil {
			return fmt.Errorf("failed to issue token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().String("private-key", "relay.pem", "PEM-encoded RSA private key (PKCS1 or PKCS8)")
	tokenCmd.Flags().String("issuer", "harborrelay", "iss claim")
	tokenCmd.Flags().String("audience", "harborrelay-admin", "aud claim")
	tokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	tokenCmd.Flags().Bool("print-public-key", false, "print the public key PEM instead of a token")
}
