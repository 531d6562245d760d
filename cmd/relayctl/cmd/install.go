package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/api"
)

// installCmd represents the install command
var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Manage installs that send signed inbound commands",
}

var createInstallCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Register an install and print its signing secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var resp api.InstallWithSecret
		if err := newClient().do(ctx, http.MethodPost, "/v1/installs", map[string]any{"name": args[0]}, &resp); err != nil {
			return fmt.Errorf("failed to create install: %w", err)
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), resp)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created install: %s\n", resp.Install.ID)
		fmt.Fprintf(cmd.OutOrStdout(), "  Tenant ID: %s\n", resp.Install.TenantID)
		fmt.Fprintf(cmd.OutOrStdout(), "  Secret: %s (shown once)\n", resp.Secret)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
	installCmd.AddCommand(createInstallCmd)
}
