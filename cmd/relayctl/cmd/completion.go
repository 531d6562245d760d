package cmd

import (
	"strings"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate a shell completion script for relayctl",
	Long: `Generate a completion script for relayctl.

Besides subcommands and flags, the script completes the keys and values
accepted by "relayctl config set" (server, timeout, json, pretty, token).

Bash:

  $ source <(relayctl completion bash)

Zsh:

  $ relayctl completion zsh > "${fpath[1]}/_relayctl"

fish:

  $ relayctl completion fish | source

PowerShell:

  PS> relayctl completion powershell | Out-String | Invoke-Expression
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletionV2(out, true)
		case "zsh":
			return cmd.Root().GenZshCompletion(out)
		case "fish":
			return cmd.Root().GenFishCompletion(out, true)
		default:
			return cmd.Root().GenPowerShellCompletionWithDesc(out)
		}
	},
}

// configKeys are the keys "config set" accepts, with a completion hint.
var configKeys = []string{
	"server\tbase URL of the relay API",
	"timeout\trequest timeout, e.g. 30s",
	"json\tprint JSON instead of text",
	"pretty\tpretty-print JSON output",
	"token\tadmin bearer token",
}

// completeConfigSet completes the key of "config set", then its value when
// the key is a boolean or a duration.
func completeConfigSet(_ *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	switch len(args) {
	case 0:
		var out []string
		for _, k := range configKeys {
			if strings.HasPrefix(k, toComplete) {
				out = append(out, k)
			}
		}
		return out, cobra.ShellCompDirectiveNoFileComp
	case 1:
		switch args[0] {
		case "json", "pretty":
			return []string{"true", "false"}, cobra.ShellCompDirectiveNoFileComp
		case "timeout":
			return []string{"10s", "30s", "60s"}, cobra.ShellCompDirectiveNoFileComp
		}
	}
	return nil, cobra.ShellCompDirectiveNoFileComp
}

func init() {
	configSetCmd.ValidArgsFunction = completeConfigSet
	rootCmd.AddCommand(completionCmd)
}
