package cmd

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/health"
)

var (
	// These will be set by ldflags during build
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

type versionInfo struct {
	Version   string         `json:"version"`
	GitCommit string         `json:"gitCommit"`
	BuildTime string         `json:"buildTime"`
	GoVersion string         `json:"goVersion"`
	Platform  string         `json:"platform"`
	Server    string         `json:"server,omitempty"`
	Relay     *health.Status `json:"relay,omitempty"`
	RelayErr  string         `json:"relayError,omitempty"`
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print relayctl build information",
	Long: `Print relayctl build information. With --check, also report whether the
configured relay answers /healthz and which backends it reaches.`,
	Run: func(cmd *cobra.Command, args []string) {
		info := versionInfo{
			Version:   Version,
			GitCommit: GitCommit,
			BuildTime: BuildTime,
			GoVersion: runtime.Version(),
			Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		}
		if check, _ := cmd.Flags().GetBool("check"); check {
			info.Server = serverURL
			var st health.Status
			ctx, cancel := requestContext()
			defer cancel()
			if err := newClient().do(ctx, http.MethodGet, "/healthz", nil, &st); err != nil {
				info.RelayErr = err.Error()
			} else {
				info.Relay = &st
			}
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, info)
			return
		}
		fmt.Fprintf(out, "relayctl version %s\n", info.Version)
		fmt.Fprintf(out, "Git commit: %s\n", info.GitCommit)
		fmt.Fprintf(out, "Built: %s\n", info.BuildTime)
		fmt.Fprintf(out, "Go version: %s\n", info.GoVersion)
		fmt.Fprintf(out, "OS/Arch: %s\n", info.Platform)
		switch {
		case info.RelayErr != "":
			fmt.Fprintf(out, "Relay %s: unreachable (%s)\n", info.Server, info.RelayErr)
		case info.Relay != nil:
			fmt.Fprintf(out, "Relay %s: ok=%t%s%s\n", info.Server, info.Relay.OK,
				backendState(" database", info.Relay.Database), backendState(" redis", info.Relay.Redis))
		}
	},
}

func backendState(name string, ok *bool) string {
	if ok == nil {
		return ""
	}
	return fmt.Sprintf("%s=%t", name, *ok)
}

func init() {
	versionCmd.Flags().Bool("check", false, "also query the relay's health endpoint")
	rootCmd.AddCommand(versionCmd)
}
