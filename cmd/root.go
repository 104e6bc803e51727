package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/markb/rentrt/internal/log"
)

// Version information set via ldflags at build time
var (
	Version   = "dev"
	BuildTime = ""
	GitCommit = ""
)

var rootCmd = &cobra.Command{
	Use:     "rentrt",
	Short:   "rentrt - real-time connections and notifications for the rental platform",
	Long:    `Runs the real-time client subsystem and a reference server for its websocket and notification endpoints.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return log.Init(buildLogConfig(cmd))
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		log.Close()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.SetVersionTemplate("rentrt version {{.Version}}\n")

	pf := rootCmd.PersistentFlags()
	pf.String("log-mode", "", "Log output: console or file (env RENTRT_LOG_MODE)")
	pf.String("log-level", "", "Log level: debug, info, warn, error (env RENTRT_LOG_LEVEL)")
	pf.String("log-format", "", "Log format: auto, text, json (env RENTRT_LOG_FORMAT)")
	pf.String("log-file", "", "Log file path for file mode (env RENTRT_LOG_FILE)")
	pf.String("otel-exporter", "", "Telemetry exporter: none, stdout, otlp (env RENTRT_OTEL_EXPORTER)")
	pf.String("otel-endpoint", "", "OTLP gRPC endpoint (env RENTRT_OTEL_ENDPOINT)")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
