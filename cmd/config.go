// cmd/config.go
package cmd

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/markb/rentrt/internal/log"
	"github.com/markb/rentrt/internal/observability"
)

const devJWTSecret = "rentrt-dev-secret-please-change-in-production"

// Every builder below follows the same priority: CLI flags > environment
// variables > defaults.

func buildLogConfig(cmd *cobra.Command) *log.Config {
	cfg := log.DefaultConfig()

	if v := os.Getenv("RENTRT_LOG_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv("RENTRT_LOG_LEVEL"); v != "" {
		cfg.Level = v
	}
	if v := os.Getenv("RENTRT_LOG_FORMAT"); v != "" {
		cfg.Format = v
	}
	if v := os.Getenv("RENTRT_LOG_FILE"); v != "" {
		cfg.FilePath = v
	}

	if v, _ := cmd.Flags().GetString("log-mode"); v != "" {
		cfg.Mode = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.Format = v
	}
	if v, _ := cmd.Flags().GetString("log-file"); v != "" {
		cfg.FilePath = v
	}
	return cfg
}

func buildTelemetryConfig(cmd *cobra.Command) *observability.Config {
	cfg := observability.NewConfig()

	if v := os.Getenv("RENTRT_OTEL_EXPORTER"); v != "" {
		cfg.Exporter = v
	}
	if v := os.Getenv("RENTRT_OTEL_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v, _ := cmd.Flags().GetString("otel-exporter"); v != "" {
		cfg.Exporter = v
	}
	if v, _ := cmd.Flags().GetString("otel-endpoint"); v != "" {
		cfg.Endpoint = v
	}

	if cfg.Exporter != "none" {
		cfg.MetricsEnabled = true
		cfg.TracesEnabled = true
	}
	return cfg
}

// jwtSecret reads RENTRT_JWT_SECRET, falling back to a development secret
// with a warning.
func jwtSecret() string {
	if s := os.Getenv("RENTRT_JWT_SECRET"); s != "" {
		return s
	}
	fmt.Fprintln(os.Stderr, "Warning: Using default JWT secret. Set RENTRT_JWT_SECRET in production.")
	return devJWTSecret
}

// stringSetting returns the flag value if set, then the env value, then def.
func stringSetting(cmd *cobra.Command, flag, env, def string) string {
	if v, _ := cmd.Flags().GetString(flag); v != "" {
		return v
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

func durationSetting(cmd *cobra.Command, flag, env string, def time.Duration) (time.Duration, error) {
	if cmd.Flags().Changed(flag) {
		return cmd.Flags().GetDuration(flag)
	}
	if v := os.Getenv(env); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", env, err)
		}
		return d, nil
	}
	return def, nil
}

func intSetting(cmd *cobra.Command, flag, env string, def int) (int, error) {
	if cmd.Flags().Changed(flag) {
		return cmd.Flags().GetInt(flag)
	}
	if v := os.Getenv(env); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", env, err)
		}
		return n, nil
	}
	return def, nil
}
