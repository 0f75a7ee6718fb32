// Package cli provides the certledger CLI commands.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mkoval/certledger/internal/config"
	"github.com/mkoval/certledger/internal/ledger"
)

var version = "dev"
var commit = "none"
var date = "unknown"

// SetBuildInfo sets the version info (called from main).
func SetBuildInfo(v, c, d string) {
	version = v
	commit = c
	date = d
}

const defaultConfigPath = "/etc/certledger/config.yaml"

var rootCmd = &cobra.Command{
	Use:   "certledger",
	Short: "Developer certificate lifecycle on an issue-tracker ledger",
	Long: `certledger issues, resolves and revokes developer certificates using a
GitHub issue tracker as its append-only ledger.

Closed, approved issues are the system's only persistent store: every
certificate and revocation is a comment on an issue, and all state is
re-derived from the thread history on demand.`,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return setupLogging(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().String("otel-endpoint", "", "OTLP gRPC endpoint for tracing (e.g. localhost:4317)")
}

func setupLogging(cmd *cobra.Command) error {
	levelStr, _ := cmd.Flags().GetString("log-level")   //nolint:errcheck // flag registered above
	formatStr, _ := cmd.Flags().GetString("log-format") //nolint:errcheck // flag registered above

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch formatStr {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// loadConfig reads the config named by the command's --config flag. The
// default path may be absent; any other missing path is an error.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfgPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	cfg := config.Defaults()
	loaded := false
	if cfgPath != "" {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return nil, fmt.Errorf("loading config: %w", err)
			}
			loaded = true
		} else if cfgPath != defaultConfigPath {
			return nil, fmt.Errorf("config file not found: %s", cfgPath)
		}
	}

	// --owner/--repo allow running without a config file.
	if f := cmd.Flags().Lookup("owner"); f != nil && f.Value.String() != "" {
		cfg.Ledger.Owner = f.Value.String()
	}
	if f := cmd.Flags().Lookup("repo"); f != nil && f.Value.String() != "" {
		cfg.Ledger.Repo = f.Value.String()
	}

	if !loaded {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}
	return cfg, nil
}

// newLedger builds the GitHub-backed ledger service from config and the
// token environment variable.
func newLedger(cfg *config.Config) (*ledger.GitHub, error) {
	token := config.Token()
	if token == "" {
		return nil, fmt.Errorf("CERTLEDGER_GITHUB_TOKEN is not set")
	}
	return ledger.NewGitHub(cfg, token), nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
