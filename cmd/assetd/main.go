// Command assetd decomposes PDFs into addressable assets and serves them
// over HTTP.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	assetaware "github.com/u9401066/asset-aware-mcp"
)

type globalFlags struct {
	configPath string
	dataDir    string
	logLevel   string
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "assetd",
		Short:         "Decompose PDFs into sections, tables and figures",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(g.logLevel)
		},
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "path to config file (TOML)")
	root.PersistentFlags().StringVar(&g.dataDir, "data-dir", "", "asset data directory (overrides config)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level: debug|info|warn|error")

	root.AddCommand(serveCmd(g))
	root.AddCommand(decomposeCmd(g))
	return root
}

// setupLogging installs structured JSON logging on stderr.
func setupLogging(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: lvl,
	})))
	return nil
}

// loadConfig resolves configuration: defaults, then the config file, then
// ASSETAWARE_* environment variables, then flags.
func loadConfig(g *globalFlags) (assetaware.Config, error) {
	cfg := assetaware.DefaultConfig()
	if g.configPath != "" {
		var err error
		if cfg, err = assetaware.LoadConfig(g.configPath); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if g.dataDir != "" {
		cfg.DataDir = g.dataDir
	}
	return cfg, cfg.Validate()
}
