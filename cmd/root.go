package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/calvadev/nostrpow/internal/application"
	"github.com/calvadev/nostrpow/internal/config"
	"github.com/calvadev/nostrpow/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var (
	cfgFile string         // Path to custom config file (optional)
	cfg     *config.Config // Global reference to loaded configuration
)

// rootCmd defines the main CLI command for nostrpow
var rootCmd = &cobra.Command{
	Use:   "nostrpow",
	Short: "nostrpow aggregates Nostr notes from many relays and ranks them by work",
	Long: `nostrpow connects to a set of Nostr relays, collects text notes, scores each
by the leading zeros of its id and serves the ranked feed over websocket and HTTP.`,
	Example: `
  nostrpow start --relay wss://relay.damus.io --relay wss://nos.lol
  nostrpow start --listen :8080 --log-level debug --metrics-port 9090
  nostrpow start --config /path/to/config.yaml`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for version command
		if cmd.Name() == "version" {
			return nil
		}

		if cfgFile != "" {
			absPath, err := filepath.Abs(cfgFile)
			if err != nil {
				return fmt.Errorf("resolve config path: %w", err)
			}
			cfgFile = absPath
		}

		var err error
		cfg, err = config.Load(cfgFile, nil)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		if err := applyFlagOverrides(cfg, cmd.Flags()); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return cfg.InitLogger()
	},
	Run: func(cmd *cobra.Command, args []string) {
		// Default behavior: show help when no subcommand is provided
		if err := cmd.Help(); err != nil {
			fmt.Fprintf(os.Stderr, "Error displaying help: %v\n", err)
		}
	},
}

// applyFlagOverrides copies explicitly set flags over the loaded config.
func applyFlagOverrides(c *config.Config, flags *pflag.FlagSet) error {
	var err error
	if flags.Changed("listen") {
		if c.Server.ListenAddr, err = flags.GetString("listen"); err != nil {
			return err
		}
	}
	if flags.Changed("log-level") {
		if c.Logging.Level, err = flags.GetString("log-level"); err != nil {
			return err
		}
	}
	if flags.Changed("log-format") {
		if c.Logging.Format, err = flags.GetString("log-format"); err != nil {
			return err
		}
	}
	if flags.Changed("log-file") {
		if c.Logging.FilePath, err = flags.GetString("log-file"); err != nil {
			return err
		}
	}
	if flags.Changed("metrics-port") {
		if c.Metrics.Port, err = flags.GetInt("metrics-port"); err != nil {
			return err
		}
	}
	if flags.Changed("relay") {
		if c.Feed.DefaultRelays, err = flags.GetStringArray("relay"); err != nil {
			return err
		}
	}
	return nil
}

// Execute runs the root command with the provided context
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	logger.Info("Starting nostrpow...",
		zap.String("listen", cfg.Server.ListenAddr),
		zap.Strings("relays", cfg.Feed.DefaultRelays))

	app, err := application.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize node: %w", err)
	}
	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("start node: %w", err)
	}
	logger.Info("nostrpow started successfully", zap.String("address", app.Addr().String()))

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
	case err = <-app.Errors():
	}

	clients := app.GetConnectionCount()
	app.Shutdown()
	logger.Info("nostrpow stopped",
		zap.Int("clients_at_shutdown", clients),
		zap.Duration("uptime", time.Since(app.GetStartTime())))
	_ = logger.Shutdown()
	return err
}

// init is automatically called before main(), sets up flags
func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "Path to custom config file (optional)")
	flags.String("listen", "", "HTTP listen address, e.g. :5000")
	flags.String("log-level", "", "Logging level (debug, info, warn, error, fatal)")
	flags.String("log-format", "", "Log output format (console or json)")
	flags.String("log-file", "", "Path to the log file")
	flags.Int("metrics-port", 0, "Port for Prometheus metrics server")
	flags.StringArray("relay", nil, "Upstream relay url; repeat to add several (replaces configured defaults)")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the aggregator",
		Long:  "Connect to the configured relays and serve the ranked feed until interrupted",
		RunE:  runStart,
	})
}
