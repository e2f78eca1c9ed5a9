package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/otherjamesbrown/orphanage/internal/client"
)

var (
	outputFormat    string
	configFlag      string
	uriFlag         string
	shardsFlag      string
	verboseFlag     bool
	metricsAddrFlag string
	allowUnauthFlag bool
	comparisonFlag  string
	orphanageClient *client.Client
)

var logger = zap.NewNop()

var Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "orphanage",
	Short: "Find and remove orphaned documents in sharded MongoDB clusters",
	Long: `orphanage finds documents left on shards that do not own their chunk
range (residue of interrupted or completed migrations) and removes them in
fenced batches.

COMMANDS:
  status                  Router, version, comparison mode and balancer state
  init                    Create .orphanage.yaml in current directory
  version                 CLI version

  shards                  List shards
  namespaces              List sharded collections
  chunks <ns>             List the chunks of a collection
  scan [ns...] | --all    Report orphans per namespace
  remove <ns>             Scan, confirm and remove orphans
  journal [run-id]        Show journaled delete batches

The balancer must be stopped (sh.stopBalancer()) before scan and remove.

CONFIGURATION:
  Precedence: env vars > .orphanage.yaml > ~/.orphanage/config.yaml > defaults

  Environment variables:
    ORPHANAGE_URI           mongos connection string (default: mongodb://localhost:27017)
    ORPHANAGE_USER          Global username (router and shard fallback)
    ORPHANAGE_PASSWORD      Global password
    ORPHANAGE_AUTH_SOURCE   Global auth database (default: admin)
    ORPHANAGE_SHARDS        Comma separated shard ids to restrict to
    ORPHANAGE_JOURNAL_DSN   PostgreSQL DSN for the removal journal

EXAMPLES:
  orphanage status
  orphanage scan test.orders
  orphanage --output json scan --all
  orphanage remove test.orders --delay 1s`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verboseFlag {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		built, err := config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = built

		switch outputFormat {
		case "text", "json", "yaml":
		default:
			return fmt.Errorf("unknown output format %q (text|json|yaml)", outputFormat)
		}

		// Skip config loading for commands that don't need it
		if cmd.Name() == "version" || cmd.Name() == "init" {
			return nil
		}

		cfg, err := client.LoadConfig(configFlag)
		if err != nil {
			return err
		}

		// Apply flag overrides
		if uriFlag != "" {
			cfg.URI = uriFlag
		}
		if shardsFlag != "" {
			cfg.Shards.Active = client.SplitList(shardsFlag)
		}
		if allowUnauthFlag {
			cfg.Shards.AllowUnauthenticated = true
		}
		if metricsAddrFlag != "" {
			cfg.Metrics.Addr = metricsAddrFlag
		}
		if comparisonFlag != "" {
			cfg.Comparison = comparisonFlag
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		orphanageClient = client.NewClient(cfg, logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "orphanage version %s\n", Version)
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "Output format (text|json|yaml)")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Override config file path")
	rootCmd.PersistentFlags().StringVar(&uriFlag, "uri", "", "mongos connection string")
	rootCmd.PersistentFlags().StringVar(&shardsFlag, "shards", "", "Comma separated shard ids to restrict to")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&metricsAddrFlag, "metrics-addr", "", "Serve Prometheus metrics on this address during the run")
	rootCmd.PersistentFlags().BoolVar(&allowUnauthFlag, "allow-unauthenticated", false, "Connect to shards without credentials when none are accepted")
	rootCmd.PersistentFlags().StringVar(&comparisonFlag, "comparison", "", "Range comparison mode (auto|exact|approximate)")

	rootCmd.AddCommand(versionCmd)
}
