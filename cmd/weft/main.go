package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/weftworks/weft/pkg/config"
	"github.com/weftworks/weft/pkg/engine"
	"github.com/weftworks/weft/pkg/log"
	"github.com/weftworks/weft/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "weft",
	Short: "Weft - Scientific workflow orchestrator",
	Long: `Weft schedules scientific computing workflows: DAGs of simulation
and analysis nodes, expanded into tasks and dispatched across remote
compute queues through their cluster agents.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Weft version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Weft version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the orchestrator",
	Long: `Run the orchestrator: the status bus, the flow/node/task schedulers,
the file staging pipeline and the agent gateway, over the configured
entity store and lease store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
		logger := log.WithComponent("main")
		logger.Info().Str("version", Version).Str("data_dir", cfg.Storage.DataDir).Msg("Starting weft")

		eng, err := engine.Open(cfg)
		if err != nil {
			return fmt.Errorf("failed to open engine: %w", err)
		}
		eng.Start()

		errCh := make(chan error, 1)
		if cfg.Server.MetricsAddr != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				logger.Info().Str("addr", cfg.Server.MetricsAddr).Msg("Serving metrics")
				if err := http.ListenAndServe(cfg.Server.MetricsAddr, mux); err != nil {
					errCh <- fmt.Errorf("metrics server error: %w", err)
				}
			}()
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("Shutting down")
		}

		if err := eng.Shutdown(); err != nil {
			return fmt.Errorf("failed to shut down: %w", err)
		}
		logger.Info().Msg("Shutdown complete")
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configCheckCmd = &cobra.Command{
	Use:   "check FILE",
	Short: "Validate a configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.Load(args[0]); err != nil {
			return err
		}
		fmt.Printf("%s: ok\n", args[0])
		return nil
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to the YAML configuration file")
	configCmd.AddCommand(configCheckCmd)
}
