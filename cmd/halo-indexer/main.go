package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"halo-indexer/halo/config"
)

const programName = "halo-indexer"

var (
	globalFlags = struct {
		debug bool
	}{}
	configFile string
)

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if globalFlags.debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger = logger.Named(programName)
	if _, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof)); err != nil {
		logger.Warn("maxprocs", zap.Error(err))
	}
	return logger, nil
}

// loadConfig stores the loaded config on the command context.
func loadConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	cmd.SetContext(config.WithContext(cmd.Context(), cfg))
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.FromContext(cmd.Context())
	if cfg == nil {
		return fmt.Errorf("no config found in context")
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	return serve(cmd.Context(), cfg, logger)
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Short:   "Run the indexer HTTP API and background workers",
		PreRunE: loadConfig,
		RunE:    runServe,
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          programName,
		Short:        "Halo post indexer",
		SilenceUsage: true,
		PreRunE:      loadConfig,
		RunE:         runServe,
	}
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to YAML config file")

	rootCmd.AddCommand(
		serveCommand(),
		genKeyCommand(),
		signPostCommand(),
		checkCharterCommand(),
		discoverCommand(),
	)
	return rootCmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
