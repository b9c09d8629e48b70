package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/braianuc/p3facereco/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Options holds per-command flags for run and classify
type Options struct {
	InputPath    string
	InputFormat  string
	Raw          bool
	Width        int
	Height       int
	FrontCamera  bool
	OutputPath   string
	OutputFormat string
	FilterMode   string
	Detector     string
	SaveCrops    bool
}

var (
	// Cfg is the merged configuration shared by subcommands
	Cfg *config.Config
	// Logger is the structured logger shared by subcommands
	Logger *zap.Logger

	cfgPath   string
	envFile   string
	logLevel  string
	logFormat string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "p3facereco",
	Short:   "Real-time face recognition over camera and video streams",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath, envFile)
		if err != nil {
			return err
		}
		// Flags win over file and environment
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level = logLevel
		}
		if cmd.Flags().Changed("log-format") {
			cfg.Log.Format = logFormat
		}

		logger, err := config.NewLogger(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		Cfg, Logger = cfg, logger
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if Logger != nil {
			_ = Logger.Sync()
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional .env file with P3FR_* overrides")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format: console, json")
}
