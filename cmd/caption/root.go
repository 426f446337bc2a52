package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teslashibe/go-caption/internal/config"
	"github.com/teslashibe/go-caption/internal/log"
)

// Version is the application version.
const Version = "0.1.0"

var (
	// v collects defaults, the config file, env and bound flags.
	v = viper.New()

	// cfg is loaded before any subcommand runs.
	cfg *config.Config

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:           "caption",
	Short:         "Camera frame capture and caption relay",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.LoadWith(v, cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		log.Init(cfg.Log.Level, cfg.Log.Format)
		log.Debug("config loaded", "file", v.ConfigFileUsed(), "inference", cfg.Inference.URL)
		log.Info("starting", "command", cmd.Name(), "version", Version)
		return nil
	},
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command
// context, which every subcommand treats as the shutdown signal.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "YAML config file")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("inference-url", "", "inference service base URL")

	v.BindPFlag("log.level", flags.Lookup("log-level"))
	v.BindPFlag("inference.url", flags.Lookup("inference-url"))
}
