package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	lexedge "github.com/Lexedgeai26/lexedge-open-agents-sub000"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/internal/config"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/internal/logging"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "lexedge",
	Short:         "LexEdge relays conversational turns between clients and a language model",
	Long:          `LexEdge binds each real-time connection to a persistent session and delivers exactly one result per turn.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (text, json)")
}

// loadConfig reads the configuration and applies the persistent flags on top.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.Log.Format = v
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.New(level, logging.Format(cfg.Log.Format)), nil
}

// openApp builds the application for one-shot commands.
func openApp(cmd *cobra.Command) (*lexedge.App, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return lexedge.New(cfg, lexedge.WithLogger(logger))
}
