package main

import (
	"log/slog"
	"os"

	"github.com/alejandrodnm/criptex/config"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	verbose    bool
	logFormat  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("criptex exited with error", "err", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "criptex",
		Short:         "Crypto prediction lifecycle and credit ledger engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "config.yaml", "path to config file")
	root.PersistentFlags().BoolVar(&flags.verbose, "verbose", false, "set log level to debug")
	root.PersistentFlags().StringVar(&flags.logFormat, "format", "", "log format: text|json (overrides config)")

	root.AddCommand(newServeCmd(flags), newReportCmd(flags))
	return root
}

// loadConfig carga la config y deja el logger listo.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.verbose {
		cfg.Log.Level = "debug"
	}
	if flags.logFormat != "" {
		cfg.Log.Format = flags.logFormat
	}
	setupLogger(cfg.Log)
	return cfg, nil
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
