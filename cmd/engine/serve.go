package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/alejandrodnm/criptex/config"
	"github.com/alejandrodnm/criptex/internal/adapters/httpapi"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var noGenerator bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the expiry scheduler and the auto-prediction generator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg, !noGenerator && cfg.GeneratorEnabled())
		},
	}
	cmd.Flags().BoolVar(&noGenerator, "no-generator", false, "do not run the automatic generator")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, withGenerator bool) error {
	slog.Info("criptex starting",
		"storage", cfg.Storage.Driver,
		"http", cfg.HTTP.Addr,
		"generator", withGenerator,
		"payout_multiplier", cfg.Engine.PayoutMultiplier,
	)

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	api := httpapi.New(httpapi.Config{
		Addr:           cfg.HTTP.Addr,
		GatewayToken:   cfg.HTTP.GatewayToken,
		RequestTimeout: config.Seconds(cfg.HTTP.RequestTimeoutSeconds),
	}, a.predictions, a.ledger, a.referrals, a.generator, a.metrics.Handler())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error { return api.Run(gctx) })
	if withGenerator {
		g.Go(func() error { return a.generator.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("criptex stopped cleanly")
	return nil
}
