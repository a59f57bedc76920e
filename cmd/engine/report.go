package main

import (
	"context"
	"fmt"
	"time"

	"github.com/alejandrodnm/criptex/internal/adapters/notify"
	"github.com/alejandrodnm/criptex/internal/adapters/storage"
	"github.com/alejandrodnm/criptex/internal/domain"
	"github.com/alejandrodnm/criptex/internal/ports"
	"github.com/spf13/cobra"
)

func newReportCmd(flags *rootFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print prediction statistics and the most recent predictions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			store, err := storage.New(cfg.Storage.Driver, cfg.Storage.DSN)
			if err != nil {
				return fmt.Errorf("storage: %w", err)
			}
			defer store.Close()

			r, err := buildReport(cmd.Context(), store, limit, time.Now())
			if err != nil {
				return err
			}
			notify.NewConsoleWriter(cmd.OutOrStdout()).PrintReport(r)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "recent predictions to list")
	return cmd
}

// buildReport junta las estadísticas del sistema y de los dueños que
// aparecen entre las predicciones recientes.
func buildReport(ctx context.Context, store ports.PredictionStore, limit int, now time.Time) (notify.Report, error) {
	r := notify.Report{GeneratedAt: now}

	system, err := store.PredictionStats(ctx, domain.SystemOwner)
	if err != nil {
		return r, fmt.Errorf("report: system stats: %w", err)
	}
	r.System = system

	active, err := store.ListActiveByExpiry(ctx, time.Time{}, 0)
	if err != nil {
		return r, fmt.Errorf("report: active: %w", err)
	}
	r.QueueDepth = len(active)

	recent, err := store.ListPredictions(ctx, ports.PredictionFilter{Limit: limit})
	if err != nil {
		return r, fmt.Errorf("report: recent: %w", err)
	}
	r.Recent = recent

	seen := map[string]bool{domain.SystemOwner: true}
	for _, p := range recent {
		if seen[p.OwnerID] {
			continue
		}
		seen[p.OwnerID] = true
		st, err := store.PredictionStats(ctx, p.OwnerID)
		if err != nil {
			return r, fmt.Errorf("report: stats %s: %w", p.OwnerID, err)
		}
		r.Users = append(r.Users, st)
	}
	return r, nil
}
