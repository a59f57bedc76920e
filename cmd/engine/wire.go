package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/criptex/config"
	"github.com/alejandrodnm/criptex/internal/adapters/coingecko"
	"github.com/alejandrodnm/criptex/internal/adapters/metrics"
	"github.com/alejandrodnm/criptex/internal/adapters/notify"
	"github.com/alejandrodnm/criptex/internal/adapters/quotecache"
	"github.com/alejandrodnm/criptex/internal/adapters/storage"
	"github.com/alejandrodnm/criptex/internal/adapters/technical"
	"github.com/alejandrodnm/criptex/internal/application/generator"
	"github.com/alejandrodnm/criptex/internal/application/ledger"
	"github.com/alejandrodnm/criptex/internal/application/predictions"
	"github.com/alejandrodnm/criptex/internal/application/referral"
	"github.com/alejandrodnm/criptex/internal/application/scheduler"
	"github.com/alejandrodnm/criptex/internal/application/settlement"
	"github.com/alejandrodnm/criptex/internal/ports"
	"github.com/jonboulle/clockwork"
)

// app es el grafo de componentes armado desde la config.
type app struct {
	store       *storage.SQLStorage
	metrics     *metrics.Prometheus
	ledger      *ledger.Ledger
	predictions *predictions.Service
	settlement  *settlement.Engine
	scheduler   *scheduler.Scheduler
	generator   *generator.Generator
	referrals   *referral.Engine

	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close failed", "err", err)
		}
	}
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}
	clock := clockwork.NewRealClock()

	store, err := storage.New(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	a.metrics = metrics.New(true)

	cg := coingecko.NewClient(coingecko.Config{
		BaseURL:         cfg.CoinGecko.BaseURL,
		APIKey:          cfg.CoinGecko.APIKey,
		APIKeyHeader:    cfg.CoinGecko.APIKeyHeader,
		Timeout:         config.Seconds(cfg.CoinGecko.TimeoutSeconds),
		RatePerMin:      cfg.CoinGecko.RatePerMinute,
		Symbols:         cfg.CoinGecko.Symbols,
		BreakerFailures: cfg.CoinGecko.BreakerFailures,
		BreakerTimeout:  config.Seconds(cfg.CoinGecko.BreakerTimeoutSeconds),
	})

	cache, err := buildCache(ctx, cfg, clock, a)
	if err != nil {
		a.Close()
		return nil, err
	}
	feed := quotecache.NewFeed(cg, cache)

	notifier, err := buildNotifier(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.ledger = ledger.New(ledger.Config{
		SignupBonus:   cfg.Engine.SignupBonus,
		DailyBonus:    cfg.Engine.DailyBonus,
		BonusCooldown: config.Seconds(cfg.Engine.BonusCooldownHours * 3600),
		Tiers:         cfg.Engine.ReferralTiers,
	}, store, clock, a.metrics)

	// La liquidación pide el precio directo al proveedor: la caché es para lecturas.
	a.settlement = settlement.New(settlement.Config{
		PayoutMultiplier: cfg.Engine.PayoutMultiplier,
		RefundOnNoData:   cfg.RefundOnNoData(),
	}, store, a.ledger, cg, notifier, clock, a.metrics)

	a.scheduler = scheduler.New(scheduler.Config{
		Workers:        cfg.Scheduler.Workers,
		ResyncInterval: config.Seconds(cfg.Scheduler.ResyncSeconds),
		MaxWaitFactor:  cfg.Scheduler.MaxWaitFactor,
		SettleTimeout:  config.Seconds(cfg.Scheduler.SettleTimeoutSeconds),
		RetryInitial:   config.Seconds(cfg.Scheduler.RetryInitialSeconds),
		RetryMax:       config.Seconds(cfg.Scheduler.RetryMaxSeconds),
	}, store, a.settlement, clock, a.metrics)

	scorer := technical.NewScorer(technical.Config{
		ConfidenceMin: cfg.Engine.ConfidenceMin,
		ConfidenceMax: cfg.Engine.ConfidenceMax,
	}, cg, feed)

	a.predictions = predictions.New(predictions.Config{
		BaseConfidence:   cfg.Engine.BaseConfidence,
		SymbolConfidence: cfg.SymbolConfidence(),
		ScoreManual:      cfg.Engine.ScoreManual,
		ConfidenceMin:    cfg.Engine.ConfidenceMin,
		ConfidenceMax:    cfg.Engine.ConfidenceMax,
		DefaultLimit:     50,
	}, store, a.ledger, feed, scorer, a.scheduler, clock, a.metrics)

	timeframes, err := cfg.GeneratorTimeframes()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.generator = generator.New(generator.Config{
		Interval:         config.Seconds(cfg.Generator.IntervalSeconds),
		Watchlist:        cfg.Generator.Watchlist,
		Timeframes:       timeframes,
		Concurrency:      cfg.Generator.Concurrency,
		OnDemandCooldown: config.Seconds(cfg.Generator.OnDemandCooldownSeconds),
	}, a.predictions, clock, a.metrics)

	a.referrals = referral.New(cfg.Engine.ReferralTiers, cfg.Engine.ReferralBonus, store, a.ledger)
	return a, nil
}

// buildCache usa Redis si hay dirección y responde; si no, memoria local.
func buildCache(ctx context.Context, cfg *config.Config, clock clockwork.Clock, a *app) (ports.QuoteCache, error) {
	ttl := config.Seconds(cfg.Cache.TTLSeconds)
	if cfg.Cache.RedisAddr == "" {
		return quotecache.NewMemory(ttl, clock), nil
	}

	client := quotecache.NewRedisClient(quotecache.RedisConfig{
		Addr:     cfg.Cache.RedisAddr,
		Password: cfg.Cache.RedisPassword,
		DB:       cfg.Cache.RedisDB,
		Prefix:   cfg.Cache.RedisPrefix,
	})
	r := quotecache.NewRedis(client, cfg.Cache.RedisPrefix, ttl)
	if err := r.Ping(ctx); err != nil {
		slog.Warn("redis unavailable, using in-memory quote cache", "addr", cfg.Cache.RedisAddr, "err", err)
		_ = r.Close()
		return quotecache.NewMemory(ttl, clock), nil
	}
	a.closers = append(a.closers, r.Close)
	slog.Info("quote cache on redis", "addr", cfg.Cache.RedisAddr, "ttl", ttl)
	return r, nil
}

func buildNotifier(cfg *config.Config) (ports.Notifier, error) {
	notifiers := notify.Multi{notify.NewConsole()}
	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, cfg.Telegram.ManualOnly)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		notifiers = append(notifiers, tg)
		slog.Info("telegram alerts enabled", "chat_id", cfg.Telegram.ChatID, "manual_only", cfg.Telegram.ManualOnly)
	}
	return notifiers, nil
}
