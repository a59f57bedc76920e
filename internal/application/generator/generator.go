package generator

// generator.go: productor recurrente de predicciones automáticas.
//
// Cada Interval recorre watchlist × timeframes y llama a CreateAutomatic.
// Un fallo del scorer o del feed se loguea y se salta: nunca bloquea el
// siguiente tick. GenerateNow es el camino "analizar ahora" de un usuario,
// limitado a una llamada por OnDemandCooldown por usuario.

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alejandrodnm/criptex/internal/domain"
	"github.com/alejandrodnm/criptex/internal/ports"
	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Config contiene la configuración del generador.
type Config struct {
	Interval         time.Duration
	Watchlist        []string
	Timeframes       []domain.Timeframe
	Concurrency      int           // llamadas simultáneas al scorer por tick
	OnDemandCooldown time.Duration // por usuario
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if len(c.Watchlist) == 0 {
		c.Watchlist = []string{"BTC", "ETH", "SOL"}
	}
	if len(c.Timeframes) == 0 {
		c.Timeframes = []domain.Timeframe{domain.Timeframe1h}
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.OnDemandCooldown <= 0 {
		c.OnDemandCooldown = 5 * time.Second
	}
}

// Creator crea predicciones automáticas (el Prediction Store).
type Creator interface {
	CreateAutomatic(ctx context.Context, symbol string, tf domain.Timeframe) (domain.Prediction, error)
}

// TickResult resume un ciclo del generador.
type TickResult struct {
	Created int
	Failed  int
}

// Generator es el Auto-Prediction Generator.
type Generator struct {
	cfg     Config
	creator Creator
	clock   clockwork.Clock
	metrics ports.Metrics

	mu       sync.Mutex
	limiters map[string]*userLimiter
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New crea el generador. clock y metrics pueden ser nil.
func New(cfg Config, creator Creator, clock clockwork.Clock, metrics ports.Metrics) *Generator {
	cfg.setDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Generator{
		cfg:      cfg,
		creator:  creator,
		clock:    clock,
		metrics:  metrics,
		limiters: make(map[string]*userLimiter),
	}
}

// Run programa Tick cada Interval con gocron hasta que el contexto se cancele.
// El primer tick corre de inmediato.
func (g *Generator) Run(ctx context.Context) error {
	sched, err := gocron.NewScheduler(gocron.WithClock(g.clock))
	if err != nil {
		return fmt.Errorf("generator.Run: new scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(g.cfg.Interval),
		gocron.NewTask(func() { g.Tick(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("generator.Run: new job: %w", err)
	}

	slog.Info("generator starting",
		"interval", g.cfg.Interval,
		"watchlist", g.cfg.Watchlist,
		"timeframes", g.cfg.Timeframes,
	)
	sched.Start()

	<-ctx.Done()
	if err := sched.Shutdown(); err != nil {
		slog.Warn("generator shutdown", "err", err)
	}
	slog.Info("generator stopped")
	return nil
}

// Tick genera una predicción por cada (símbolo, timeframe) de la watchlist.
func (g *Generator) Tick(ctx context.Context) TickResult {
	start := g.clock.Now()
	var created, failed atomic.Int32

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.Concurrency)
	for _, symbol := range g.cfg.Watchlist {
		for _, tf := range g.cfg.Timeframes {
			symbol, tf := symbol, tf
			eg.Go(func() error {
				if _, err := g.creator.CreateAutomatic(egCtx, symbol, tf); err != nil {
					failed.Add(1)
					slog.Warn("auto prediction skipped",
						"symbol", symbol,
						"timeframe", tf,
						"err", err,
					)
					return nil
				}
				created.Add(1)
				return nil
			})
		}
	}
	_ = eg.Wait() // las tareas nunca devuelven error

	res := TickResult{Created: int(created.Load()), Failed: int(failed.Load())}
	switch {
	case res.Failed == 0:
		g.metrics.GenerationRun("ok")
	case res.Created == 0:
		g.metrics.GenerationRun("failed")
	default:
		g.metrics.GenerationRun("partial")
	}
	slog.Info("generation tick complete",
		"created", res.Created,
		"failed", res.Failed,
		"duration", g.clock.Since(start).Round(time.Millisecond),
	)
	return res
}

// GenerateNow crea una predicción automática a pedido de un usuario.
// Devuelve domain.ErrRateLimited si el usuario ya pidió una dentro del cooldown.
func (g *Generator) GenerateNow(ctx context.Context, userID, symbol, timeframe string) (domain.Prediction, error) {
	if userID == "" {
		return domain.Prediction{}, &domain.ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	if domain.NormalizeSymbol(symbol) == "" {
		return domain.Prediction{}, &domain.ValidationError{Field: "symbol", Reason: "must not be empty"}
	}
	tf, err := domain.ParseTimeframe(timeframe)
	if err != nil {
		return domain.Prediction{}, err
	}

	if !g.allow(userID) {
		return domain.Prediction{}, fmt.Errorf("generator.GenerateNow: user %s: %w", userID, domain.ErrRateLimited)
	}

	p, err := g.creator.CreateAutomatic(ctx, symbol, tf)
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("generator.GenerateNow: %w", err)
	}
	slog.Info("on-demand prediction generated", "user_id", userID, "prediction_id", p.ID, "symbol", p.Symbol)
	return p, nil
}

// allow consume un token del limiter del usuario. Los limiters inactivos se purgan.
func (g *Generator) allow(userID string) bool {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	ul, ok := g.limiters[userID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(rate.Every(g.cfg.OnDemandCooldown), 1)}
		g.limiters[userID] = ul
	}
	ul.lastSeen = now

	if len(g.limiters) > 1024 {
		for id, other := range g.limiters {
			if now.Sub(other.lastSeen) > g.cfg.OnDemandCooldown {
				delete(g.limiters, id)
			}
		}
	}
	return ul.limiter.AllowN(now, 1)
}
