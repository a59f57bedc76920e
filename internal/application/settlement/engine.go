package settlement

// engine.go: resuelve predicciones vencidas contra el Price Feed.
//
// Regla: WON si (UP y precio > entrada) o (DOWN y precio < entrada); LOST en
// cualquier otro caso, incluido precio igual. La escritura es un CAS sobre
// status = ACTIVE; un segundo intento concurrente ve el status ya cambiado,
// devuelve AlreadySettled y no muta nada.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/criptex/internal/domain"
	"github.com/alejandrodnm/criptex/internal/ports"
	"github.com/jonboulle/clockwork"
)

// Config contiene la política de payout.
type Config struct {
	// PayoutMultiplier: una manual ganada acredita stake × PayoutMultiplier.
	// El default 2 devuelve el stake y suma una unidad por unidad apostada.
	PayoutMultiplier int64
	// RefundOnNoData devuelve el stake cuando la predicción vence sin precio.
	RefundOnNoData bool
}

// DefaultConfig devuelve la política por defecto.
func DefaultConfig() Config {
	return Config{PayoutMultiplier: 2, RefundOnNoData: true}
}

// Applier escribe la transición terminal junto con el payout (el Ledger).
type Applier interface {
	ApplySettlement(ctx context.Context, s domain.Settlement) (domain.Prediction, bool, error)
}

// PredictionReader lee predicciones por ID.
type PredictionReader interface {
	GetPrediction(ctx context.Context, id string) (domain.Prediction, error)
}

// Engine es el Settlement Engine.
type Engine struct {
	cfg      Config
	store    PredictionReader
	ledger   Applier
	feed     ports.PriceFeed
	notifier ports.Notifier
	clock    clockwork.Clock
	metrics  ports.Metrics
}

// New crea el engine. notifier, clock y metrics pueden ser nil.
func New(
	cfg Config,
	store PredictionReader,
	ledger Applier,
	feed ports.PriceFeed,
	notifier ports.Notifier,
	clock clockwork.Clock,
	metrics ports.Metrics,
) *Engine {
	if cfg.PayoutMultiplier < 1 {
		cfg.PayoutMultiplier = 1
	}
	if notifier == nil {
		notifier = ports.NopNotifier{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		ledger:   ledger,
		feed:     feed,
		notifier: notifier,
		clock:    clock,
		metrics:  metrics,
	}
}

// Settle resuelve la predicción contra el precio actual.
// Un fallo del feed se devuelve envuelto en domain.ErrAdapterUnavailable y la
// predicción sigue ACTIVE; el scheduler reintenta.
func (e *Engine) Settle(ctx context.Context, predictionID string) (domain.Outcome, error) {
	p, err := e.store.GetPrediction(ctx, predictionID)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("settlement.Settle: %w", err)
	}
	if p.Status.Terminal() {
		return domain.Outcome{Prediction: p, AlreadySettled: true}, nil
	}

	now := e.clock.Now().UTC()
	if !p.Due(now) {
		return domain.Outcome{}, &domain.ValidationError{
			Field:  "prediction",
			Reason: fmt.Sprintf("%s expires at %s", p.ID, p.ExpiryTime.Format("15:04:05")),
		}
	}

	q, err := e.feed.Quote(ctx, p.Symbol)
	if err != nil {
		e.metrics.AdapterError("price_feed")
		if !errors.Is(err, domain.ErrAdapterUnavailable) {
			err = fmt.Errorf("%w: %v", domain.ErrAdapterUnavailable, err)
		}
		return domain.Outcome{}, fmt.Errorf("settlement.Settle: quote %s: %w", p.Symbol, err)
	}

	price := q.Price
	status := domain.ResolveOutcome(p.Direction, p.EntryPrice, price)
	st := domain.Settlement{
		PredictionID: p.ID,
		OwnerID:      p.OwnerID,
		Status:       status,
		ResultPrice:  &price,
		SettledAt:    now,
	}
	if status == domain.StatusWon && !p.IsAutomatic() {
		st.Payout = p.StakeAmount * e.cfg.PayoutMultiplier
		st.PayoutReason = domain.ReasonWinPayout
	}

	return e.apply(ctx, p, st)
}

// ExpireNoData cierra la predicción como EXPIRED_NO_DATA. Idempotente igual que Settle.
func (e *Engine) ExpireNoData(ctx context.Context, predictionID string) (domain.Outcome, error) {
	p, err := e.store.GetPrediction(ctx, predictionID)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("settlement.ExpireNoData: %w", err)
	}
	if p.Status.Terminal() {
		return domain.Outcome{Prediction: p, AlreadySettled: true}, nil
	}

	st := domain.Settlement{
		PredictionID: p.ID,
		OwnerID:      p.OwnerID,
		Status:       domain.StatusExpiredNoData,
		SettledAt:    e.clock.Now().UTC(),
	}
	if e.cfg.RefundOnNoData && !p.IsAutomatic() {
		st.Payout = p.StakeAmount
		st.PayoutReason = domain.ReasonStakeRefund
	}
	return e.apply(ctx, p, st)
}

func (e *Engine) apply(ctx context.Context, p domain.Prediction, st domain.Settlement) (domain.Outcome, error) {
	settled, applied, err := e.ledger.ApplySettlement(ctx, st)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("settlement.apply: %w", err)
	}
	if !applied {
		slog.Debug("prediction already settled", "prediction_id", p.ID, "status", settled.Status)
		return domain.Outcome{Prediction: settled, AlreadySettled: true}, nil
	}

	latency := st.SettledAt.Sub(p.ExpiryTime)
	e.metrics.PredictionSettled(string(st.Status), latency)
	slog.Info("prediction settled",
		"prediction_id", p.ID,
		"owner", p.OwnerID,
		"symbol", p.Symbol,
		"direction", p.Direction,
		"status", st.Status,
		"entry", p.EntryPrice,
		"payout", st.Payout,
		"latency", latency,
	)

	if err := e.notifier.NotifySettled(ctx, settled); err != nil {
		slog.Warn("settlement notify failed", "prediction_id", p.ID, "err", err)
	}
	return domain.Outcome{Prediction: settled}, nil
}
