package predictions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alejandrodnm/criptex/internal/domain"
	"github.com/alejandrodnm/criptex/internal/ports"
	"github.com/jonboulle/clockwork"
)

// Config contiene los límites de confianza publicados.
type Config struct {
	BaseConfidence   float64            // símbolos sin baseline propio, antes del factor del timeframe
	SymbolConfidence map[string]float64 // baseline por símbolo
	ScoreManual      bool               // consultar el scorer también en las manuales
	ConfidenceMin    float64
	ConfidenceMax    float64
	DefaultLimit     int
}

// DefaultConfig devuelve los valores que usa el producto.
func DefaultConfig() Config {
	return Config{
		BaseConfidence:   65,
		SymbolConfidence: DefaultSymbolConfidence(),
		ConfidenceMin:    55,
		ConfidenceMax:    95,
		DefaultLimit:     50,
	}
}

// DefaultSymbolConfidence: los majors arrancan más altos, los volátiles más bajos.
func DefaultSymbolConfidence() map[string]float64 {
	return map[string]float64{
		"BTC": 75, "ETH": 73, "BNB": 70, "ADA": 68, "SOL": 65,
		"DOT": 67, "DOGE": 60, "AVAX": 66, "LINK": 69, "MATIC": 68,
	}
}

// StakeDebitor descuenta el stake y persiste la predicción en una unidad (el Ledger).
type StakeDebitor interface {
	DebitForPrediction(ctx context.Context, p domain.Prediction) (int64, error)
}

// Tracker recibe las predicciones nuevas (el Expiry Scheduler).
type Tracker interface {
	Track(p domain.Prediction)
}

// Service es el Prediction Store: valida, crea y proyecta predicciones.
type Service struct {
	cfg     Config
	store   ports.PredictionStore
	ledger  StakeDebitor
	feed    ports.PriceFeed
	scorer  ports.Scorer
	tracker Tracker
	clock   clockwork.Clock
	metrics ports.Metrics
}

// New crea el Service. scorer, tracker, clock y metrics pueden ser nil.
func New(
	cfg Config,
	store ports.PredictionStore,
	ledger StakeDebitor,
	feed ports.PriceFeed,
	scorer ports.Scorer,
	tracker Tracker,
	clock clockwork.Clock,
	metrics ports.Metrics,
) *Service {
	def := DefaultConfig()
	if cfg.ConfidenceMax <= 0 {
		cfg.ConfidenceMin, cfg.ConfidenceMax = def.ConfidenceMin, def.ConfidenceMax
	}
	if cfg.BaseConfidence <= 0 {
		cfg.BaseConfidence = def.BaseConfidence
	}
	if cfg.SymbolConfidence == nil {
		cfg.SymbolConfidence = def.SymbolConfidence
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		ledger:  ledger,
		feed:    feed,
		scorer:  scorer,
		tracker: tracker,
		clock:   clock,
		metrics: metrics,
	}
}

// CreateManual valida, captura el precio de entrada, descuenta el stake y persiste.
// Cualquier error deja saldo y predicciones intactos.
func (s *Service) CreateManual(ctx context.Context, req domain.ManualRequest) (domain.Prediction, error) {
	dir, tf, err := req.Validate()
	if err != nil {
		return domain.Prediction{}, err
	}
	symbol := domain.NormalizeSymbol(req.Symbol)

	q, err := s.quote(ctx, symbol)
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("predictions.CreateManual: %w", err)
	}

	p := domain.NewPrediction(req.OwnerID, symbol, dir, tf, req.Stake, q.Price, s.clock.Now())
	p.ConfidenceScore = s.manualConfidence(ctx, symbol, tf)

	if _, err := s.ledger.DebitForPrediction(ctx, p); err != nil {
		return domain.Prediction{}, fmt.Errorf("predictions.CreateManual: %w", err)
	}

	s.track(p)
	s.metrics.PredictionCreated("manual")
	slog.Info("manual prediction created",
		"prediction_id", p.ID,
		"owner", p.OwnerID,
		"symbol", p.Symbol,
		"direction", p.Direction,
		"timeframe", p.Timeframe,
		"stake", p.StakeAmount,
		"entry", p.EntryPrice,
	)
	return p, nil
}

// CreateAutomatic crea una predicción del sistema a partir del Scoring Adapter. Sin stake.
func (s *Service) CreateAutomatic(ctx context.Context, symbol string, tf domain.Timeframe) (domain.Prediction, error) {
	symbol = domain.NormalizeSymbol(symbol)
	if symbol == "" {
		return domain.Prediction{}, &domain.ValidationError{Field: "symbol", Reason: "must not be empty"}
	}
	if !tf.Valid() {
		return domain.Prediction{}, &domain.ValidationError{Field: "timeframe", Reason: fmt.Sprintf("unsupported value %q", tf)}
	}
	if s.scorer == nil {
		return domain.Prediction{}, fmt.Errorf("predictions.CreateAutomatic: no scorer: %w", domain.ErrAdapterUnavailable)
	}

	sig, err := s.scorer.Score(ctx, symbol, tf)
	if err != nil {
		s.metrics.AdapterError("scorer")
		return domain.Prediction{}, fmt.Errorf("predictions.CreateAutomatic: score %s/%s: %w", symbol, tf, asUnavailable(err))
	}

	entry := sig.Price
	if entry <= 0 {
		q, err := s.quote(ctx, symbol)
		if err != nil {
			return domain.Prediction{}, fmt.Errorf("predictions.CreateAutomatic: %w", err)
		}
		entry = q.Price
	}

	p := domain.NewPrediction(domain.SystemOwner, symbol, sig.Direction, tf, 0, entry, s.clock.Now())
	p.ConfidenceScore = domain.ClampConfidence(sig.Confidence, s.cfg.ConfidenceMin, s.cfg.ConfidenceMax)
	ind := sig.Indicators
	p.Indicators = &ind
	p.Reasoning = sig.Reasoning

	if err := s.store.InsertPrediction(ctx, p); err != nil {
		return domain.Prediction{}, fmt.Errorf("predictions.CreateAutomatic: %w", err)
	}

	s.track(p)
	s.metrics.PredictionCreated("automatic")
	slog.Debug("automatic prediction created",
		"prediction_id", p.ID,
		"symbol", p.Symbol,
		"timeframe", p.Timeframe,
		"direction", p.Direction,
		"confidence", p.ConfidenceScore,
	)
	return p, nil
}

// ListActive devuelve las predicciones ACTIVE del dueño, más recientes primero.
func (s *Service) ListActive(ctx context.Context, owner string, limit int) ([]domain.Prediction, error) {
	return s.list(ctx, owner, limit, domain.StatusActive)
}

// ListHistory devuelve las predicciones ya liquidadas del dueño, más recientes primero.
func (s *Service) ListHistory(ctx context.Context, owner string, limit int) ([]domain.Prediction, error) {
	return s.list(ctx, owner, limit, domain.StatusWon, domain.StatusLost, domain.StatusExpiredNoData)
}

// ListAutomatic devuelve las predicciones automáticas vigentes.
func (s *Service) ListAutomatic(ctx context.Context, limit int) ([]domain.Prediction, error) {
	return s.list(ctx, domain.SystemOwner, limit, domain.StatusActive)
}

// Get devuelve una predicción. Las manuales solo son visibles para su dueño.
func (s *Service) Get(ctx context.Context, viewer, id string) (domain.Prediction, error) {
	p, err := s.store.GetPrediction(ctx, id)
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("predictions.Get: %w", err)
	}
	if !p.IsAutomatic() && p.OwnerID != viewer {
		return domain.Prediction{}, fmt.Errorf("predictions.Get: prediction %q: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

// Stats agrega los resultados del dueño.
func (s *Service) Stats(ctx context.Context, owner string) (domain.PredictionStats, error) {
	stats, err := s.store.PredictionStats(ctx, owner)
	if err != nil {
		return domain.PredictionStats{}, fmt.Errorf("predictions.Stats: %w", err)
	}
	return stats, nil
}

// --- helpers internos ---

func (s *Service) list(ctx context.Context, owner string, limit int, statuses ...domain.PredictionStatus) ([]domain.Prediction, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, &domain.ValidationError{Field: "owner", Reason: "must not be empty"}
	}
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	out, err := s.store.ListPredictions(ctx, ports.PredictionFilter{
		OwnerID:  owner,
		Statuses: statuses,
		Limit:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("predictions.list: %w", err)
	}
	return out, nil
}

func (s *Service) quote(ctx context.Context, symbol string) (domain.Quote, error) {
	q, err := s.feed.Quote(ctx, symbol)
	if err != nil {
		s.metrics.AdapterError("price_feed")
		return domain.Quote{}, fmt.Errorf("quote %s: %w", symbol, asUnavailable(err))
	}
	if q.Price <= 0 {
		s.metrics.AdapterError("price_feed")
		return domain.Quote{}, fmt.Errorf("quote %s: non-positive price: %w", symbol, domain.ErrAdapterUnavailable)
	}
	return q, nil
}

// manualConfidence usa el baseline del símbolo escalado por el timeframe.
// Con ScoreManual consulta antes el scorer (una petición de velas por creación).
func (s *Service) manualConfidence(ctx context.Context, symbol string, tf domain.Timeframe) float64 {
	if s.cfg.ScoreManual && s.scorer != nil {
		sig, err := s.scorer.Score(ctx, symbol, tf)
		if err == nil {
			return domain.ClampConfidence(sig.Confidence, s.cfg.ConfidenceMin, s.cfg.ConfidenceMax)
		}
		slog.Debug("scorer unavailable, using baseline confidence", "symbol", symbol, "err", err)
	}
	base, ok := s.cfg.SymbolConfidence[symbol]
	if !ok {
		base = s.cfg.BaseConfidence
	}
	return domain.ClampConfidence(base*tf.ConfidenceFactor(), s.cfg.ConfidenceMin, s.cfg.ConfidenceMax)
}

func (s *Service) track(p domain.Prediction) {
	if s.tracker != nil {
		s.tracker.Track(p)
	}
}

func asUnavailable(err error) error {
	var verr *domain.ValidationError
	if errors.Is(err, domain.ErrAdapterUnavailable) || errors.As(err, &verr) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrAdapterUnavailable, err)
}
