package technical

// scorer.go: Scoring Adapter basado en indicadores técnicos clásicos.
//
// Señal = 0.4 × tendencia (SMA5 vs SMA20) + 0.35 × momentum + 0.25 × RSI.
// El RSI es contrario en los extremos: > 70 empuja hacia DOWN, < 30 hacia UP.
// La confianza crece con |señal|, se castiga con la volatilidad y se escala
// por el factor del timeframe antes de recortarse a [Min, Max].

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/alejandrodnm/criptex/internal/domain"
	"github.com/alejandrodnm/criptex/internal/ports"
)

const (
	rsiPeriod      = 14
	momentumWindow = 5
	volWindow      = 20
	minCandles     = 21 // SMA20 + 1
)

// Config contiene los límites de confianza.
type Config struct {
	ConfidenceMin float64
	ConfidenceMax float64
}

// Scorer implementa ports.Scorer sobre un CandleProvider.
type Scorer struct {
	cfg     Config
	candles ports.CandleProvider
	feed    ports.PriceFeed // opcional: precio más fresco que el último cierre
}

// NewScorer crea el scorer. feed puede ser nil.
func NewScorer(cfg Config, candles ports.CandleProvider, feed ports.PriceFeed) *Scorer {
	if cfg.ConfidenceMax <= 0 {
		cfg.ConfidenceMin, cfg.ConfidenceMax = 55, 95
	}
	return &Scorer{cfg: cfg, candles: candles, feed: feed}
}

// Score calcula dirección, confianza, indicadores y razonamiento para (symbol, tf).
func (s *Scorer) Score(ctx context.Context, symbol string, tf domain.Timeframe) (domain.Signal, error) {
	symbol = domain.NormalizeSymbol(symbol)
	candles, err := s.candles.Candles(ctx, symbol, tf)
	if err != nil {
		return domain.Signal{}, fmt.Errorf("technical.Score: %w", err)
	}
	if len(candles) < minCandles {
		return domain.Signal{}, fmt.Errorf("technical.Score: %s/%s: %d candles, need %d: %w",
			symbol, tf, len(candles), minCandles, domain.ErrAdapterUnavailable)
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	price := closes[len(closes)-1]
	var change24h float64
	if s.feed != nil {
		if q, err := s.feed.Quote(ctx, symbol); err == nil {
			price = q.Price
			change24h = q.Change24h
		} else if !errors.Is(err, domain.ErrAdapterUnavailable) {
			return domain.Signal{}, fmt.Errorf("technical.Score: quote: %w", err)
		}
	}

	ind := Compute(closes)
	sig := domain.Signal{
		Symbol:     symbol,
		Timeframe:  tf,
		Indicators: ind,
		Price:      price,
	}
	if ind.Sentiment >= 0 {
		sig.Direction = domain.DirectionUp
	} else {
		sig.Direction = domain.DirectionDown
	}

	base := 55 + 40*math.Abs(ind.Sentiment) - math.Min(10, ind.Volatility*2)
	sig.Confidence = domain.ClampConfidence(base*tf.ConfidenceFactor(), s.cfg.ConfidenceMin, s.cfg.ConfidenceMax)
	sig.Reasoning = reasoning(ind, sig.Direction, change24h)
	return sig, nil
}

// Compute calcula el bundle de indicadores sobre la serie de cierres.
func Compute(closes []float64) domain.Indicators {
	ind := domain.Indicators{
		SMA5:       sma(closes, 5),
		SMA20:      sma(closes, 20),
		RSI:        rsi(closes, rsiPeriod),
		Volatility: volatility(closes, volWindow),
		Momentum:   momentum(closes, momentumWindow),
	}

	var trend float64
	if ind.SMA20 > 0 {
		// 1% de separación entre medias ≈ señal plena
		trend = clamp((ind.SMA5/ind.SMA20-1)*100, -1, 1)
	}
	mom := math.Tanh(ind.Momentum / 2)

	var rsiComp float64
	switch {
	case ind.RSI >= 70:
		rsiComp = -(ind.RSI - 70) / 30
	case ind.RSI <= 30:
		rsiComp = (30 - ind.RSI) / 30
	default:
		rsiComp = (ind.RSI - 50) / 20
	}

	ind.Sentiment = clamp(0.4*trend+0.35*mom+0.25*rsiComp, -1, 1)
	return ind
}

func reasoning(ind domain.Indicators, dir domain.Direction, change24h float64) string {
	var parts []string

	if ind.SMA5 >= ind.SMA20 {
		parts = append(parts, fmt.Sprintf("SMA5 %.2f above SMA20 %.2f (short-term uptrend)", ind.SMA5, ind.SMA20))
	} else {
		parts = append(parts, fmt.Sprintf("SMA5 %.2f below SMA20 %.2f (short-term downtrend)", ind.SMA5, ind.SMA20))
	}

	switch {
	case ind.RSI >= 70:
		parts = append(parts, fmt.Sprintf("RSI %.1f overbought", ind.RSI))
	case ind.RSI <= 30:
		parts = append(parts, fmt.Sprintf("RSI %.1f oversold", ind.RSI))
	default:
		parts = append(parts, fmt.Sprintf("RSI %.1f neutral", ind.RSI))
	}

	parts = append(parts, fmt.Sprintf("momentum %+.2f%%", ind.Momentum))
	parts = append(parts, fmt.Sprintf("volatility %.2f%%", ind.Volatility))
	if change24h != 0 {
		parts = append(parts, fmt.Sprintf("24h change %+.2f%%", change24h))
	}

	return fmt.Sprintf("%s bias: %s.", dir, strings.Join(parts, "; "))
}
