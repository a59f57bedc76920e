package ports

import (
	"context"

	"github.com/alejandrodnm/criptex/internal/domain"
)

// Scorer produce dirección, confianza, indicadores y razonamiento para (symbol, timeframe).
type Scorer interface {
	Score(ctx context.Context, symbol string, tf domain.Timeframe) (domain.Signal, error)
}
