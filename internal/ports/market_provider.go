package ports

import (
	"context"

	"github.com/alejandrodnm/criptex/internal/domain"
)

// PriceFeed obtiene la cotización actual de un símbolo.
// Los fallos de red o del proveedor se devuelven envueltos en domain.ErrAdapterUnavailable.
type PriceFeed interface {
	Quote(ctx context.Context, symbol string) (domain.Quote, error)
}

// CandleProvider obtiene la serie histórica que usa el scorer.
type CandleProvider interface {
	// Candles devuelve cierres ordenados del más antiguo al más reciente.
	Candles(ctx context.Context, symbol string, tf domain.Timeframe) ([]domain.Candle, error)
}

// QuoteCache guarda cotizaciones por un TTL corto.
type QuoteCache interface {
	Get(ctx context.Context, symbol string) (domain.Quote, bool)
	Set(ctx context.Context, q domain.Quote) error
}
