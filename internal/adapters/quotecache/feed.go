package quotecache

import (
	"context"
	"log/slog"

	"github.com/alejandrodnm/criptex/internal/domain"
	"github.com/alejandrodnm/criptex/internal/ports"
	"golang.org/x/sync/singleflight"
)

// Feed es un ports.PriceFeed con caché de TTL corto delante del proveedor.
// Las peticiones concurrentes del mismo símbolo comparten una sola llamada.
type Feed struct {
	next  ports.PriceFeed
	cache ports.QuoteCache
	group singleflight.Group
}

// NewFeed envuelve next con la caché dada.
func NewFeed(next ports.PriceFeed, cache ports.QuoteCache) *Feed {
	return &Feed{next: next, cache: cache}
}

// Quote devuelve la cotización cacheada o la pide al proveedor.
func (f *Feed) Quote(ctx context.Context, symbol string) (domain.Quote, error) {
	symbol = domain.NormalizeSymbol(symbol)
	if q, ok := f.cache.Get(ctx, symbol); ok {
		return q, nil
	}

	v, err, _ := f.group.Do(symbol, func() (any, error) {
		if q, ok := f.cache.Get(ctx, symbol); ok {
			return q, nil
		}
		q, err := f.next.Quote(ctx, symbol)
		if err != nil {
			return domain.Quote{}, err
		}
		if err := f.cache.Set(ctx, q); err != nil {
			slog.Warn("quote cache set failed", "symbol", symbol, "err", err)
		}
		return q, nil
	})
	if err != nil {
		return domain.Quote{}, err
	}
	return v.(domain.Quote), nil
}
