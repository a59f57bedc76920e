package coingecko

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/alejandrodnm/criptex/internal/domain"
)

// simplePriceEntry es una fila de /simple/price con vs_currencies=usd.
type simplePriceEntry struct {
	USD           float64 `json:"usd"`
	USD24hVol     float64 `json:"usd_24h_vol"`
	USD24hChange  float64 `json:"usd_24h_change"`
	LastUpdatedAt int64   `json:"last_updated_at"`
}

// marketChart es la respuesta de /coins/{id}/market_chart: pares [ms, valor].
type marketChart struct {
	Prices       [][2]float64 `json:"prices"`
	TotalVolumes [][2]float64 `json:"total_volumes"`
}

// Quote devuelve la cotización actual en USD.
func (c *Client) Quote(ctx context.Context, symbol string) (domain.Quote, error) {
	id, err := c.CoinID(symbol)
	if err != nil {
		return domain.Quote{}, err
	}

	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", "usd")
	q.Set("include_24hr_vol", "true")
	q.Set("include_24hr_change", "true")
	q.Set("include_last_updated_at", "true")

	var resp map[string]simplePriceEntry
	if err := c.get(ctx, "/simple/price", q, &resp); err != nil {
		return domain.Quote{}, fmt.Errorf("coingecko.Quote: %w", err)
	}

	entry, ok := resp[id]
	if !ok || entry.USD <= 0 {
		return domain.Quote{}, fmt.Errorf("coingecko.Quote: no price for %s: %w", id, domain.ErrAdapterUnavailable)
	}

	ts := time.Now().UTC()
	if entry.LastUpdatedAt > 0 {
		ts = time.Unix(entry.LastUpdatedAt, 0).UTC()
	}
	return domain.Quote{
		Symbol:    domain.NormalizeSymbol(symbol),
		Price:     entry.USD,
		Volume:    entry.USD24hVol,
		Change24h: entry.USD24hChange,
		Timestamp: ts,
	}, nil
}

// chartDays elige la ventana de market_chart para tener velas suficientes.
// CoinGecko: 1 día → puntos cada 5m; 2–90 días → horarios; >90 → diarios.
var chartDays = map[domain.Timeframe]int{
	domain.Timeframe1m:  1,
	domain.Timeframe5m:  1,
	domain.Timeframe15m: 1,
	domain.Timeframe30m: 1,
	domain.Timeframe1h:  3,
	domain.Timeframe4h:  14,
	domain.Timeframe1d:  120,
}

// Candles devuelve la serie de cierres agregada al timeframe, del más antiguo al más reciente.
func (c *Client) Candles(ctx context.Context, symbol string, tf domain.Timeframe) ([]domain.Candle, error) {
	id, err := c.CoinID(symbol)
	if err != nil {
		return nil, err
	}
	days, ok := chartDays[tf]
	if !ok {
		return nil, &domain.ValidationError{Field: "timeframe", Reason: fmt.Sprintf("unsupported value %q", tf)}
	}

	q := url.Values{}
	q.Set("vs_currency", "usd")
	q.Set("days", strconv.Itoa(days))

	var chart marketChart
	if err := c.get(ctx, "/coins/"+url.PathEscape(id)+"/market_chart", q, &chart); err != nil {
		return nil, fmt.Errorf("coingecko.Candles: %w", err)
	}
	if len(chart.Prices) == 0 {
		return nil, fmt.Errorf("coingecko.Candles: empty chart for %s: %w", id, domain.ErrAdapterUnavailable)
	}
	return resample(chart, tf.Duration()), nil
}

// resample agrupa los puntos en buckets de tamaño step y se queda con el
// último cierre de cada bucket. Si la granularidad del proveedor es más
// gruesa que step, cada punto queda en su propio bucket.
func resample(chart marketChart, step time.Duration) []domain.Candle {
	volumes := make(map[int64]float64, len(chart.TotalVolumes))
	for _, v := range chart.TotalVolumes {
		volumes[int64(v[0])] = v[1]
	}

	stepMs := step.Milliseconds()
	buckets := make(map[int64]domain.Candle)
	for _, p := range chart.Prices {
		ms := int64(p[0])
		key := ms / stepMs
		prev, seen := buckets[key]
		if seen && prev.Time.UnixMilli() > ms {
			continue
		}
		buckets[key] = domain.Candle{
			Time:   time.UnixMilli(ms).UTC(),
			Close:  p[1],
			Volume: volumes[ms],
		}
	}

	out := make([]domain.Candle, 0, len(buckets))
	for _, c := range buckets {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}
