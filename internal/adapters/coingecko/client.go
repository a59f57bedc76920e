package coingecko

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/alejandrodnm/criptex/internal/domain"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	defaultBase = "https://api.coingecko.com/api/v3"

	// Plan demo: 30 llamadas/min. Se usa el 80%.
	defaultRatePerMin = 24

	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond
)

// Config contiene la configuración del cliente.
type Config struct {
	BaseURL      string
	APIKey       string
	APIKeyHeader string // "x-cg-demo-api-key" o "x-cg-pro-api-key"
	Timeout      time.Duration
	RatePerMin   float64
	Symbols      map[string]string // overrides símbolo → id de CoinGecko
	// Breaker: fallos consecutivos para abrir el circuito y tiempo abierto.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Client es el HTTP client de CoinGecko con rate limiting, retries y circuit breaker.
// Implementa ports.PriceFeed y ports.CandleProvider.
type Client struct {
	http      *http.Client
	base      string
	apiKey    string
	keyHeader string
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
	ids       map[string]string
}

// clientError es un 4xx distinto de 429: no cuenta como fallo del proveedor.
type clientError struct {
	status int
	body   string
}

func (e *clientError) Error() string {
	return fmt.Sprintf("client error %d: %s", e.status, e.body)
}

// NewClient crea un Client. Los campos vacíos usan los valores de producción.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBase
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "x-cg-demo-api-key"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = defaultRatePerMin
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	ids := defaultSymbolIDs()
	for sym, id := range cfg.Symbols {
		ids[domain.NormalizeSymbol(sym)] = id
	}

	failures := cfg.BreakerFailures
	return &Client{
		http:      &http.Client{Timeout: cfg.Timeout},
		base:      cfg.BaseURL,
		apiKey:    cfg.APIKey,
		keyHeader: cfg.APIKeyHeader,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerMin/60), 5),
		ids:       ids,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "coingecko",
			MaxRequests: 1,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= failures
			},
			IsSuccessful: func(err error) bool {
				var ce *clientError
				return err == nil || errors.As(err, &ce) || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// CoinID traduce un símbolo ("BTC") al id de CoinGecko ("bitcoin").
func (c *Client) CoinID(symbol string) (string, error) {
	id, ok := c.ids[domain.NormalizeSymbol(symbol)]
	if !ok {
		return "", &domain.ValidationError{Field: "symbol", Reason: fmt.Sprintf("unsupported symbol %q", symbol)}
	}
	return id, nil
}

// get hace un GET a través del breaker. Todo fallo del proveedor sale
// envuelto en domain.ErrAdapterUnavailable.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.doWithRetry(ctx, func() (*http.Response, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Accept", "application/json")
			if c.apiKey != "" {
				req.Header.Set(c.keyHeader, c.apiKey)
			}
			return c.http.Do(req)
		}, out)
	})
	if err != nil {
		return fmt.Errorf("GET %s: %w: %v", path, domain.ErrAdapterUnavailable, err)
	}
	return nil
}

// doWithRetry ejecuta la función con backoff exponencial, respetando el rate limit.
func (c *Client) doWithRetry(ctx context.Context, fn func() (*http.Response, error), out any) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		resp, err := fn()
		if err != nil {
			if attempt == maxRetries || ctx.Err() != nil {
				return fmt.Errorf("request failed after %d retries: %w", attempt, err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			slog.Warn("rate limited by CoinGecko", "attempt", attempt+1)
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == maxRetries {
				return fmt.Errorf("server error %d after %d retries", resp.StatusCode, maxRetries)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return &clientError{status: resp.StatusCode, body: string(body)}
		}

		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries", maxRetries)
}

// sleep espera con backoff exponencial, respetando el contexto.
func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
