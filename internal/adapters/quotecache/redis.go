package quotecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/criptex/internal/domain"
	"github.com/go-redis/redis/v8"
)

// RedisConfig contiene la conexión a Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Redis comparte la caché de cotizaciones entre procesos del motor.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisClient abre el cliente con timeouts cortos: la caché nunca debe
// demorar más que el propio proveedor.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		MaxRetries:   1,
	})
}

// NewRedis envuelve un cliente ya creado.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "criptex:"
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

// Ping verifica la conexión al arrancar.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("quotecache.Ping: %w", err)
	}
	return nil
}

// Get devuelve la cotización cacheada. Un error de Redis cuenta como miss.
func (r *Redis) Get(ctx context.Context, symbol string) (domain.Quote, bool) {
	raw, err := r.client.Get(ctx, r.key(symbol)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Debug("quote cache get failed", "symbol", symbol, "err", err)
		}
		return domain.Quote{}, false
	}

	var q domain.Quote
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		slog.Debug("quote cache decode failed", "symbol", symbol, "err", err)
		return domain.Quote{}, false
	}
	return q, true
}

// Set guarda la cotización con el TTL configurado.
func (r *Redis) Set(ctx context.Context, q domain.Quote) error {
	b, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("quotecache.Set: marshal: %w", err)
	}
	if err := r.client.Set(ctx, r.key(q.Symbol), string(b), r.ttl).Err(); err != nil {
		return fmt.Errorf("quotecache.Set: %w", err)
	}
	return nil
}

// Close cierra el cliente.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(symbol string) string {
	return r.prefix + "quote:" + domain.NormalizeSymbol(symbol)
}
