package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/criptex/internal/domain"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del motor.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	CoinGecko CoinGeckoConfig `yaml:"coingecko"`
	Cache     CacheConfig     `yaml:"cache"`
	Engine    EngineConfig    `yaml:"engine"`
	Generator GeneratorConfig `yaml:"generator"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	HTTP      HTTPConfig      `yaml:"http"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Log       LogConfig       `yaml:"log"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	DSN    string `yaml:"dsn"`    // ruta SQLite, ":memory:", o URL de Postgres
}

// CoinGeckoConfig configura el Price Feed.
type CoinGeckoConfig struct {
	BaseURL               string            `yaml:"base_url"`
	APIKey                string            `yaml:"api_key"`
	APIKeyHeader          string            `yaml:"api_key_header"`
	TimeoutSeconds        int               `yaml:"timeout_seconds"`
	RatePerMinute         float64           `yaml:"rate_per_minute"`
	Symbols               map[string]string `yaml:"symbols"` // símbolo → id de CoinGecko
	BreakerFailures       uint32            `yaml:"breaker_failures"`
	BreakerTimeoutSeconds int               `yaml:"breaker_timeout_seconds"`
}

// CacheConfig controla la caché de cotizaciones. Sin redis_addr se usa memoria.
type CacheConfig struct {
	TTLSeconds    int    `yaml:"ttl_seconds"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// EngineConfig agrupa la política de créditos y confianza.
type EngineConfig struct {
	SignupBonus        int64                 `yaml:"signup_bonus"`
	DailyBonus         int64                 `yaml:"daily_bonus"`
	BonusCooldownHours int                   `yaml:"bonus_cooldown_hours"`
	ReferralBonus      int64                 `yaml:"referral_bonus"`
	PayoutMultiplier   int64                 `yaml:"payout_multiplier"`
	RefundOnNoData     *bool                 `yaml:"refund_on_no_data"`
	BaseConfidence     float64               `yaml:"base_confidence"`
	SymbolConfidence   map[string]float64    `yaml:"symbol_confidence"`
	ScoreManual        bool                  `yaml:"score_manual"`
	ConfidenceMin      float64               `yaml:"confidence_min"`
	ConfidenceMax      float64               `yaml:"confidence_max"`
	ReferralTiers      []domain.ReferralTier `yaml:"referral_tiers"`
}

// GeneratorConfig controla el Auto-Prediction Generator.
type GeneratorConfig struct {
	Enabled                 *bool    `yaml:"enabled"`
	IntervalSeconds         int      `yaml:"interval_seconds"`
	Watchlist               []string `yaml:"watchlist"`
	Timeframes              []string `yaml:"timeframes"`
	Concurrency             int      `yaml:"concurrency"`
	OnDemandCooldownSeconds int      `yaml:"on_demand_cooldown_seconds"`
}

// SchedulerConfig controla el Expiry Scheduler.
type SchedulerConfig struct {
	Workers              int     `yaml:"workers"`
	ResyncSeconds        int     `yaml:"resync_seconds"`
	MaxWaitFactor        float64 `yaml:"max_wait_factor"`
	SettleTimeoutSeconds int     `yaml:"settle_timeout_seconds"`
	RetryInitialSeconds  int     `yaml:"retry_initial_seconds"`
	RetryMaxSeconds      int     `yaml:"retry_max_seconds"`
}

// HTTPConfig controla la API.
type HTTPConfig struct {
	Addr                  string `yaml:"addr"`
	GatewayToken          string `yaml:"gateway_token"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
}

// TelegramConfig activa las alertas de liquidación. Sin token no se envía nada.
type TelegramConfig struct {
	Token      string `yaml:"token"`
	ChatID     int64  `yaml:"chat_id"`
	ManualOnly bool   `yaml:"manual_only"`
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del .env sobreescriben los del YAML para las keys que correspondan.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse interpreta el YAML y aplica overrides de entorno y defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Parse: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Parse: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver %q: must be sqlite or postgres", c.Storage.Driver)
	}
	if c.Engine.ConfidenceMin > c.Engine.ConfidenceMax {
		return fmt.Errorf("engine: confidence_min %.0f > confidence_max %.0f", c.Engine.ConfidenceMin, c.Engine.ConfidenceMax)
	}
	if _, err := c.GeneratorTimeframes(); err != nil {
		return err
	}
	return nil
}

// GeneratorTimeframes valida y convierte los timeframes del generador.
func (c *Config) GeneratorTimeframes() ([]domain.Timeframe, error) {
	out := make([]domain.Timeframe, 0, len(c.Generator.Timeframes))
	for _, s := range c.Generator.Timeframes {
		tf, err := domain.ParseTimeframe(s)
		if err != nil {
			return nil, fmt.Errorf("generator.timeframes: %w", err)
		}
		out = append(out, tf)
	}
	return out, nil
}

// GeneratorEnabled devuelve si el generador corre en `serve`.
func (c *Config) GeneratorEnabled() bool {
	return c.Generator.Enabled == nil || *c.Generator.Enabled
}

// RefundOnNoData devuelve la política de reembolso (default true).
func (c *Config) RefundOnNoData() bool {
	return c.Engine.RefundOnNoData == nil || *c.Engine.RefundOnNoData
}

// SymbolConfidence devuelve los baselines con los símbolos en mayúsculas.
// nil deja los valores por defecto del servicio.
func (c *Config) SymbolConfidence() map[string]float64 {
	if len(c.Engine.SymbolConfidence) == 0 {
		return nil
	}
	out := make(map[string]float64, len(c.Engine.SymbolConfidence))
	for sym, v := range c.Engine.SymbolConfidence {
		out[domain.NormalizeSymbol(sym)] = v
	}
	return out
}

// Seconds convierte un entero de configuración en time.Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("COINGECKO_API_KEY"); v != "" {
		cfg.CoinGecko.APIKey = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Cache.RedisPassword = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("GATEWAY_TOKEN"); v != "" {
		cfg.HTTP.GatewayToken = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("GENERATOR_WATCHLIST"); v != "" {
		cfg.Generator.Watchlist = strings.Split(v, ",")
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "criptex.db"
	}

	if cfg.CoinGecko.TimeoutSeconds <= 0 {
		cfg.CoinGecko.TimeoutSeconds = 10
	}
	if cfg.CoinGecko.RatePerMinute <= 0 {
		cfg.CoinGecko.RatePerMinute = 24 // 80% del plan demo
	}
	if cfg.CoinGecko.BreakerFailures == 0 {
		cfg.CoinGecko.BreakerFailures = 5
	}
	if cfg.CoinGecko.BreakerTimeoutSeconds <= 0 {
		cfg.CoinGecko.BreakerTimeoutSeconds = 30
	}

	if cfg.Cache.TTLSeconds <= 0 {
		cfg.Cache.TTLSeconds = 15
	}
	if cfg.Cache.RedisPrefix == "" {
		cfg.Cache.RedisPrefix = "criptex:"
	}

	if cfg.Engine.SignupBonus <= 0 {
		cfg.Engine.SignupBonus = 5
	}
	if cfg.Engine.DailyBonus <= 0 {
		cfg.Engine.DailyBonus = 1
	}
	if cfg.Engine.BonusCooldownHours <= 0 {
		cfg.Engine.BonusCooldownHours = 24
	}
	if cfg.Engine.ReferralBonus <= 0 {
		cfg.Engine.ReferralBonus = 1
	}
	if cfg.Engine.PayoutMultiplier <= 0 {
		cfg.Engine.PayoutMultiplier = 2
	}
	if cfg.Engine.BaseConfidence <= 0 {
		cfg.Engine.BaseConfidence = 65
	}
	if cfg.Engine.ConfidenceMin <= 0 {
		cfg.Engine.ConfidenceMin = 55
	}
	if cfg.Engine.ConfidenceMax <= 0 {
		cfg.Engine.ConfidenceMax = 95
	}
	if len(cfg.Engine.ReferralTiers) == 0 {
		cfg.Engine.ReferralTiers = domain.DefaultReferralTiers()
	}

	if cfg.Generator.IntervalSeconds <= 0 {
		cfg.Generator.IntervalSeconds = 300
	}
	if len(cfg.Generator.Watchlist) == 0 {
		cfg.Generator.Watchlist = []string{"BTC", "ETH", "SOL"}
	}
	if len(cfg.Generator.Timeframes) == 0 {
		cfg.Generator.Timeframes = []string{"1h"}
	}
	if cfg.Generator.Concurrency <= 0 {
		cfg.Generator.Concurrency = 4
	}
	if cfg.Generator.OnDemandCooldownSeconds <= 0 {
		cfg.Generator.OnDemandCooldownSeconds = 5
	}

	if cfg.Scheduler.ResyncSeconds <= 0 {
		cfg.Scheduler.ResyncSeconds = 60
	}
	if cfg.Scheduler.MaxWaitFactor <= 0 {
		cfg.Scheduler.MaxWaitFactor = 10
	}
	if cfg.Scheduler.SettleTimeoutSeconds <= 0 {
		cfg.Scheduler.SettleTimeoutSeconds = 15
	}
	if cfg.Scheduler.RetryInitialSeconds <= 0 {
		cfg.Scheduler.RetryInitialSeconds = 5
	}
	if cfg.Scheduler.RetryMaxSeconds <= 0 {
		cfg.Scheduler.RetryMaxSeconds = 120
	}

	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = "127.0.0.1:8080"
	}
	if cfg.HTTP.RequestTimeoutSeconds <= 0 {
		cfg.HTTP.RequestTimeoutSeconds = 20
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
