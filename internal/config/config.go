package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	LogLevel      string   `mapstructure:"LOG_LEVEL"`
	Store         string   `mapstructure:"STORE"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir string   `mapstructure:"MIGRATIONS_DIR"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`

	Currency            string `mapstructure:"BILLING_CURRENCY"`
	FallbackCopayBps    int64  `mapstructure:"COVERAGE_FALLBACK_COPAY_BPS"`
	FallbackDiscountBps int64  `mapstructure:"COVERAGE_FALLBACK_DISCOUNT_BPS"`
	MaxRetries          int    `mapstructure:"BILLING_MAX_RETRIES"`

	RedisURL       string        `mapstructure:"REDIS_URL"`
	IdempotencyTTL time.Duration `mapstructure:"IDEMPOTENCY_TTL"`

	AMQPURL      string `mapstructure:"AMQP_URL"`
	AMQPExchange string `mapstructure:"AMQP_EXCHANGE"`

	S3Endpoint   string        `mapstructure:"S3_ENDPOINT"`
	S3AccessKey  string        `mapstructure:"S3_ACCESS_KEY"`
	S3SecretKey  string        `mapstructure:"S3_SECRET_KEY"`
	S3Bucket     string        `mapstructure:"S3_BUCKET"`
	S3Region     string        `mapstructure:"S3_REGION"`
	S3Prefix     string        `mapstructure:"S3_PREFIX"`
	S3UseSSL     bool          `mapstructure:"S3_USE_SSL"`
	ExportURLTTL time.Duration `mapstructure:"EXPORT_URL_TTL"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"MIGRATIONS_DIR", "DEFAULT_TENANT", "CORS_ORIGINS", "AUTH_ISSUER", "AUTH_SIGNING_KEY",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"BILLING_CURRENCY", "COVERAGE_FALLBACK_COPAY_BPS", "COVERAGE_FALLBACK_DISCOUNT_BPS", "BILLING_MAX_RETRIES",
	"REDIS_URL", "IDEMPOTENCY_TTL", "AMQP_URL", "AMQP_EXCHANGE",
	"S3_ENDPOINT", "S3_ACCESS_KEY", "S3_SECRET_KEY", "S3_BUCKET", "S3_REGION", "S3_PREFIX", "S3_USE_SSL", "EXPORT_URL_TTL",
}

// Load reads configuration from the environment and an optional .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("BILLING_CURRENCY", "UGX")
	v.SetDefault("COVERAGE_FALLBACK_COPAY_BPS", 2000)
	v.SetDefault("COVERAGE_FALLBACK_DISCOUNT_BPS", 1000)
	v.SetDefault("BILLING_MAX_RETRIES", 3)
	v.SetDefault("IDEMPOTENCY_TTL", "24h")
	v.SetDefault("AMQP_EXCHANGE", "hmis.billing")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("EXPORT_URL_TTL", "15m")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}
	cfg.Currency = strings.ToUpper(strings.TrimSpace(cfg.Currency))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesPostgres reports whether invoices are kept in PostgreSQL rather than
// in process memory.
func (c *Config) UsesPostgres() bool {
	return c.Store != "memory"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.Store {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE=postgres")
		}
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("STORE=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("STORE must be \"postgres\" or \"memory\", got %q", c.Store)
	}

	if !c.IsDev() && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY of at least 32 bytes is required outside development (ENV=%q)", c.Env)
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("BILLING_CURRENCY must be an ISO 4217 code, got %q", c.Currency)
	}
	for name, bps := range map[string]int64{
		"COVERAGE_FALLBACK_COPAY_BPS":    c.FallbackCopayBps,
		"COVERAGE_FALLBACK_DISCOUNT_BPS": c.FallbackDiscountBps,
	} {
		if bps < 0 || bps > 10000 {
			return fmt.Errorf("%s must be between 0 and 10000, got %d", name, bps)
		}
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("BILLING_MAX_RETRIES must be at least 1, got %d", c.MaxRetries)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.S3Endpoint != "" && c.S3Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when S3_ENDPOINT is set")
	}
	return nil
}
