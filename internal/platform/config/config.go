// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	pstrings "cardvault/pkg/platform/strings"
)

const devSigningKey = "dev-secret-key-change-in-production"

// Config is the full service configuration. Empty infrastructure URLs select
// the in-process fallback for that concern.
type Config struct {
	Server    Server
	Database  Database
	Redis     Redis
	Kafka     Kafka
	Identity  Identity
	Grading   Grading
	Supply    Supply
	Events    Events
	RateLimit RateLimit
	Log       Log

	CatalogFile string `env:"CATALOG_FILE"`
}

type Server struct {
	Addr            string        `env:"CARDVAULT_ADDR"        envDefault:":8080"`
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT"   envDefault:"15s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT"  envDefault:"35s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT"   envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"      envDefault:"10s"`
}

type Database struct {
	URL          string        `env:"DATABASE_URL"`
	TxTimeout    time.Duration `env:"TX_TIMEOUT"         envDefault:"5s"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS"  envDefault:"25"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS"  envDefault:"5"`
}

type Redis struct {
	URL          string        `env:"REDIS_URL"`
	PoolSize     int           `env:"REDIS_POOL_SIZE"      envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT"   envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT"   envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT"  envDefault:"3s"`
}

type Kafka struct {
	Brokers  []string `env:"KAFKA_BROKERS"   envSeparator:","`
	Topic    string   `env:"EVENTS_TOPIC"    envDefault:"cardvault.events"`
	ClientID string   `env:"KAFKA_CLIENT_ID" envDefault:"cardvault"`
}

type Identity struct {
	SigningKey string `env:"IDENTITY_SIGNING_KEY"`
	Issuer     string `env:"IDENTITY_ISSUER"   envDefault:"cardvault"`
	Audience   string `env:"IDENTITY_AUDIENCE" envDefault:"cardvault-api"`
}

type Grading struct {
	Wait time.Duration `env:"GRADING_WAIT" envDefault:"24h"`
}

type Supply struct {
	CacheTTL time.Duration `env:"SUPPLY_CACHE_TTL" envDefault:"30s"`
}

type Events struct {
	BufferSize int `env:"EVENT_BUFFER_SIZE" envDefault:"10000"`
}

// RateLimit caps requests per user. Zero Requests disables the limiter.
type RateLimit struct {
	Requests int           `env:"RATE_LIMIT_REQUESTS" envDefault:"120"`
	Window   time.Duration `env:"RATE_LIMIT_WINDOW"   envDefault:"1m"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL"  envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads an optional .env file, then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv parses the process environment without touching .env files.
func FromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Kafka.Brokers = pstrings.DedupeAndTrim(cfg.Kafka.Brokers)
	if cfg.Identity.SigningKey == "" {
		cfg.Identity.SigningKey = devSigningKey
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values that would make the service misbehave silently.
func (c Config) Validate() error {
	if c.Grading.Wait < 0 {
		return errors.New("GRADING_WAIT must not be negative")
	}
	if c.Events.BufferSize <= 0 {
		return errors.New("EVENT_BUFFER_SIZE must be positive")
	}
	if c.RateLimit.Requests < 0 || c.RateLimit.Window <= 0 {
		return errors.New("RATE_LIMIT_REQUESTS must not be negative and RATE_LIMIT_WINDOW must be positive")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return errors.New("SERVER_READ_TIMEOUT and SERVER_WRITE_TIMEOUT must be positive")
	}
	if c.Database.TxTimeout <= 0 {
		return errors.New("TX_TIMEOUT must be positive")
	}
	if len(c.Identity.SigningKey) < 16 {
		return errors.New("IDENTITY_SIGNING_KEY must be at least 16 bytes")
	}
	return nil
}

// UsesDevSigningKey reports whether the built-in development key is active.
func (c Config) UsesDevSigningKey() bool {
	return c.Identity.SigningKey == devSigningKey
}
