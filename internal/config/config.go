// Package config loads the chat server's settings from the environment. A
// .env file in the working directory is read first when present; variables
// already set in the environment win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds every setting of cmd/wsserver.
type Config struct {
	ListenAddr        string        `envconfig:"LISTEN_ADDR" default:":8080"`
	WorkerPoolSize    int           `envconfig:"WORKER_POOL_SIZE" default:"256"`
	MaxConnections    int           `envconfig:"MAX_CONNECTIONS" default:"100000"`
	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	AuthTimeout       time.Duration `envconfig:"AUTH_TIMEOUT" default:"5s"`
	EventTimeout      time.Duration `envconfig:"EVENT_TIMEOUT" default:"10s"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	HeartbeatTimeout  time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"10s"`
	AllowedOrigins    []string      `envconfig:"ALLOWED_ORIGINS"`

	JWTSecret string `envconfig:"JWT_SECRET"`
	JWTIssuer string `envconfig:"JWT_ISSUER"`

	StoreDriver       string        `envconfig:"STORE_DRIVER" default:"postgres"`
	DatabaseURL       string        `envconfig:"DATABASE_URL"`
	DBMaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	DBMaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	DBConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"30m"`
	MigrateOnStart    bool          `envconfig:"MIGRATE_ON_START" default:"true"`

	// DevUsers seeds the memory store with "id:role" entries.
	DevUsers []string `envconfig:"DEV_USERS"`

	RedisAddr string `envconfig:"REDIS_ADDR"`
	NATSURL   string `envconfig:"NATS_URL"`

	HistoryPageSize    int `envconfig:"HISTORY_PAGE_SIZE" default:"50"`
	HistoryMaxPageSize int `envconfig:"HISTORY_MAX_PAGE_SIZE" default:"200"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

// Load reads .env (if any) and the environment into a validated Config.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: read .env: %w", err)
	}
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.JWTSecret) == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.StoreDriver))
	}
	if c.WorkerPoolSize <= 0 {
		errs = append(errs, errors.New("WORKER_POOL_SIZE must be positive"))
	}
	if c.AuthTimeout <= 0 {
		errs = append(errs, errors.New("AUTH_TIMEOUT must be positive"))
	}
	if c.HistoryPageSize <= 0 || c.HistoryMaxPageSize < c.HistoryPageSize {
		errs = append(errs, errors.New("HISTORY_PAGE_SIZE must be positive and not exceed HISTORY_MAX_PAGE_SIZE"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
