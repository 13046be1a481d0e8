package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	req := require.New(t)
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("STORE_DRIVER", "memory")

	cfg, err := Load()

	req.NoError(err)
	req.Equal(":8080", cfg.ListenAddr)
	req.Equal(5*time.Second, cfg.AuthTimeout)
	req.Equal(50, cfg.HistoryPageSize)
	req.Equal(200, cfg.HistoryMaxPageSize)
	req.True(cfg.MigrateOnStart)
	req.Empty(cfg.AllowedOrigins)
}

func TestLoad_Overrides(t *testing.T) {
	req := require.New(t)
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DATABASE_URL", "postgres://localhost/chat")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")
	t.Setenv("HEARTBEAT_INTERVAL", "15s")
	t.Setenv("WORKER_POOL_SIZE", "16")
	t.Setenv("DEV_USERS", "a:admin,b:employee")

	cfg, err := Load()

	req.NoError(err)
	req.Equal(DriverPostgres, cfg.StoreDriver)
	req.Equal([]string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
	req.Equal(15*time.Second, cfg.HeartbeatInterval)
	req.Equal(16, cfg.WorkerPoolSize)
	req.Equal([]string{"a:admin", "b:employee"}, cfg.DevUsers)
}

func TestValidate(t *testing.T) {
	valid := Config{
		JWTSecret:          "s3cret",
		StoreDriver:        DriverMemory,
		WorkerPoolSize:     1,
		AuthTimeout:        time.Second,
		HistoryPageSize:    10,
		HistoryMaxPageSize: 10,
	}
	require.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing secret", func(c *Config) { c.JWTSecret = " " }, "JWT_SECRET"},
		{"postgres without url", func(c *Config) { c.StoreDriver = DriverPostgres }, "DATABASE_URL"},
		{"unknown driver", func(c *Config) { c.StoreDriver = "mysql" }, "STORE_DRIVER"},
		{"no workers", func(c *Config) { c.WorkerPoolSize = 0 }, "WORKER_POOL_SIZE"},
		{"page size above max", func(c *Config) { c.HistoryPageSize = 20 }, "HISTORY_PAGE_SIZE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}
