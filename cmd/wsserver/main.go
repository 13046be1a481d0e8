package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teamchat/chat-app/internal/auth"
	"github.com/teamchat/chat-app/internal/chat"
	"github.com/teamchat/chat-app/internal/config"
	"github.com/teamchat/chat-app/internal/gateway"
	"github.com/teamchat/chat-app/internal/logging"
	"github.com/teamchat/chat-app/internal/message"
	"github.com/teamchat/chat-app/internal/messaging"
	"github.com/teamchat/chat-app/internal/ratelimit"
	"github.com/teamchat/chat-app/internal/registry"
	"github.com/teamchat/chat-app/internal/storage/memory"
	"github.com/teamchat/chat-app/internal/storage/postgres"
	"github.com/teamchat/chat-app/internal/user"
	"github.com/teamchat/chat-app/internal/ws"
)

// backend is everything the chat components need from storage.
type backend interface {
	chat.Store
	message.Store
	auth.PrincipalLookup
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Storage ---
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var (
		gwOpts []gateway.Option
		wsOpts []ws.Option
	)

	// --- Redis ---
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable, rate limits fail open until it recovers", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		cancel()
		limiter := ratelimit.NewLimiter(rdb, logger)
		gwOpts = append(gwOpts, gateway.WithLimiter(limiter))
		wsOpts = append(wsOpts, ws.WithConnectLimiter(limiter))
	}

	// --- NATS ---
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		bus, err := messaging.Connect(natsConfig, logger)
		if err != nil {
			return err
		}
		defer bus.Close()
		gwOpts = append(gwOpts, gateway.WithEvents(messaging.NewEventPublisher(bus, logger)))
	}

	authenticator := auth.NewAuthenticator(auth.Config{
		Secret:  []byte(cfg.JWTSecret),
		Issuer:  cfg.JWTIssuer,
		Timeout: cfg.AuthTimeout,
	}, store)
	directory := chat.NewDirectory(store, store, logger)
	log := message.NewLog(store, message.Config{
		DefaultPageSize: cfg.HistoryPageSize,
		MaxPageSize:     cfg.HistoryMaxPageSize,
	}, logger)
	gw := gateway.New(gateway.Config{EventTimeout: cfg.EventTimeout}, directory, log, registry.New(), logger, gwOpts...)

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.WorkerPoolSize = cfg.WorkerPoolSize
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.ReadTimeout = cfg.ReadTimeout
	serverConfig.WriteTimeout = cfg.WriteTimeout
	serverConfig.AuthTimeout = cfg.AuthTimeout
	serverConfig.AllowedOrigins = cfg.AllowedOrigins
	serverConfig.Heartbeat = ws.HeartbeatConfig{Interval: cfg.HeartbeatInterval, Timeout: cfg.HeartbeatTimeout}

	server, err := ws.NewServer(serverConfig, authenticator, gw, logger, wsOpts...)
	if err != nil {
		return err
	}

	logger.Info("chat server starting",
		zap.String("listen_addr", serverConfig.ListenAddr),
		zap.Int("worker_pool", serverConfig.WorkerPoolSize),
		zap.Int("max_connections", serverConfig.MaxConnections),
		zap.String("store", cfg.StoreDriver),
		zap.Bool("rate_limits", cfg.RedisAddr != ""),
		zap.Bool("events", cfg.NATSURL != ""),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("received signal, initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// openStore connects the configured storage driver.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (backend, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		store := memory.New()
		if err := seedUsers(store, cfg.DevUsers); err != nil {
			return nil, nil, err
		}
		logger.Warn("using in-memory store; data is lost on restart", zap.Int("seeded_users", len(cfg.DevUsers)))
		return store, func() {}, nil

	case config.DriverPostgres:
		if cfg.MigrateOnStart {
			if err := postgres.Migrate(cfg.DatabaseURL, logger); err != nil {
				return nil, nil, err
			}
		}
		pgConfig := postgres.DefaultConfig(cfg.DatabaseURL)
		pgConfig.MaxOpenConns = cfg.DBMaxOpenConns
		pgConfig.MaxIdleConns = cfg.DBMaxIdleConns
		pgConfig.ConnMaxLifetime = cfg.DBConnMaxLifetime
		store, err := postgres.Open(ctx, pgConfig, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("close postgres", zap.Error(err))
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// seedUsers adds "id:role" entries to the memory store.
func seedUsers(store *memory.Store, entries []string) error {
	for _, entry := range entries {
		id, roleText, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok || id == "" {
			return fmt.Errorf("DEV_USERS entry %q must be id:role", entry)
		}
		role, err := auth.ParseRole(roleText)
		if err != nil {
			return errors.Join(fmt.Errorf("DEV_USERS entry %q", entry), err)
		}
		store.AddUser(user.User{ID: id, Name: id, Role: role, Status: user.StatusActive, CreatedAt: time.Now().UTC()})
	}
	return nil
}
