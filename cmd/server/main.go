package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-room-join/internal/config"
	"github.com/koopa0/system-design/14-room-join/internal/events"
	"github.com/koopa0/system-design/14-room-join/internal/join"
	"github.com/koopa0/system-design/14-room-join/internal/migrations"
	"github.com/koopa0/system-design/14-room-join/internal/reconcile"
	"github.com/koopa0/system-design/14-room-join/internal/storage"
	"github.com/koopa0/system-design/14-room-join/internal/transport"
	"github.com/koopa0/system-design/14-room-join/pkg/logger"
	"github.com/koopa0/system-design/14-room-join/pkg/retry"
)

// main 函數：應用程序入口
//
// 初始化順序：配置 → 日誌 → 存儲 → 事件 → 協調器 → 對帳 → HTTP/WebSocket
func main() {
	configPath := flag.String("config", "", "YAML 配置檔案路徑")
	logLevel := flag.String("log-level", "", "覆蓋日誌級別（debug/info/warn/error）")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	log := logger.Init(cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped gracefully")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. 存儲
	registry, rooms, closeStores, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStores()
	log.Info("storage initialized", "backend", cfg.Join.Backend)

	// 2. 部分失敗事件
	retryOpts := retry.Options{
		MaxAttempts:     cfg.Reconcile.MaxAttempts,
		InitialInterval: cfg.Reconcile.InitialInterval,
		MaxInterval:     cfg.Reconcile.MaxInterval,
		Multiplier:      cfg.Reconcile.Multiplier,
	}
	reconciler := reconcile.New(registry, rooms, retryOpts, log)

	var publisher join.Publisher = join.NopPublisher{}
	if cfg.NATS.Enabled {
		natsPub, err := events.NewNATSPublisher(events.NATSConfig{
			URL:        cfg.NATS.URL,
			Stream:     cfg.NATS.Stream,
			Subject:    cfg.NATS.Subject,
			MaxAge:     cfg.NATS.MaxAge,
			AckWait:    cfg.NATS.AckWait,
			MaxDeliver: cfg.NATS.MaxDeliver,
			NakDelay:   cfg.Reconcile.RetryDelay,
		}, log)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer natsPub.Close()
		publisher = natsPub

		if cfg.Reconcile.Enabled {
			sub, err := natsPub.Subscribe(ctx, cfg.NATS.Durable, reconciler.HandleEvent)
			if err != nil {
				return fmt.Errorf("subscribe partial failures: %w", err)
			}
			defer func() { _ = sub.Unsubscribe() }()
		}
		log.Info("partial failure events via nats", "stream", cfg.NATS.Stream, "subject", cfg.NATS.Subject)
	} else if cfg.Reconcile.Enabled {
		chPub := events.NewChannelPublisher(cfg.Reconcile.Buffer)
		publisher = chPub
		go reconciler.Run(ctx, chPub.Events(), cfg.Reconcile.RetryDelay)
		log.Info("partial failure events via in-process channel")
	}

	// 3. 協調器與閘道
	coordinator := join.NewCoordinator(registry, rooms, publisher, log)
	gateway := transport.NewGateway(coordinator, transport.GatewayOptions{
		PingInterval:   cfg.Gateway.PingInterval,
		ReadTimeout:    cfg.Gateway.ReadTimeout,
		WriteTimeout:   cfg.Gateway.WriteTimeout,
		SendBuffer:     cfg.Gateway.SendBuffer,
		CleanupTimeout: cfg.Gateway.CleanupTimeout,
	}, log)
	handler := transport.NewHandler(coordinator, rooms, gateway, log)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("starting server", "port", cfg.Server.Port)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 先停止接受新請求，再關閉現有 WebSocket（觸發斷線清理）
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shutdown server", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("failed to force close server", "error", closeErr)
		}
	}
	if err := gateway.Shutdown(shutdownCtx); err != nil {
		log.Error("websocket cleanup did not finish", "error", err)
	}
	return nil
}

// openStores 依 join.backend 建立連線登記表與房間存儲
func openStores(ctx context.Context, cfg *config.Config, log *slog.Logger) (join.Registry, join.RoomStore, func(), error) {
	switch cfg.Join.Backend {
	case config.BackendMemory:
		log.Warn("using in-memory stores, state is lost on restart")
		return storage.NewMemoryRegistry(), storage.NewMemoryRooms(), func() {}, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		closeFn := func() { _ = client.Close() }
		return storage.NewRedisRegistry(client, cfg.Join.StoreTimeout),
			storage.NewRedisRooms(client, cfg.Join.StoreTimeout),
			closeFn, nil

	default:
		dsn := cfg.PostgresDSN()

		// 執行嵌入的資料庫遷移
		m, err := migrations.New(dsn, log)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create migrator: %w", err)
		}
		if err := m.Ensure(); err != nil {
			_ = m.Close()
			return nil, nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		if err := m.Close(); err != nil {
			log.Warn("close migrator", "error", err)
		}

		pgConfig, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("parse postgres config: %w", err)
		}
		pgConfig.MaxConns = cfg.Postgres.MaxConns
		pgConfig.MinConns = cfg.Postgres.MinConns

		pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		return storage.NewPostgresRegistry(pool, cfg.Join.StoreTimeout),
			storage.NewPostgresRooms(pool, cfg.Join.StoreTimeout),
			pool.Close, nil
	}
}
