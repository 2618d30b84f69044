package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Thorugoh/GoMarketplace/internal/cart"
	"github.com/Thorugoh/GoMarketplace/internal/config"
	carthealth "github.com/Thorugoh/GoMarketplace/internal/health"
	h "github.com/Thorugoh/GoMarketplace/internal/http"
	"github.com/Thorugoh/GoMarketplace/internal/metrics"
	"github.com/Thorugoh/GoMarketplace/internal/poller"
	"github.com/Thorugoh/GoMarketplace/internal/storage"
	"github.com/Thorugoh/GoMarketplace/pkg/logger"
	"github.com/Thorugoh/GoMarketplace/pkg/tracing"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

func main() {
	configPath := flag.String("config", os.Getenv("CART_CONFIG"), "path to a config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	l, err := logger.New("cart-service", cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer l.Sync()
	zap.ReplaceGlobals(l)

	if err := run(cfg, l); err != nil {
		l.Fatal("cart service failed", zap.Error(err))
	}
}

func run(cfg *config.Config, l *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, "cart-service", tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			l.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	backend, err := openPersister(ctx, cfg, l)
	if err != nil {
		return err
	}
	persister := storage.NewBreaker(backend, storage.BreakerSettings{
		Name:     "cart-" + cfg.Storage.Driver,
		Failures: cfg.Persist.BreakerFailures,
		Timeout:  cfg.Persist.BreakerTimeout,
	}, l)
	defer func() {
		if err := persister.Close(); err != nil {
			l.Warn("failed to close cart storage", zap.Error(err))
		}
	}()

	var sessions *cart.Sessions
	m := metrics.New(func() int { return sessions.Len() })
	sessions, err = cart.NewSessions(persister, cfg.Storage.KeyPrefix, l,
		cart.WithStoreOptions(
			cart.WithObserver(m),
			cart.WithRetry(cfg.Persist.MaxRetries, cfg.Persist.RetryInterval),
			cart.WithWriteTimeout(cfg.Persist.WriteTimeout),
		),
		cart.WithIdleTimeout(cfg.Storage.SessionIdle),
		cart.WithMaxOpen(cfg.Storage.MaxSessions),
	)
	if err != nil {
		return err
	}
	go sessions.Run(ctx)

	// gRPC health
	healthSrv := health.NewServer()
	watcher := carthealth.NewWatcher(healthSrv, persister, cfg.GRPC.HealthInterval, l)
	go watcher.Run(ctx)

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	// Enable reflection for grpcurl/grpcui
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", ":"+cfg.GRPC.Port)
	if err != nil {
		return fmt.Errorf("failed to listen on grpc port %s: %w", cfg.GRPC.Port, err)
	}
	go func() {
		l.Info("grpc health server listening", zap.String("port", cfg.GRPC.Port))
		if err := grpcServer.Serve(lis); err != nil {
			l.Error("grpc server stopped", zap.Error(err))
		}
	}()

	// HTTP API
	cartHandler := h.NewCartHandler(sessions, h.CartHandlerConfig{
		Timeout:      cfg.HTTP.RequestTimeout,
		FlushOnWrite: cfg.HTTP.FlushOnWrite,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
	}, l)
	srv := &http.Server{
		Addr: ":" + cfg.HTTP.Port,
		Handler: h.NewRouter(h.RouterConfig{
			Handler:        cartHandler,
			Sessions:       sessions,
			Logger:         l,
			RequestTimeout: cfg.HTTP.RequestTimeout,
			Ready:          watcher.Serving,
			Metrics:        m.Handler(),
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.HTTP.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		l.Info("cart http server listening", zap.String("port", cfg.HTTP.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	// Checkout consumer
	if cfg.Kafka.Enabled {
		p := poller.NewPoller(sessions, l, cfg.Kafka.Topic, cfg.Kafka.GroupID, cfg.Kafka.Brokers...)
		defer p.Close()
		go p.Run(ctx)
		l.Info("checkout consumer started", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	<-ctx.Done()
	l.Info("shutting down cart service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Warn("http server forced to shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()

	if err := sessions.Close(shutdownCtx); err != nil {
		l.Error("carts not persisted on shutdown", zap.Error(err))
	}
	l.Info("cart service stopped")
	return nil
}

func openPersister(ctx context.Context, cfg *config.Config, l *zap.Logger) (storage.Persister, error) {
	switch cfg.Storage.Driver {
	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		l.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
		return storage.NewRedisStore(client, cfg.Storage.TTL), nil

	case config.DriverMongo:
		store, err := storage.ConnectMongoStore(ctx, cfg.Mongo.URI, cfg.Mongo.Database, cfg.Mongo.Collection)
		if err != nil {
			return nil, err
		}
		if err := store.CreateIndexes(ctx, cfg.Storage.TTL); err != nil {
			store.Close()
			return nil, err
		}
		l.Info("connected to mongodb", zap.String("database", cfg.Mongo.Database))
		return store, nil

	case config.DriverSQLite:
		store, err := storage.NewSQLiteStore(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		if err := store.RunMigrations(); err != nil {
			store.Close()
			return nil, err
		}
		l.Info("opened sqlite cart storage", zap.String("path", cfg.SQLite.Path))
		return store, nil

	case config.DriverMemory:
		l.Warn("using in-memory cart storage, carts are lost on restart")
		return storage.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}
