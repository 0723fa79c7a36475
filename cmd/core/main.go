package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	grpc_adapter "github.com/JoeShih716/go-wallet-ledger/internal/app/core/adapter/in/grpc"
	http_adapter "github.com/JoeShih716/go-wallet-ledger/internal/app/core/adapter/in/http"
	kafka_adapter "github.com/JoeShih716/go-wallet-ledger/internal/app/core/adapter/out/kafka"
	memory_adapter "github.com/JoeShih716/go-wallet-ledger/internal/app/core/adapter/out/memory"
	mysql_adapter "github.com/JoeShih716/go-wallet-ledger/internal/app/core/adapter/out/mysql"
	postgres_adapter "github.com/JoeShih716/go-wallet-ledger/internal/app/core/adapter/out/postgres"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-wallet-ledger/internal/config"
	"github.com/JoeShih716/go-wallet-ledger/internal/logging"
	"github.com/JoeShih716/go-wallet-ledger/pkg/mysql"
	"github.com/JoeShih716/go-wallet-ledger/pkg/postgres"
	"github.com/JoeShih716/go-wallet-ledger/pkg/wal"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the yaml config file")
	flag.Parse()

	// 1. 載入設定
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited")
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 初始化儲存層
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. 事件發佈
	var publisher usecase.EventPublisher = usecase.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		p := kafka_adapter.NewPublisher(kafka_adapter.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			WriteTimeout: cfg.Kafka.WriteTimeout,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		})
		defer func() {
			if err := p.Close(); err != nil {
				logger.Warn("close kafka publisher", "error", err)
			}
		}()
		publisher = p
		logger.Info("publishing ledger events to kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// 4. 初始化 UseCase
	loc, err := cfg.Ledger.Location()
	if err != nil {
		return err
	}
	core := usecase.NewCoordinator(store, publisher, logger, usecase.Options{
		MaxAttempts:   cfg.Ledger.MaxAttempts,
		RetryBackoff:  cfg.Ledger.RetryBackoff,
		AutoProvision: cfg.Ledger.AutoProvisionWallets,
		Location:      loc,
	})

	// 5. gRPC Server
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPC.Addr, err)
	}
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(grpc_adapter.LoggingInterceptor(logger)))
	grpc_adapter.Register(grpcServer, grpc_adapter.NewGrpcServer(core))
	if cfg.GRPC.Reflection {
		reflection.Register(grpcServer) // 方便 grpcurl / Postman 測試
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("starting grpc server", "addr", cfg.GRPC.Addr)
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc serve: %w", err)
		}
	}()

	// 6. HTTP Server (選用)
	var httpServer *http_adapter.Server
	if cfg.HTTP.Enabled {
		httpServer = http_adapter.NewServer(core, http_adapter.Options{
			RateLimit:  cfg.HTTP.RateLimit,
			RateWindow: cfg.HTTP.RateWindow,
		}, logger)
		go func() {
			logger.Info("starting http server", "addr", cfg.HTTP.Addr)
			if err := httpServer.Listen(cfg.HTTP.Addr); err != nil {
				errCh <- fmt.Errorf("http serve: %w", err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down server...")
	case serveErr = <-errCh:
	}

	// Graceful Shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
	}
	grpcServer.GracefulStop()
	return serveErr
}

// openStore 依 storage.driver 建立 Store，回傳的 close 函式負責釋放連線或 WAL
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (usecase.Store, func(), error) {
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		var w *wal.WAL
		if cfg.Storage.WALPath != "" {
			if err := os.MkdirAll(filepath.Dir(cfg.Storage.WALPath), 0o755); err != nil {
				return nil, nil, fmt.Errorf("create wal dir: %w", err)
			}
			opened, err := wal.Open(cfg.Storage.WALPath)
			if err != nil {
				return nil, nil, fmt.Errorf("open wal: %w", err)
			}
			w = opened
		}
		var opts []memory_adapter.Option
		if cfg.Storage.GroupCommitBatch > 0 {
			opts = append(opts, memory_adapter.WithGroupCommit(cfg.Storage.GroupCommitBatch))
		}
		store, err := memory_adapter.NewStore(w, logger, opts...)
		if err != nil {
			if w != nil {
				_ = w.Close()
			}
			return nil, nil, err
		}
		logger.Info("using memory store", "wal", cfg.Storage.WALPath, "group_commit_batch", cfg.Storage.GroupCommitBatch)
		return store, func() {
			store.Close()
			if w == nil {
				return
			}
			if err := w.Close(); err != nil {
				logger.Warn("close wal", "error", err)
			}
		}, nil

	case config.DriverMySQL:
		client, err := mysql.NewClient(ctx, cfg.MySQL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect mysql: %w", err)
		}
		store := mysql_adapter.NewStore(client)
		if err := store.Migrate(ctx); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("migrate mysql: %w", err)
		}
		logger.Info("connected to mysql", "host", cfg.MySQL.Host, "db", cfg.MySQL.DBName)
		return store, func() {
			if err := client.Close(); err != nil {
				logger.Warn("close mysql", "error", err)
			}
		}, nil

	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Postgres, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		store := postgres_adapter.NewStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		logger.Info("connected to postgres")
		return store, pool.Close, nil
	}
	return nil, nil, errors.New("unknown storage driver " + cfg.Storage.Driver)
}
