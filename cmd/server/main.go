package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/stock-deduction/internal/adapter/handler"
	"github.com/rl1809/stock-deduction/internal/adapter/notify"
	"github.com/rl1809/stock-deduction/internal/adapter/storage"
	"github.com/rl1809/stock-deduction/internal/config"
	"github.com/rl1809/stock-deduction/internal/core/domain"
	"github.com/rl1809/stock-deduction/internal/core/retry"
	"github.com/rl1809/stock-deduction/internal/core/service"
	"github.com/rl1809/stock-deduction/internal/observability"
	"github.com/rl1809/stock-deduction/internal/port"
)

type ledgerStore interface {
	port.LedgerRepository
	port.HealthSource
	SetStock(ctx context.Context, item domain.StockItem) error
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.Development)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, shutdownTracing, err := observability.SetupTracing(ctx, cfg.OtelEndpoint, config.ServiceName, config.ServiceVersion)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	var (
		ledger   ledgerStore
		catalogs port.CatalogSource
		seedCat  func(context.Context, []domain.CatalogItem) error
	)
	switch cfg.Storage {
	case config.StorageMySQL:
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			return err
		}

		mysqlAdapter := storage.NewMySQLAdapter(db)
		if err := mysqlAdapter.Migrate(ctx); err != nil {
			return err
		}
		logger.Info("connected to mysql")
		ledger, catalogs = mysqlAdapter, mysqlAdapter
		seedCat = func(ctx context.Context, items []domain.CatalogItem) error {
			for _, it := range items {
				if err := mysqlAdapter.UpsertCatalogItem(ctx, it); err != nil {
					return err
				}
			}
			return nil
		}
	default:
		ledger = storage.NewMemoryLedger()
		catalogs = storage.NewMemoryCatalog()
		seedCat = func(_ context.Context, items []domain.CatalogItem) error {
			catalogs = storage.NewMemoryCatalog(items...)
			return nil
		}
		logger.Warn("using in-memory storage, state is lost on restart")
	}

	if cfg.SeedFile != "" {
		seed, err := config.LoadSeed(cfg.SeedFile)
		if err != nil {
			return err
		}
		for _, item := range seed.Stock {
			if err := ledger.SetStock(ctx, item); err != nil {
				return err
			}
		}
		if err := seedCat(ctx, seed.Catalog); err != nil {
			return err
		}
		logger.Info("seeded stock", zap.Int("items", len(seed.Stock)), zap.Int("catalog", len(seed.Catalog)))
	}

	metrics := observability.NewMetrics()
	coordOpts := []service.CoordinatorOption{
		service.WithRetryPolicy(retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		}),
		service.WithLogger(logger),
		service.WithRecorder(metrics),
	}

	var queueRepo port.QueueRepository = storage.NewMemoryQueue()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: 100,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		logger.Info("connected to redis")
		coordOpts = append(coordOpts, service.WithResultCache(storage.NewRedisAdapter(rdb)))
		queueRepo = storage.NewRedisQueue(rdb)
	}

	notifiers := notify.Multi{notify.NewLogNotifier(logger)}
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := notify.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, config.ServiceName, tp)
		if err != nil {
			return err
		}
		kafkaNotifier := notify.NewKafkaNotifier(producer)
		defer kafkaNotifier.Close()
		notifiers = append(notifiers, kafkaNotifier)
	}

	coordinator := service.NewCoordinator(ledger, coordOpts...)
	queue := service.NewQueueService(queueRepo, coordinator, notifiers,
		service.WithQueueLogger(logger),
		service.WithQueueRecorder(metrics),
	)
	sales := service.NewSaleService(catalogs, coordinator, queue, logger)
	monitor, err := service.NewMonitor(ledger, queueRepo, service.MonitorConfig{
		Window:       cfg.Monitor.Window,
		CriticalRule: cfg.Monitor.CriticalRule,
		WarningRule:  cfg.Monitor.WarningRule,
	}, service.WithMonitorLogger(logger), service.WithMonitorRecorder(metrics))
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	handler.NewHTTPHandler(coordinator, sales, queue, monitor, logger).Register(mux)
	mux.Handle("GET /metrics", metrics.Handler())
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.WithRequestID(handler.WithLogging(logger, mux)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer()
	handler.RegisterDeductionServer(grpcServer, handler.NewGRPCHandler(coordinator, sales, logger))
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		return grpcServer.Serve(lis)
	})
	if len(cfg.Sweep.Stores) > 0 {
		g.Go(func() error {
			return queue.RunSweeper(ctx, cfg.Sweep.Stores, cfg.Sweep.Interval)
		})
		g.Go(func() error {
			return monitor.Run(ctx, cfg.Sweep.Stores, cfg.Monitor.Interval, nil)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return err
	})

	return g.Wait()
}
