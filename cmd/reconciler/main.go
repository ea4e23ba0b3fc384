package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/koushal2018/ai-trade-matching-system/internal/config"
	"github.com/koushal2018/ai-trade-matching-system/internal/idempotency"
	"github.com/koushal2018/ai-trade-matching-system/internal/matching"
	"github.com/koushal2018/ai-trade-matching-system/internal/messaging"
	"github.com/koushal2018/ai-trade-matching-system/internal/orchestrator"
	"github.com/koushal2018/ai-trade-matching-system/internal/registry"
	"github.com/koushal2018/ai-trade-matching-system/internal/reports"
	"github.com/koushal2018/ai-trade-matching-system/internal/server"
	"github.com/koushal2018/ai-trade-matching-system/internal/storage"
	"github.com/koushal2018/ai-trade-matching-system/internal/triage"
	"github.com/koushal2018/ai-trade-matching-system/pkg/logger"
	"github.com/koushal2018/ai-trade-matching-system/pkg/models"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage.
	var dialector gorm.Dialector
	switch cfg.Database.Dialect {
	case "postgres":
		dialector = postgres.Open(cfg.Database.DSN)
	default:
		dialector = sqlite.Open(cfg.Database.DSN)
	}
	table, err := storage.NewTable(dialector, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to open storage", zap.Error(err))
	}
	trades := storage.NewTradeStore(table)
	results := storage.NewMatchResultStore(table)
	exceptions := storage.NewExceptionStore(table)

	// Transport.
	var producer messaging.Producer
	var consumer messaging.Consumer
	if cfg.Broker == config.BrokerKafka {
		producer = messaging.NewKafkaProducer(&cfg.Kafka, zapLogger)
		consumer = messaging.NewKafkaConsumer(&cfg.Kafka, zapLogger)
	} else {
		broker := messaging.NewMemoryBroker()
		producer, consumer = broker, broker
	}
	defer producer.Close()
	defer consumer.Close()
	bus := messaging.NewBus(producer, consumer, messaging.DefaultRetryPolicy(), zapLogger)

	// Idempotency.
	var idem idempotency.Store
	if cfg.Idempotency == config.IdempotencyRedis {
		redisStore, err := idempotency.NewRedisStore(ctx, &cfg.Redis, zapLogger)
		if err != nil {
			zapLogger.Fatal("Failed to connect to redis", zap.Error(err))
		}
		defer redisStore.Close()
		idem = redisStore
	} else {
		idem = idempotency.NewMemoryStore(cfg.Redis.Retention)
	}

	// Matching stage.
	engine := matching.NewEngine(cfg.Matching, zapLogger)
	reporter := matching.NewReporter()
	matchStage := matching.NewStage(engine, trades, results, idem, bus, reporter, zapLogger)

	// Triage stage with its learned routing policy.
	history := triage.NewResolutionHistory()
	policy := triage.NewPolicy(storage.NewVersionedStore(table, storage.PartitionPolicy), cfg.Policy, zapLogger)
	triageStage := triage.NewStage(exceptions, history, policy, cfg.Policy, bus, zapLogger)
	watchdog := triage.NewWatchdog(exceptions, triageStage, cfg.Orchestrator.TickInterval, zapLogger)

	// Registry and orchestrator.
	reg := registry.New(storage.NewVersionedStore(table, storage.PartitionRegistry), cfg.Registry, zapLogger)
	for _, entry := range []models.AgentRegistryEntry{
		{
			StageName:    matching.StageName,
			Capabilities: []string{"match", "report"},
			SLATargets:   models.SLATargets{MaxLatencyMs: 500, ThroughputPerHour: 10000, MaxErrorRate: 0.05},
		},
		{
			StageName:    triage.StageName,
			Capabilities: []string{"triage", "route"},
			SLATargets:   models.SLATargets{MaxLatencyMs: 1000, ThroughputPerHour: 2000, MaxErrorRate: 0.05},
		},
	} {
		if err := reg.Register(ctx, entry); err != nil {
			zapLogger.Fatal("Failed to register stage", zap.String("stage", entry.StageName), zap.Error(err))
		}
	}

	var reportStore *reports.Store
	if cfg.Reports.Enabled {
		reportStore, err = reports.New(ctx, cfg.Reports.Config, zapLogger)
		if err != nil {
			zapLogger.Fatal("Failed to connect to report store", zap.Error(err))
		}
	}
	orch := orchestrator.New(cfg.Orchestrator, reg, trades, reporter, reportStore, bus, zapLogger)

	// Start the pipeline.
	if err := matchStage.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start matching stage", zap.Error(err))
	}
	if err := triageStage.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start triage stage", zap.Error(err))
	}
	if err := orch.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start orchestrator", zap.Error(err))
	}

	srv := server.New(cfg.Server, triageStage, reporter, reg, zapLogger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		watchdog.Run(gctx)
		return nil
	})

	zapLogger.Info("Reconciler started",
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.String("broker", cfg.Broker),
		zap.String("database", cfg.Database.Dialect))

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		zapLogger.Fatal("Reconciler exited", zap.Error(err))
	}
	zapLogger.Info("Reconciler stopped")
}
