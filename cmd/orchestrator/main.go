package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mkesani1/stockclerk-sub001/common/broker"
	"github.com/mkesani1/stockclerk-sub001/common/config"
	"github.com/mkesani1/stockclerk-sub001/common/logger"
	"github.com/mkesani1/stockclerk-sub001/common/metrics"
	"github.com/mkesani1/stockclerk-sub001/common/tracing"
	"github.com/mkesani1/stockclerk-sub001/discovery"
	"github.com/mkesani1/stockclerk-sub001/discovery/consul"
	"github.com/mkesani1/stockclerk-sub001/discovery/inmem"
	"github.com/mkesani1/stockclerk-sub001/eventbus"
	"github.com/mkesani1/stockclerk-sub001/orchestrator"
	"github.com/mkesani1/stockclerk-sub001/repository/mongo"
	"github.com/mkesani1/stockclerk-sub001/repository/postgres"
	"github.com/mkesani1/stockclerk-sub001/repository/redis"
	"github.com/mkesani1/stockclerk-sub001/tenantworker"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
)

var (
	serviceName = "orchestrator"
	consulAddr  = config.GetEnv("CONSUL_ADDR", "")
	amqpUser    = config.GetEnv("RABBITMQ_USER", "guest")
	amqpPass    = config.GetEnv("RABBITMQ_PASS", "guest")
	amqpHost    = config.GetEnv("RABBITMQ_HOST", "localhost")
	amqpPort    = config.GetEnv("RABBITMQ_PORT", "5672")

	postgresHost = config.GetEnv("POSTGRES_HOST", "localhost")
	postgresPort = config.GetEnv("POSTGRES_PORT", "5432")
	postgresUser = config.GetEnv("POSTGRES_USER", "sync_engine")
	postgresPass = config.GetEnv("POSTGRES_PASSWORD", "sync_engine")
	postgresDB   = config.GetEnv("POSTGRES_DB", "sync_engine")

	mongoURI = config.GetEnv("MONGO_URI", "mongodb://localhost:27017")

	redisAddr = config.GetEnv("REDIS_ADDR", "localhost:6379")
	redisPass = config.GetEnv("REDIS_PASSWORD", "")
)

// main boots the Tenant Orchestrator: it supervises one goroutine tree per
// tenant in this single process (spec.md §4.7, realized per Open Question
// 4's decision as goroutines rather than OS child processes), reconciling
// the active tenant set against the repository on a fixed poll and
// restarting crashed workers with capped exponential backoff.
func main() {
	zlog, _ := zap.NewProduction()
	defer zlog.Sync()

	shutdownTracer, err := tracing.InitTracer(tracing.ServiceName(serviceName, ""))
	if err != nil {
		zlog.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		postgresUser, postgresPass, postgresHost, postgresPort, postgresDB)
	store, err := postgres.NewStore(connStr)
	if err != nil {
		zlog.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer store.Close()
	zlog.Info("connected to postgres", zap.String("database", postgresDB))

	mongoCtx, mongoCancel := context.WithTimeout(context.Background(), 20*time.Second)
	mongoClient, err := mongodriver.Connect(mongoCtx, mongooptions.Client().ApplyURI(mongoURI))
	mongoCancel()
	if err != nil {
		zlog.Fatal("failed to connect to mongo", zap.Error(err))
	}
	defer mongoClient.Disconnect(context.Background())
	zlog.Info("connected to mongo", zap.String("uri", mongoURI))

	redisClient := tenantworker.NewRedisClient(redisAddr, redisPass, 0)
	defer redisClient.Close()
	cachedRules := redis.NewCachedAlertRules(store, redisClient, 5*time.Minute)

	dedupeKV, err := redis.NewKV(redisAddr, redisPass, 1)
	if err != nil {
		zlog.Fatal("failed to connect to redis for dedupe KV", zap.Error(err))
	}
	defer dedupeKV.Close()

	ch, closeBroker, err := broker.Connect(amqpUser, amqpPass, amqpHost, amqpPort)
	if err != nil {
		zlog.Fatal("failed to connect to rabbitmq", zap.Error(err))
	}
	defer func() {
		closeBroker()
		ch.Close()
	}()
	zlog.Info("connected to rabbitmq", zap.String("host", amqpHost))

	var registry discovery.Registry
	if consulAddr != "" {
		consulRegistry, err := consul.NewRegistry(consulAddr)
		if err != nil {
			zlog.Fatal("failed to connect to consul", zap.Error(err))
		}
		registry = consulRegistry
		zlog.Info("using consul service discovery", zap.String("addr", consulAddr))
	} else {
		registry = inmem.NewRegistry()
		zlog.Info("CONSUL_ADDR not set, using in-process discovery registry")
	}

	agentLogger := logger.NewLogger(serviceName)
	orchestratorMetrics := metrics.NewOrchestratorMetrics(serviceName)

	sharedMetrics := tenantworker.SharedMetrics{
		Job:      metrics.NewJobMetrics(serviceName),
		Sync:     metrics.NewSyncMetrics(serviceName),
		Guardian: metrics.NewGuardianMetrics(serviceName),
		Alert:    metrics.NewAlertMetrics(serviceName),
	}

	processBus := eventbus.New(agentLogger)

	deps := tenantworker.Deps{
		Relational: store,
		AlertRules: cachedRules,
		AMQP:       ch,
		DedupeKV:   dedupeKV,
		Logger:     agentLogger,
		Metrics:    sharedMetrics,
		ProcessBus: processBus,
	}
	cfg := tenantworker.DefaultConfig()

	// Every tenant gets its own Mongo-backed sync-event store (one database
	// per tenant, per repository/mongo's design); everything else in deps is
	// shared across the whole process.
	run := func(ctx context.Context, w *orchestrator.Worker) error {
		tenantDeps := deps
		syncEvents, err := mongo.NewStore(ctx, mongoClient, w.TenantID)
		if err != nil {
			return fmt.Errorf("failed to set up mongo store for tenant %s: %w", w.TenantID, err)
		}
		tenantDeps.SyncEvents = syncEvents
		return tenantworker.Run(ctx, w, w.TenantID, tenantDeps, cfg)
	}

	orch := orchestrator.New(run, registry, processBus, orchestratorMetrics, agentLogger)

	listTenants := func(ctx context.Context) ([]string, error) {
		return store.GetAllTenantIDs(ctx)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		zlog.Info("shutdown signal received, stopping tenant workers")
		cancel()
	}()

	zlog.Info("tenant orchestrator starting")
	orch.Run(ctx, listTenants)
	zlog.Info("tenant orchestrator stopped")
}
