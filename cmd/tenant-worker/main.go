package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mkesani1/stockclerk-sub001/common/broker"
	"github.com/mkesani1/stockclerk-sub001/common/config"
	"github.com/mkesani1/stockclerk-sub001/common/logger"
	"github.com/mkesani1/stockclerk-sub001/common/metrics"
	"github.com/mkesani1/stockclerk-sub001/common/tracing"
	"github.com/mkesani1/stockclerk-sub001/orchestrator"
	mongostore "github.com/mkesani1/stockclerk-sub001/repository/mongo"
	"github.com/mkesani1/stockclerk-sub001/repository/postgres"
	"github.com/mkesani1/stockclerk-sub001/repository/redis"
	"github.com/mkesani1/stockclerk-sub001/tenantworker"
)

var (
	tenantID = config.MustGetEnv("TENANT_ID")

	amqpUser = config.GetEnv("RABBITMQ_USER", "guest")
	amqpPass = config.GetEnv("RABBITMQ_PASS", "guest")
	amqpHost = config.GetEnv("RABBITMQ_HOST", "localhost")
	amqpPort = config.GetEnv("RABBITMQ_PORT", "5672")

	postgresHost = config.GetEnv("POSTGRES_HOST", "localhost")
	postgresPort = config.GetEnv("POSTGRES_PORT", "5432")
	postgresUser = config.GetEnv("POSTGRES_USER", "sync_engine")
	postgresPass = config.GetEnv("POSTGRES_PASSWORD", "sync_engine")
	postgresDB   = config.GetEnv("POSTGRES_DB", "sync_engine")

	mongoURI = config.GetEnv("MONGO_URI", "mongodb://localhost:27017")

	redisAddr = config.GetEnv("REDIS_ADDR", "localhost:6379")
	redisPass = config.GetEnv("REDIS_PASSWORD", "")
)

// main runs a single tenant's watcher/syncer/guardian/alertengine goroutine
// tree standalone, outside the orchestrator's supervision — useful for
// local development and for debugging one tenant in isolation. Production
// deployments run every tenant through cmd/orchestrator instead, which
// calls the same tenantworker.Run under restart/heartbeat supervision.
func main() {
	serviceName := tracing.ServiceName("tenant-worker", tenantID)
	log := logger.NewLogger(serviceName)
	log = logger.ForTenant(log, tenantID)

	shutdownTracer, err := tracing.InitTracer(serviceName)
	if err != nil {
		log.Error("failed to init tracer", "err", err)
		os.Exit(1)
	}
	defer shutdownTracer()

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		postgresUser, postgresPass, postgresHost, postgresPort, postgresDB)
	store, err := postgres.NewStore(connStr)
	if err != nil {
		log.Error("failed to connect to postgres", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	mongoCtx, mongoCancel := context.WithTimeout(context.Background(), 20*time.Second)
	mongoClient, err := mongo.Connect(mongoCtx, options.Client().ApplyURI(mongoURI))
	mongoCancel()
	if err != nil {
		log.Error("failed to connect to mongo", "err", err)
		os.Exit(1)
	}
	defer mongoClient.Disconnect(context.Background())

	syncEvents, err := mongostore.NewStore(context.Background(), mongoClient, tenantID)
	if err != nil {
		log.Error("failed to set up mongo store", "err", err)
		os.Exit(1)
	}

	redisClient := tenantworker.NewRedisClient(redisAddr, redisPass, 0)
	defer redisClient.Close()
	cachedRules := redis.NewCachedAlertRules(store, redisClient, 5*time.Minute)

	dedupeKV, err := redis.NewKV(redisAddr, redisPass, 1)
	if err != nil {
		log.Error("failed to connect to redis for dedupe KV", "err", err)
		os.Exit(1)
	}
	defer dedupeKV.Close()

	ch, closeBroker, err := broker.Connect(amqpUser, amqpPass, amqpHost, amqpPort)
	if err != nil {
		log.Error("failed to connect to rabbitmq", "err", err)
		os.Exit(1)
	}
	defer func() {
		closeBroker()
		ch.Close()
	}()

	deps := tenantworker.Deps{
		Relational: store,
		SyncEvents: syncEvents,
		AlertRules: cachedRules,
		AMQP:       ch,
		DedupeKV:   dedupeKV,
		Logger:     log,
		Metrics: tenantworker.SharedMetrics{
			Job:      metrics.NewJobMetrics(serviceName),
			Sync:     metrics.NewSyncMetrics(serviceName),
			Guardian: metrics.NewGuardianMetrics(serviceName),
			Alert:    metrics.NewAlertMetrics(serviceName),
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	w := &orchestrator.Worker{TenantID: tenantID}
	log.Info("tenant worker starting")
	if err := tenantworker.Run(ctx, w, tenantID, deps, tenantworker.DefaultConfig()); err != nil {
		log.Error("tenant worker exited with error", "err", err)
		os.Exit(1)
	}
	log.Info("tenant worker stopped")
}
