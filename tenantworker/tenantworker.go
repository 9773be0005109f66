// Package tenantworker assembles one tenant's watcher/syncer/guardian/
// alertengine goroutine tree against a process-wide set of shared
// connections (Postgres, Mongo, Redis, the AMQP channel). It is the
// TenantWorkerFunc the orchestrator supervises, and cmd/tenant-worker's
// standalone binary runs it directly for local development against a
// single tenant.
package tenantworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mkesani1/stockclerk-sub001/alertengine"
	"github.com/mkesani1/stockclerk-sub001/common/broker"
	"github.com/mkesani1/stockclerk-sub001/common/logger"
	"github.com/mkesani1/stockclerk-sub001/common/metrics"
	"github.com/mkesani1/stockclerk-sub001/domain"
	"github.com/mkesani1/stockclerk-sub001/eventbus"
	"github.com/mkesani1/stockclerk-sub001/guardian"
	"github.com/mkesani1/stockclerk-sub001/jobqueue"
	"github.com/mkesani1/stockclerk-sub001/orchestrator"
	"github.com/mkesani1/stockclerk-sub001/provider"
	"github.com/mkesani1/stockclerk-sub001/repository"
	"github.com/mkesani1/stockclerk-sub001/syncer"
	"github.com/mkesani1/stockclerk-sub001/watcher"
)

// Config holds the knobs spec.md leaves as per-deployment configuration,
// shared by every tenant a process supervises.
type Config struct {
	DedupeTTL              time.Duration
	AlertRulesCacheTTL     time.Duration
	ProviderRequestsPerMin int
	GuardianInterval       time.Duration
	AutoRepairThreshold    int
	HealthCheckInterval    time.Duration

	// SyncEventRetention bounds how long a completed/failed sync event stays
	// in the per-tenant Mongo store before pruneSyncEvents deletes it,
	// implementing the age half of spec.md §4.2's removeOnComplete policy.
	// The count half ("or 100 jobs") has no equivalent here: sync events are
	// an audit log keyed by age, not a bounded work queue.
	SyncEventRetention     time.Duration
	SyncEventPruneInterval time.Duration
}

// DefaultConfig mirrors spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{
		DedupeTTL:              24 * time.Hour,
		AlertRulesCacheTTL:     5 * time.Minute,
		ProviderRequestsPerMin: 60,
		GuardianInterval:       15 * time.Minute,
		AutoRepairThreshold:    3,
		HealthCheckInterval:    30 * time.Second,
		SyncEventRetention:     24 * time.Hour,
		SyncEventPruneInterval: time.Hour,
	}
}

// SharedMetrics collects the process-wide Prometheus metrics every tenant's
// agents record into. promauto registers against the global registry, so
// these must be constructed exactly once per process and handed to every
// tenant worker, never one set per tenant.
type SharedMetrics struct {
	Job      *metrics.JobMetrics
	Sync     *metrics.SyncMetrics
	Guardian *metrics.GuardianMetrics
	Alert    *metrics.AlertMetrics
}

// Deps are the shared, process-wide connections cmd/tenant-worker or
// cmd/orchestrator establishes once and hands to every tenant worker this
// process supervises.
type Deps struct {
	Relational relationalRepository
	SyncEvents syncEventRepository
	AlertRules alertRulesSource
	AMQP       *amqp.Channel
	DedupeKV   dedupeStore
	Logger     *slog.Logger
	Metrics    SharedMetrics

	// ProcessBus is the orchestrator's process-wide bus. When set, Run
	// forwards every sync:*/stock:updated/alert:triggered event published
	// on this tenant's own bus onto it, wrapped in an eventbus.TenantEvent
	// so an external observer watching the process-wide bus can tell which
	// tenant produced it (spec.md §4.7). Left nil by cmd/tenant-worker's
	// standalone binary, which supervises no other tenant to relay to.
	ProcessBus *eventbus.Bus
}

// forwardedEventTypes are the event types spec.md §4.7 requires a tenant
// worker to relay up to its supervising orchestrator.
var forwardedEventTypes = []eventbus.EventType{
	eventbus.SyncStarted,
	eventbus.SyncCompleted,
	eventbus.SyncFailed,
	eventbus.StockUpdated,
	eventbus.AlertTriggered,
}

type relationalRepository interface {
	repository.TenantRepository
	repository.ChannelRepository
	repository.ProductRepository
	repository.MappingRepository
	AlertExists(ctx context.Context, key domain.AlertDedupeKey) (domain.Alert, bool, error)
	CreateAlertIfAbsent(ctx context.Context, alert domain.Alert) (bool, error)
	MarkAlertRead(ctx context.Context, alertID string) error
}

type syncEventRepository interface {
	CreateSyncEvent(ctx context.Context, event domain.SyncEvent) (string, error)
	UpdateSyncEventStatus(ctx context.Context, eventID string, status domain.SyncEventStatus, errMsg string) error
	PruneCompleted(ctx context.Context, retention time.Duration) (int64, error)
}

type alertRulesSource interface {
	GetAlertRules(ctx context.Context, tenantID string) ([]domain.AlertRule, error)
}

type dedupeStore interface {
	MarkWebhookSeen(ctx context.Context, tenantID, channelID, eventID string, ttl time.Duration) (firstSeen bool, err error)
	GetLastPoll(ctx context.Context, channelType domain.ChannelType, channelID string) (time.Time, error)
	SetLastPoll(ctx context.Context, channelType domain.ChannelType, channelID string, at time.Time) error
}

// channelCredentials is the documented shape of Channel.CredentialsBlob a
// provider.HTTPProvider needs: unlike the watcher's signature check, the
// resolver here also needs the base URL and bearer token to build a fully
// configured adapter per channel.
type channelCredentials struct {
	BaseURL       string `json:"base_url"`
	Token         string `json:"token"`
	WebhookSecret string `json:"webhook_secret"`
}

// resolverFor returns a ProviderResolver that constructs a fresh
// provider.HTTPProvider per channel from its stored credentials and
// connects it, so syncer/guardian/alertengine (and now watcher's POS polling
// fallback) each get a ready-to-use provider.Provider without ever parsing
// CredentialsBlob themselves. The same closure value satisfies
// syncer.ProviderResolver, guardian.ProviderResolver, alertengine.ProviderResolver,
// and watcher.ProviderResolver, whose function shapes are identical.
func resolverFor(cfg Config) func(ctx context.Context, channel domain.Channel) (provider.Provider, error) {
	return func(ctx context.Context, channel domain.Channel) (provider.Provider, error) {
		var creds channelCredentials
		if len(channel.CredentialsBlob) > 0 {
			if err := json.Unmarshal(channel.CredentialsBlob, &creds); err != nil {
				return nil, fmt.Errorf("tenantworker: invalid credentials for channel %s: %w", channel.ID, err)
			}
		}
		if creds.BaseURL == "" {
			return nil, fmt.Errorf("tenantworker: channel %s has no base_url configured", channel.ID)
		}

		p := provider.NewHTTPProvider(creds.BaseURL, creds.WebhookSecret, cfg.ProviderRequestsPerMin)
		if err := p.Connect(ctx, provider.Credentials{"token": creds.Token}); err != nil {
			return nil, fmt.Errorf("tenantworker: failed to connect channel %s: %w", channel.ID, err)
		}
		return p, nil
	}
}

// NewRedisClient opens the raw go-redis client redis.CachedAlertRules needs,
// separate from repository/redis.KV (whose client field stays unexported).
func NewRedisClient(addr, password string, db int) *goredis.Client {
	return goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
}

// Run wires and runs one tenant's full agent set until ctx is cancelled.
// It is an orchestrator.TenantWorkerFunc once tenantID, deps and cfg are
// bound in a closure, as cmd/orchestrator does.
func Run(ctx context.Context, w *orchestrator.Worker, tenantID string, deps Deps, cfg Config) error {
	tenantLogger := logger.ForTenant(deps.Logger, tenantID)

	repo := repository.NewComposite(deps.Relational, deps.SyncEvents, deps.AlertRules)
	bus := eventbus.New(tenantLogger)
	resolveProvider := resolverFor(cfg)

	if deps.ProcessBus != nil {
		for _, eventType := range forwardedEventTypes {
			bus.Subscribe(eventType, forwardToProcessBus(tenantID, deps.ProcessBus))
		}
	}

	queue, err := jobqueue.New(deps.AMQP, tenantID, deps.Metrics.Job, tenantLogger)
	if err != nil {
		return fmt.Errorf("tenantworker: failed to set up job queue for tenant %s: %w", tenantID, err)
	}

	watchLogger := logger.ForComponent(tenantLogger, "watcher")
	watch := watcher.New(repo, bus, deps.DedupeKV, watchLogger, cfg.DedupeTTL)

	syncLogger := logger.ForComponent(tenantLogger, "syncer")
	propagator := syncer.New(repo, bus, resolveProvider, deps.Metrics.Sync, syncLogger)

	guardianLogger := logger.ForComponent(tenantLogger, "guardian")
	sentinel := guardian.New(repo, bus, resolveProvider, deps.Metrics.Guardian, guardianLogger)
	sentinel.SetInterval(cfg.GuardianInterval)
	sentinel.SetAutoRepairThreshold(cfg.AutoRepairThreshold)

	alertLogger := logger.ForComponent(tenantLogger, "alertengine")
	alerts := alertengine.New(repo, bus, resolveProvider, deps.Metrics.Alert, alertLogger)
	alerts.Subscribe()

	bus.Subscribe(eventbus.StockChange, func(e eventbus.Event) {
		change, ok := e.Payload.(domain.StockChange)
		if !ok {
			return
		}
		if err := propagator.HandleStockChange(ctx, change); err != nil {
			syncLogger.Error("failed to handle stock change", slog.Any("err", err))
		}
	})

	if err := queue.Consume(ctx, broker.WebhookTopic, webhookHandler(watch)); err != nil {
		return fmt.Errorf("tenantworker: failed to consume webhook queue: %w", err)
	}
	if err := queue.Consume(ctx, broker.SyncTopic, syncJobHandler(propagator)); err != nil {
		return fmt.Errorf("tenantworker: failed to consume sync queue: %w", err)
	}
	if err := queue.Consume(ctx, broker.ReconcileTopic, reconcileJobHandler(sentinel, tenantID)); err != nil {
		return fmt.Errorf("tenantworker: failed to consume reconcile queue: %w", err)
	}
	if err := queue.Consume(ctx, broker.AlertTopic, alertRuleJobHandler(deps.AlertRules, tenantID, tenantLogger)); err != nil {
		return fmt.Errorf("tenantworker: failed to consume alert queue: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sentinel.Run(gctx, tenantID)
		return nil
	})
	g.Go(func() error {
		alerts.RunHealthChecks(gctx, tenantID)
		return nil
	})
	g.Go(func() error {
		watch.RunPOSPolling(gctx, tenantID, resolveProvider)
		return nil
	})
	g.Go(func() error {
		return heartbeat(gctx, w, cfg.HealthCheckInterval)
	})
	g.Go(func() error {
		pruneSyncEvents(gctx, deps.SyncEvents, tenantID, cfg.SyncEventRetention, cfg.SyncEventPruneInterval, tenantLogger)
		return nil
	})

	return g.Wait()
}

// pruneSyncEvents deletes completed/failed sync events older than retention
// on a fixed cadence, implementing spec.md §4.2's removeOnComplete/
// removeOnFail age bound for the sync-event audit log (the job-queue's own
// removeOnFail is implemented as a TTL on each topic's DLQ in common/broker).
func pruneSyncEvents(ctx context.Context, store syncEventRepository, tenantID string, retention, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PruneCompleted(ctx, retention)
			if err != nil {
				if logger != nil {
					logger.Error("failed to prune sync events", slog.String("tenant_id", tenantID), slog.Any("err", err))
				}
				continue
			}
			if n > 0 && logger != nil {
				logger.Info("pruned sync events", slog.String("tenant_id", tenantID), slog.Int64("count", n))
			}
		}
	}
}

// forwardToProcessBus relays e onto processBus wrapped in an
// eventbus.TenantEvent, preserving e's original Type so a subscriber on the
// process-wide bus can still register by event type.
func forwardToProcessBus(tenantID string, processBus *eventbus.Bus) eventbus.Subscriber {
	return func(e eventbus.Event) {
		processBus.Publish(eventbus.Event{
			Type:    e.Type,
			Payload: eventbus.TenantEvent{TenantID: tenantID, Event: e},
		})
	}
}

// heartbeat reports liveness to the orchestrator on a fixed cadence so a
// wedged tenant (stuck in a deadlock, not merely slow) gets force-killed
// and restarted instead of silently idling forever.
func heartbeat(ctx context.Context, w *orchestrator.Worker, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Heartbeat()
		}
	}
}
