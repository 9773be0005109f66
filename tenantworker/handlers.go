package tenantworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mkesani1/stockclerk-sub001/guardian"
	"github.com/mkesani1/stockclerk-sub001/jobqueue"
	"github.com/mkesani1/stockclerk-sub001/syncer"
	"github.com/mkesani1/stockclerk-sub001/watcher"
)

// webhookHandler adapts watcher.Handle to the jobqueue.Handler shape: the
// queue carries the job envelope, watcher only cares about its payload.
func webhookHandler(w *watcher.Watcher) jobqueue.Handler {
	return func(ctx context.Context, job jobqueue.Job) error {
		var webhookJob watcher.WebhookJob
		if err := json.Unmarshal(job.Payload, &webhookJob); err != nil {
			return fmt.Errorf("tenantworker: invalid webhook job payload: %w", err)
		}
		webhookJob.TenantID = job.TenantID
		return w.Handle(ctx, webhookJob)
	}
}

// syncJobHandler adapts syncer.HandleSyncJob to the jobqueue.Handler shape.
func syncJobHandler(s *syncer.Syncer) jobqueue.Handler {
	return func(ctx context.Context, job jobqueue.Job) error {
		var syncJob syncer.SyncJob
		if err := json.Unmarshal(job.Payload, &syncJob); err != nil {
			return fmt.Errorf("tenantworker: invalid sync job payload: %w", err)
		}
		syncJob.TenantID = job.TenantID
		return s.HandleSyncJob(ctx, syncJob)
	}
}

// reconcileJob triggers an out-of-cycle reconciliation, either a full sweep
// (ChannelID empty) or a single channel, e.g. right after a channel is
// reconnected and shouldn't wait for Guardian's own ticker.
type reconcileJob struct {
	ChannelID string `json:"channel_id,omitempty"`
}

func reconcileJobHandler(g *guardian.Guardian, tenantID string) jobqueue.Handler {
	return func(ctx context.Context, job jobqueue.Job) error {
		var req reconcileJob
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &req); err != nil {
				return fmt.Errorf("tenantworker: invalid reconcile job payload: %w", err)
			}
		}
		if req.ChannelID == "" {
			return g.Sweep(ctx, tenantID)
		}
		return g.ReconcileChannel(ctx, tenantID, req.ChannelID)
	}
}

// alertRuleInvalidation mirrors an alertrule:changed notification delivered
// through the durable alert queue rather than the in-process bus, so a rule
// edited via the admin API is picked up even by a tenant worker in another
// process that never saw the originating eventbus.Bus.Publish.
type alertRuleInvalidation struct {
	TenantID string `json:"tenant_id"`
}

// invalidator is implemented by repository/redis.CachedAlertRules; a plain
// relational store with no cache layer has nothing to invalidate.
type invalidator interface {
	Invalidate(ctx context.Context, tenantID string) error
}

func alertRuleJobHandler(rules alertRulesSource, tenantID string, log *slog.Logger) jobqueue.Handler {
	return func(ctx context.Context, job jobqueue.Job) error {
		var req alertRuleInvalidation
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &req); err != nil {
				return fmt.Errorf("tenantworker: invalid alert rule invalidation payload: %w", err)
			}
		}
		cache, ok := rules.(invalidator)
		if !ok {
			return nil
		}
		if err := cache.Invalidate(ctx, tenantID); err != nil {
			return fmt.Errorf("tenantworker: failed to invalidate alert rule cache: %w", err)
		}
		if log != nil {
			log.Info("alert rule cache invalidated", slog.String("tenant_id", tenantID))
		}
		return nil
	}
}

