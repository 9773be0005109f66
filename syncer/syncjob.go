package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/mkesani1/stockclerk-sub001/domain"
	"github.com/mkesani1/stockclerk-sub001/eventbus"
)

// HandleSyncJob is the jobqueue.Handler for the sync topic's queued
// operations: push_update/incremental_sync re-propagate specific products'
// current canonical stock; full_sync broadcasts every product in the
// tenant, per spec.md §4.4's "Full sync" paragraph.
func (s *Syncer) HandleSyncJob(ctx context.Context, job SyncJob) error {
	switch job.Operation {
	case OperationFullSync:
		return s.runFullSync(ctx, job)
	case OperationIncrementalSync, OperationPushUpdate:
		return s.runTargetedSync(ctx, job)
	default:
		return fmt.Errorf("syncer: unknown sync job operation %q", job.Operation)
	}
}

func (s *Syncer) runTargetedSync(ctx context.Context, job SyncJob) error {
	var result error
	for _, productID := range job.ProductIDs {
		unlock := s.locks.Lock(job.TenantID + ":" + productID)
		product, err := s.repo.GetProduct(ctx, productID)
		if err != nil {
			unlock()
			result = appendErr(result, fmt.Errorf("syncer: failed to load product %s: %w", productID, err))
			continue
		}
		err = s.propagate(ctx, job.TenantID, product, job.ChannelID)
		unlock()
		if err != nil {
			result = appendErr(result, err)
		}
	}
	return result
}

// runFullSync enumerates every product in the tenant and re-pushes its
// current expected value to every active mapped channel. Progress is
// reported via sync:started/sync:completed on the overall job, in addition
// to the per-product events propagate emits.
func (s *Syncer) runFullSync(ctx context.Context, job SyncJob) error {
	products, err := s.repo.GetProducts(ctx, job.TenantID)
	if err != nil {
		return fmt.Errorf("syncer: failed to list products for full sync: %w", err)
	}

	started := time.Now()
	s.bus.Publish(eventbus.Event{Type: eventbus.SyncStarted, Payload: map[string]any{
		"tenantId":  job.TenantID,
		"operation": OperationFullSync,
		"products":  len(products),
	}})

	var result error
	for _, product := range products {
		unlock := s.locks.Lock(job.TenantID + ":" + product.ID)
		err := s.propagate(ctx, job.TenantID, product, job.ChannelID)
		unlock()
		if err != nil {
			result = appendErr(result, err)
		}
	}

	s.writeSyncEvent(ctx, domain.SyncEvent{
		TenantID:  job.TenantID,
		EventType: domain.EventFullSync,
		Status:    domain.StatusCompleted,
		CreatedAt: time.Now(),
	})
	s.bus.Publish(eventbus.Event{Type: eventbus.SyncCompleted, Payload: map[string]any{
		"tenantId":  job.TenantID,
		"operation": OperationFullSync,
		"products":  len(products),
		"duration":  time.Since(started),
	}})

	return result
}

func appendErr(base, next error) error {
	if base == nil {
		return next
	}
	return fmt.Errorf("%w; %v", base, next)
}
