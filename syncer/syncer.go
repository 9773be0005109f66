// Package syncer implements spec.md §4.4 (package name avoids colliding with
// stdlib `sync`): buffer-stock propagation from one StockChange or SyncJob
// out to every other active channel mapped to the same product.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/mkesani1/stockclerk-sub001/common/metrics"
	"github.com/mkesani1/stockclerk-sub001/common/tracing"
	"github.com/mkesani1/stockclerk-sub001/domain"
	"github.com/mkesani1/stockclerk-sub001/eventbus"
	"github.com/mkesani1/stockclerk-sub001/provider"
	"github.com/mkesani1/stockclerk-sub001/repository"
)

// Sync job operations, per spec.md §4.4's SyncJob shape.
const (
	OperationFullSync        = "full_sync"
	OperationIncrementalSync = "incremental_sync"
	OperationPushUpdate      = "push_update"
)

// SyncJob is the queue payload for bulk/targeted propagation requests, as
// opposed to the per-event StockChange path driven off the bus.
type SyncJob struct {
	TenantID    string             `json:"tenant_id"`
	ChannelID   string             `json:"channel_id"` // source, may be empty for full_sync
	ChannelType domain.ChannelType `json:"channel_type"`
	Operation   string             `json:"operation"`
	ProductIDs  []string           `json:"product_ids,omitempty"`
}

// ProviderResolver connects a channel's Provider adapter using its stored
// credentials. Injected so Syncer never deals with credential decryption or
// channel-type dispatch itself.
type ProviderResolver func(ctx context.Context, channel domain.Channel) (provider.Provider, error)

const (
	defaultFanoutParallelism = 8
	defaultTargetTimeout     = 30 * time.Second
)

// Syncer propagates canonical stock changes to every other channel mapped
// to a product, for one tenant worker.
type Syncer struct {
	repo            repository.Repository
	bus             *eventbus.Bus
	resolveProvider ProviderResolver
	metrics         *metrics.SyncMetrics
	logger          *slog.Logger
	locks           *keyedMutex

	fanoutParallelism int
	targetTimeout     time.Duration
}

func New(repo repository.Repository, bus *eventbus.Bus, resolveProvider ProviderResolver, syncMetrics *metrics.SyncMetrics, logger *slog.Logger) *Syncer {
	return &Syncer{
		repo:              repo,
		bus:               bus,
		resolveProvider:   resolveProvider,
		metrics:           syncMetrics,
		logger:            logger,
		locks:             newKeyedMutex(),
		fanoutParallelism: defaultFanoutParallelism,
		targetTimeout:     defaultTargetTimeout,
	}
}

// HandleStockChange is the eventbus.Subscriber for eventbus.StockChange: it
// resolves the product, persists the new canonical stock (serialized per
// product), and fans out to every other active target channel.
func (s *Syncer) HandleStockChange(ctx context.Context, change domain.StockChange) error {
	tracing.AddEvent(ctx, "HandleStockChange", change.TenantID, change.SourceChannelID, change.ExternalID)

	productID, err := s.resolveProduct(ctx, change)
	if err != nil {
		return err
	}
	if productID == "" {
		s.writeSyncEvent(ctx, domain.SyncEvent{
			TenantID:     change.TenantID,
			EventType:    domain.EventWebhookUnmatched,
			ChannelID:    change.SourceChannelID,
			Status:       domain.StatusFailed,
			ErrorMessage: fmt.Sprintf("no product mapping for external id %q on channel %s", change.ExternalID, change.SourceChannelID),
			CreatedAt:    time.Now(),
		})
		return nil
	}

	unlock := s.locks.Lock(change.TenantID + ":" + productID)
	defer unlock()

	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return fmt.Errorf("syncer: failed to load product %s: %w", productID, err)
	}

	if isSuperseded(change, product) {
		s.writeSyncEvent(ctx, domain.SyncEvent{
			TenantID:     change.TenantID,
			EventType:    domain.EventStockUpdate,
			ProductID:    productID,
			ChannelID:    change.SourceChannelID,
			Status:       domain.StatusCompleted,
			ErrorMessage: "superseded by a newer stock change",
			CreatedAt:    time.Now(),
		})
		return nil
	}

	oldStock := product.CurrentStock
	product.CurrentStock = change.NewQuantity
	product.UpdatedAt = change.Timestamp
	if err := s.repo.UpdateProductStock(ctx, productID, product.CurrentStock, change.Timestamp); err != nil {
		return fmt.Errorf("syncer: failed to persist canonical stock for %s: %w", productID, err)
	}

	s.writeSyncEvent(ctx, domain.SyncEvent{
		TenantID:  change.TenantID,
		EventType: domain.EventStockUpdate,
		ProductID: productID,
		ChannelID: change.SourceChannelID,
		OldValue:  map[string]any{"currentStock": oldStock},
		NewValue:  map[string]any{"currentStock": product.CurrentStock},
		Status:    domain.StatusCompleted,
		CreatedAt: time.Now(),
	})
	s.bus.Publish(eventbus.Event{Type: eventbus.StockUpdated, Payload: product})

	return s.propagate(ctx, change.TenantID, product, change.SourceChannelID)
}

// resolveProduct implements step 1 of §4.4's contract: prefer the change's
// own ProductID, else resolve it through the channel mapping.
func (s *Syncer) resolveProduct(ctx context.Context, change domain.StockChange) (string, error) {
	if change.ProductID != "" {
		return change.ProductID, nil
	}
	mapping, err := s.repo.GetMappingByExternalID(ctx, change.TenantID, change.SourceChannelID, change.ExternalID)
	if err != nil {
		if err == repository.ErrNotFound {
			return "", nil
		}
		return "", fmt.Errorf("syncer: failed to resolve mapping: %w", err)
	}
	return mapping.ProductID, nil
}

// isSuperseded implements the conflict-resolution rule: a change timestamped
// before the product's last recorded update lost the race and is dropped.
func isSuperseded(change domain.StockChange, product domain.Product) bool {
	return !change.Timestamp.IsZero() && !product.UpdatedAt.IsZero() && change.Timestamp.Before(product.UpdatedAt)
}

// propagate implements steps 3-6 of §4.4's contract: enumerate targets
// excluding the source, compute each target's buffer-withheld stock, and
// push independently with no cross-target cancellation.
func (s *Syncer) propagate(ctx context.Context, tenantID string, product domain.Product, sourceChannelID string) error {
	mappings, err := s.repo.GetMappingsForProduct(ctx, product.ID)
	if err != nil {
		return fmt.Errorf("syncer: failed to enumerate mappings for %s: %w", product.ID, err)
	}

	started := time.Now()
	s.bus.Publish(eventbus.Event{Type: eventbus.SyncStarted, Payload: product.ID})

	var mu sync.Mutex
	var errs *multierror.Error
	successCount, failureCount := 0, 0

	g := new(errgroup.Group)
	g.SetLimit(s.fanoutParallelism)

	for _, mapping := range mappings {
		if mapping.ChannelID == sourceChannelID {
			continue
		}
		mapping := mapping

		g.Go(func() error {
			pushErr := s.pushToTarget(ctx, tenantID, product, mapping)

			mu.Lock()
			defer mu.Unlock()
			if pushErr != nil {
				errs = multierror.Append(errs, pushErr)
				failureCount++
			} else {
				successCount++
			}
			return nil // never abort sibling targets on one failure
		})
	}
	_ = g.Wait()

	duration := time.Since(started)
	if s.metrics != nil {
		s.metrics.Duration.Observe(duration.Seconds())
		outcome := "completed"
		if failureCount > 0 {
			outcome = "partial_failure"
		}
		s.metrics.PropagationsTotal.WithLabelValues(outcome).Inc()
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.SyncCompleted, Payload: map[string]any{
		"productId": product.ID,
		"succeeded": successCount,
		"failed":    failureCount,
		"duration":  duration,
	}})

	return errs.ErrorOrNil()
}

// pushToTarget implements step 5 for one target mapping: compute the
// buffer-withheld stock, push it through the target's provider, and record
// the outcome.
func (s *Syncer) pushToTarget(ctx context.Context, tenantID string, product domain.Product, mapping domain.ProductChannelMapping) error {
	channel, err := s.repo.GetChannel(ctx, mapping.ChannelID)
	if err != nil {
		return fmt.Errorf("syncer: failed to load target channel %s: %w", mapping.ChannelID, err)
	}
	if !channel.IsActive {
		return nil
	}

	stockToSync := domain.StockToSync(channel.Type, product.CurrentStock, product.BufferStock)

	p, err := s.resolveProvider(ctx, channel)
	if err != nil {
		s.recordTargetFailure(ctx, tenantID, product.ID, channel, err.Error())
		s.bus.Publish(eventbus.Event{Type: eventbus.AlertTriggered, Payload: map[string]any{
			"type":      domain.AlertChannelDisconnected,
			"tenantId":  tenantID,
			"channelId": channel.ID,
			"productId": product.ID,
			"message":   fmt.Sprintf("failed to connect to channel %s: %s", channel.ID, err.Error()),
		}})
		if s.metrics != nil {
			s.metrics.TargetPushes.WithLabelValues(string(channel.Type), "channel_disconnected").Inc()
		}
		return domain.NewError(domain.KindAuth, "syncer.pushToTarget", err)
	}

	pushCtx, cancel := context.WithTimeout(ctx, s.targetTimeout)
	defer cancel()

	if err := p.UpdateStock(pushCtx, mapping.ExternalID, stockToSync); err != nil {
		retryable := kindOf(err).Retryable()
		s.recordTargetFailure(ctx, tenantID, product.ID, channel, err.Error())
		s.bus.Publish(eventbus.Event{Type: eventbus.SyncFailed, Payload: map[string]any{
			"productId": product.ID,
			"channelId": channel.ID,
			"retryable": retryable,
		}})
		if !retryable {
			s.bus.Publish(eventbus.Event{Type: eventbus.AlertTriggered, Payload: map[string]any{
				"type":      domain.AlertSyncError,
				"tenantId":  tenantID,
				"channelId": channel.ID,
				"productId": product.ID,
				"message":   fmt.Sprintf("non-retryable sync failure on channel %s: %s", channel.ID, err.Error()),
			}})
		}
		if s.metrics != nil {
			s.metrics.TargetPushes.WithLabelValues(string(channel.Type), "failed").Inc()
		}
		return err
	}

	s.writeSyncEvent(ctx, domain.SyncEvent{
		TenantID:  tenantID,
		EventType: domain.EventPushUpdate,
		ChannelID: channel.ID,
		ProductID: product.ID,
		NewValue:  map[string]any{"stockToSync": stockToSync},
		Status:    domain.StatusCompleted,
		CreatedAt: time.Now(),
	})
	if err := s.repo.UpdateLastSyncAt(ctx, channel.ID); err != nil && s.logger != nil {
		s.logger.Warn("failed to update channel lastSyncAt", slog.String("channel_id", channel.ID), slog.Any("err", err))
	}
	if s.metrics != nil {
		s.metrics.TargetPushes.WithLabelValues(string(channel.Type), "completed").Inc()
	}

	return nil
}

func (s *Syncer) recordTargetFailure(ctx context.Context, tenantID, productID string, channel domain.Channel, message string) {
	s.writeSyncEvent(ctx, domain.SyncEvent{
		TenantID:     tenantID,
		EventType:    domain.EventPushUpdate,
		ChannelID:    channel.ID,
		ProductID:    productID,
		Status:       domain.StatusFailed,
		ErrorMessage: message,
		CreatedAt:    time.Now(),
	})
}

func (s *Syncer) writeSyncEvent(ctx context.Context, event domain.SyncEvent) {
	if _, err := s.repo.CreateSyncEvent(ctx, event); err != nil && s.logger != nil {
		s.logger.Warn("failed to write sync event", slog.String("event_type", string(event.EventType)), slog.Any("err", err))
	}
}

func kindOf(err error) domain.ErrorKind {
	var domainErr *domain.Error
	if e, ok := err.(*domain.Error); ok {
		domainErr = e
	} else if e, ok := unwrapDomainError(err); ok {
		domainErr = e
	}
	if domainErr == nil {
		return domain.KindTransient
	}
	return domainErr.Kind
}

func unwrapDomainError(err error) (*domain.Error, bool) {
	type unwrapper interface{ Unwrap() error }
	for {
		u, ok := err.(unwrapper)
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
		if e, ok := err.(*domain.Error); ok {
			return e, true
		}
	}
}
