// Package guardian implements spec.md §4.5: the per-tenant reconciliation
// sweep that catches drift webhooks and sync pushes missed, by comparing
// every channel's live stock against a selected source of truth.
package guardian

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mkesani1/stockclerk-sub001/common/metrics"
	"github.com/mkesani1/stockclerk-sub001/common/tracing"
	"github.com/mkesani1/stockclerk-sub001/domain"
	"github.com/mkesani1/stockclerk-sub001/eventbus"
	"github.com/mkesani1/stockclerk-sub001/provider"
	"github.com/mkesani1/stockclerk-sub001/repository"
)

const (
	defaultInterval            = 15 * time.Minute
	defaultAutoRepairThreshold = 3
	minChannelsToReconcile     = 2
)

// ProviderResolver connects a channel's Provider adapter using its stored
// credentials — the same seam syncer.ProviderResolver defines, kept as its
// own type here since guardian and syncer don't otherwise depend on each
// other.
type ProviderResolver func(ctx context.Context, channel domain.Channel) (provider.Provider, error)

// Guardian runs the reconciliation sweep for one tenant worker.
type Guardian struct {
	repo            repository.Repository
	bus             *eventbus.Bus
	resolveProvider ProviderResolver
	metrics         *metrics.GuardianMetrics
	logger          *slog.Logger

	interval            time.Duration
	autoRepairThreshold int
}

func New(repo repository.Repository, bus *eventbus.Bus, resolveProvider ProviderResolver, guardianMetrics *metrics.GuardianMetrics, logger *slog.Logger) *Guardian {
	return &Guardian{
		repo:                repo,
		bus:                 bus,
		resolveProvider:     resolveProvider,
		metrics:             guardianMetrics,
		logger:              logger,
		interval:            defaultInterval,
		autoRepairThreshold: defaultAutoRepairThreshold,
	}
}

// SetInterval overrides the default sweep cadence, per spec.md §4.5's
// "per-tenant interval may be overridden".
func (g *Guardian) SetInterval(interval time.Duration) {
	if interval > 0 {
		g.interval = interval
	}
}

// SetAutoRepairThreshold overrides the default drift magnitude below which
// a detection is auto-repaired instead of merely flagged.
func (g *Guardian) SetAutoRepairThreshold(threshold int) {
	if threshold > 0 {
		g.autoRepairThreshold = threshold
	}
}

// Run ticks Sweep on Guardian's interval until ctx is cancelled.
func (g *Guardian) Run(ctx context.Context, tenantID string) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.Sweep(ctx, tenantID); err != nil && g.logger != nil {
				g.logger.Error("reconciliation sweep failed", slog.String("tenant_id", tenantID), slog.Any("err", err))
			}
		}
	}
}

// Sweep runs one full reconciliation pass for tenantID, per spec.md §4.5's
// numbered algorithm.
func (g *Guardian) Sweep(ctx context.Context, tenantID string) error {
	tracing.AddEvent(ctx, "Sweep", tenantID)
	started := time.Now()

	channels, err := g.repo.GetActiveChannels(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("guardian: failed to load active channels: %w", err)
	}
	if len(channels) < minChannelsToReconcile {
		return nil
	}

	source := selectSourceOfTruth(channels, g.logger)
	targets := make([]domain.Channel, 0, len(channels)-1)
	for _, c := range channels {
		if c.ID != source.ID {
			targets = append(targets, c)
		}
	}

	products, err := g.repo.GetProducts(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("guardian: failed to load products: %w", err)
	}

	for _, product := range products {
		g.reconcileProduct(ctx, tenantID, product, source, targets)
	}

	if g.metrics != nil {
		g.metrics.SweepsTotal.Inc()
		g.metrics.SweepDuration.Observe(time.Since(started).Seconds())
	}
	return nil
}

// ReconcileChannel reconciles a single channel against the tenant's source
// of truth, for use when a channel reconnects (spec.md §4.5's "reconcile one
// channel" entry point).
func (g *Guardian) ReconcileChannel(ctx context.Context, tenantID, channelID string) error {
	channels, err := g.repo.GetActiveChannels(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("guardian: failed to load active channels: %w", err)
	}
	if len(channels) < minChannelsToReconcile {
		return nil
	}

	source := selectSourceOfTruth(channels, g.logger)
	if source.ID == channelID {
		return nil // the reconnected channel IS the source of truth; nothing to compare it against
	}

	target, err := g.repo.GetChannel(ctx, channelID)
	if err != nil {
		return fmt.Errorf("guardian: failed to load channel %s: %w", channelID, err)
	}

	products, err := g.repo.GetProducts(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("guardian: failed to load products: %w", err)
	}

	for _, product := range products {
		g.reconcileProduct(ctx, tenantID, product, source, []domain.Channel{target})
	}
	return nil
}

// selectSourceOfTruth implements the Open Question 1 resolution: prefer an
// active POS channel; among ties (multiple POS channels, or none at all)
// prefer the oldest by createdAt, so the fallback is deterministic instead
// of depending on map/slice iteration order.
func selectSourceOfTruth(channels []domain.Channel, logger *slog.Logger) domain.Channel {
	sorted := make([]domain.Channel, len(channels))
	copy(sorted, channels)
	sort.SliceStable(sorted, func(i, j int) bool {
		iPOS := sorted[i].Type == domain.ChannelPOS
		jPOS := sorted[j].Type == domain.ChannelPOS
		if iPOS != jPOS {
			return iPOS
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	chosen := sorted[0]
	if chosen.Type != domain.ChannelPOS && logger != nil {
		logger.Warn("no active POS channel; falling back to oldest active channel as source of truth", slog.String("channel_id", chosen.ID))
	}
	return chosen
}

// reconcileProduct fetches live stock for product from source and every
// target, computes drift, and auto-repairs or flags per severity.
func (g *Guardian) reconcileProduct(ctx context.Context, tenantID string, product domain.Product, source domain.Channel, targets []domain.Channel) {
	mappings, err := g.repo.GetMappingsForProduct(ctx, product.ID)
	if err != nil {
		g.logWarn("failed to load mappings for product", product.ID, err)
		return
	}
	mappingByChannel := make(map[string]domain.ProductChannelMapping, len(mappings))
	for _, m := range mappings {
		mappingByChannel[m.ChannelID] = m
	}

	sourceMapping, ok := mappingByChannel[source.ID]
	if !ok {
		return // product isn't sold through the source channel at all
	}
	truth, err := g.getLiveQuantity(ctx, source, sourceMapping.ExternalID)
	if err != nil {
		g.logWarn("failed to read source-of-truth stock", product.ID, err)
		return
	}

	var driftingChannels []domain.DriftingChannel
	var repairTargets []domain.Channel
	maxDrift := 0

	for _, target := range targets {
		mapping, ok := mappingByChannel[target.ID]
		if !ok {
			continue
		}
		actual, err := g.getLiveQuantity(ctx, target, mapping.ExternalID)
		if err != nil {
			g.logWarn("failed to read live stock for drift check", target.ID, err)
			continue
		}

		expected := domain.ExpectedStock(target.Type, truth, product.BufferStock)
		drift := actual - expected
		if drift < 0 {
			drift = -drift
		}
		if drift == 0 {
			continue
		}

		driftingChannels = append(driftingChannels, domain.DriftingChannel{ChannelID: target.ID, Expected: expected, Actual: actual, Drift: drift})
		repairTargets = append(repairTargets, target)
		if drift > maxDrift {
			maxDrift = drift
		}
	}

	if len(driftingChannels) == 0 {
		return
	}

	detection := domain.DriftDetection{
		ProductID:       product.ID,
		SKU:             product.SKU,
		SourceChannelID: source.ID,
		SourceQuantity:  truth,
		Channels:        driftingChannels,
		MaxDrift:        maxDrift,
		Severity:        domain.DriftSeverityFor(maxDrift, g.autoRepairThreshold),
	}

	g.bus.Publish(eventbus.Event{Type: eventbus.DriftDetected, Payload: detection})
	if g.metrics != nil {
		g.metrics.DriftDetected.WithLabelValues(string(detection.Severity)).Inc()
	}

	if detection.Severity == domain.DriftLow {
		g.autoRepair(ctx, tenantID, product, detection, mappingByChannel, repairTargets)
		return
	}

	g.flagDrift(ctx, tenantID, detection)
}

// autoRepair implements step 7: push the expected value to every drifting
// channel, report the ones that actually succeeded, and flag the rest.
func (g *Guardian) autoRepair(ctx context.Context, tenantID string, product domain.Product, detection domain.DriftDetection, mappingByChannel map[string]domain.ProductChannelMapping, targets []domain.Channel) {
	var repaired []string
	var failed []string

	for i, target := range targets {
		mapping := mappingByChannel[target.ID]
		expected := detection.Channels[i].Expected

		p, err := g.resolveProvider(ctx, target)
		if err != nil {
			failed = append(failed, target.ID)
			continue
		}
		if err := p.UpdateStock(ctx, mapping.ExternalID, expected); err != nil {
			failed = append(failed, target.ID)
			continue
		}
		repaired = append(repaired, target.ID)
	}

	if err := g.repo.UpdateProductStock(ctx, product.ID, detection.SourceQuantity, time.Now()); err != nil {
		g.logWarn("failed to persist repaired canonical stock", product.ID, err)
	}

	g.bus.Publish(eventbus.Event{Type: eventbus.DriftRepaired, Payload: map[string]any{
		"productId": product.ID,
		"repaired":  repaired,
		"failed":    failed,
	}})
	if g.metrics != nil {
		g.metrics.AutoRepaired.Inc()
	}

	if len(failed) > 0 {
		g.writeAlert(ctx, tenantID, product.ID, "", fmt.Sprintf("partial auto-repair: %d of %d channels repaired", len(repaired), len(repaired)+len(failed)))
	}
}

// flagDrift implements step 8 for medium/high severity: no auto-repair,
// just a surfaced alert.
func (g *Guardian) flagDrift(ctx context.Context, tenantID string, detection domain.DriftDetection) {
	g.writeAlert(ctx, tenantID, detection.ProductID, "", fmt.Sprintf("%s drift detected: maxDrift=%d across %d channel(s)", detection.Severity, detection.MaxDrift, len(detection.Channels)))
}

func (g *Guardian) writeAlert(ctx context.Context, tenantID, productID, channelID, message string) {
	alert := domain.Alert{
		TenantID:  tenantID,
		Type:      domain.AlertSyncError,
		Message:   message,
		ProductID: productID,
		ChannelID: channelID,
		CreatedAt: time.Now(),
	}
	created, err := g.repo.CreateAlertIfAbsent(ctx, alert)
	if err != nil {
		g.logWarn("failed to write drift alert", productID, err)
		return
	}
	if created {
		g.bus.Publish(eventbus.Event{Type: eventbus.AlertTriggered, Payload: alert})
	}
}

func (g *Guardian) getLiveQuantity(ctx context.Context, channel domain.Channel, externalID string) (int, error) {
	p, err := g.resolveProvider(ctx, channel)
	if err != nil {
		return 0, err
	}
	info, err := p.GetProduct(ctx, externalID)
	if err != nil {
		return 0, err
	}
	return info.Quantity, nil
}

func (g *Guardian) logWarn(msg, productID string, err error) {
	if g.logger != nil {
		g.logger.Warn(msg, slog.String("product_id", productID), slog.Any("err", err))
	}
}
