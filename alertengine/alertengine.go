// Package alertengine implements spec.md §4.6 (package name avoids colliding
// with the domain.Alert type): rule evaluation for low-stock and
// channel-disconnected conditions, plus the shared de-duplication contract
// (I5) that also backs the sync_error alerts Sync and Guardian raise
// themselves.
package alertengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkesani1/stockclerk-sub001/common/metrics"
	"github.com/mkesani1/stockclerk-sub001/domain"
	"github.com/mkesani1/stockclerk-sub001/eventbus"
	"github.com/mkesani1/stockclerk-sub001/provider"
	"github.com/mkesani1/stockclerk-sub001/repository"
)

const defaultHealthCheckInterval = 5 * time.Minute

// ProviderResolver connects a channel's Provider adapter using its stored
// credentials, the same seam syncer and guardian define.
type ProviderResolver func(ctx context.Context, channel domain.Channel) (provider.Provider, error)

// AlertEngine evaluates alert rules for one tenant worker and owns the
// create-if-absent de-duplication contract every rule (and Sync/Guardian's
// self-raised conditions) funnels through.
type AlertEngine struct {
	repo            repository.Repository
	bus             *eventbus.Bus
	resolveProvider ProviderResolver
	metrics         *metrics.AlertMetrics
	logger          *slog.Logger

	healthCheckInterval time.Duration
}

func New(repo repository.Repository, bus *eventbus.Bus, resolveProvider ProviderResolver, alertMetrics *metrics.AlertMetrics, logger *slog.Logger) *AlertEngine {
	return &AlertEngine{
		repo:                repo,
		bus:                 bus,
		resolveProvider:     resolveProvider,
		metrics:             alertMetrics,
		logger:              logger,
		healthCheckInterval: defaultHealthCheckInterval,
	}
}

// Subscribe wires every bus-driven rule. Called once per tenant worker at
// startup.
func (a *AlertEngine) Subscribe() {
	a.bus.Subscribe(eventbus.StockUpdated, a.onStockUpdated)
	a.bus.Subscribe(eventbus.AlertTriggered, a.onAlertTriggered)
}

// onStockUpdated evaluates the low_stock rule every time Sync persists a new
// canonical stock level.
func (a *AlertEngine) onStockUpdated(e eventbus.Event) {
	product, ok := e.Payload.(domain.Product)
	if !ok {
		return
	}
	if err := a.evaluateLowStock(context.Background(), product); err != nil && a.logger != nil {
		a.logger.Warn("low_stock rule evaluation failed", slog.String("product_id", product.ID), slog.Any("err", err))
	}
}

func (a *AlertEngine) evaluateLowStock(ctx context.Context, product domain.Product) error {
	rules, err := a.repo.GetAlertRules(ctx, product.TenantID)
	if err != nil {
		return fmt.Errorf("alertengine: failed to load rules: %w", err)
	}

	key := domain.AlertDedupeKey{TenantID: product.TenantID, Type: domain.AlertLowStock, ProductID: product.ID}

	rule, applicable := applicableLowStockRule(rules, product.ID)
	if !applicable {
		return a.resolve(ctx, key)
	}

	threshold := domain.LowStockThreshold(rule.Threshold, product.BufferStock)
	if product.CurrentStock > threshold {
		return a.resolve(ctx, key)
	}

	alert := domain.Alert{
		TenantID:  product.TenantID,
		Type:      domain.AlertLowStock,
		ProductID: product.ID,
		Message:   fmt.Sprintf("stock for %s fell to %d, at or below threshold %d", product.SKU, product.CurrentStock, threshold),
		Metadata:  map[string]any{"currentStock": product.CurrentStock, "threshold": threshold},
		CreatedAt: time.Now(),
	}
	return a.raise(ctx, alert)
}

// applicableLowStockRule returns the first enabled rule whose product scope
// covers productID, preferring rules explicitly scoped to it over
// all-products rules.
func applicableLowStockRule(rules []domain.AlertRule, productID string) (domain.AlertRule, bool) {
	var fallback domain.AlertRule
	haveFallback := false

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if len(rule.ProductIDs) == 0 {
			if !haveFallback {
				fallback = rule
				haveFallback = true
			}
			continue
		}
		if containsString(rule.ProductIDs, productID) {
			return rule, true
		}
	}
	return fallback, haveFallback
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// RunHealthChecks ticks the channel_disconnected rule for tenantID until ctx
// is cancelled: every active channel is health-checked, raising or
// resolving the alert per channel as its connectivity changes.
func (a *AlertEngine) RunHealthChecks(ctx context.Context, tenantID string) {
	ticker := time.NewTicker(a.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.checkChannelHealth(ctx, tenantID); err != nil && a.logger != nil {
				a.logger.Warn("channel health check sweep failed", slog.String("tenant_id", tenantID), slog.Any("err", err))
			}
		}
	}
}

func (a *AlertEngine) checkChannelHealth(ctx context.Context, tenantID string) error {
	channels, err := a.repo.GetActiveChannels(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("alertengine: failed to load active channels: %w", err)
	}

	for _, channel := range channels {
		key := domain.AlertDedupeKey{TenantID: tenantID, Type: domain.AlertChannelDisconnected, ChannelID: channel.ID}

		p, err := a.resolveProvider(ctx, channel)
		if err != nil {
			a.raiseChannelDisconnected(ctx, tenantID, channel, err.Error())
			continue
		}
		status, err := p.HealthCheck(ctx)
		if err != nil || !status.Connected {
			message := status.Error
			if message == "" && err != nil {
				message = err.Error()
			}
			a.raiseChannelDisconnected(ctx, tenantID, channel, message)
			continue
		}

		if resolveErr := a.resolve(ctx, key); resolveErr != nil && a.logger != nil {
			a.logger.Warn("failed to resolve channel_disconnected alert", slog.String("channel_id", channel.ID), slog.Any("err", resolveErr))
		}
		a.bus.Publish(eventbus.Event{Type: eventbus.ChannelConnected, Payload: channel.ID})
	}
	return nil
}

func (a *AlertEngine) raiseChannelDisconnected(ctx context.Context, tenantID string, channel domain.Channel, message string) {
	alert := domain.Alert{
		TenantID:  tenantID,
		Type:      domain.AlertChannelDisconnected,
		ChannelID: channel.ID,
		Message:   fmt.Sprintf("channel %s is unreachable: %s", channel.ID, message),
		CreatedAt: time.Now(),
	}
	if err := a.raise(ctx, alert); err != nil && a.logger != nil {
		a.logger.Warn("failed to raise channel_disconnected alert", slog.String("channel_id", channel.ID), slog.Any("err", err))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.ChannelDisconnected, Payload: channel.ID})
}

// onAlertTriggered picks up the raw sync_error / channel_disconnected
// conditions Sync raises inline (it doesn't itself own the de-duplication
// contract) and turns them into deduplicated Alert rows.
func (a *AlertEngine) onAlertTriggered(e eventbus.Event) {
	payload, ok := e.Payload.(map[string]any)
	if !ok {
		return // already a concrete domain.Alert from Guardian or from this package's own raise; nothing further to do
	}

	alertType, _ := payload["type"].(domain.AlertType)
	tenantID, _ := payload["tenantId"].(string)
	if alertType == "" || tenantID == "" {
		return
	}
	productID, _ := payload["productId"].(string)
	channelID, _ := payload["channelId"].(string)
	message, _ := payload["message"].(string)

	alert := domain.Alert{
		TenantID:  tenantID,
		Type:      alertType,
		ProductID: productID,
		ChannelID: channelID,
		Message:   message,
		CreatedAt: time.Now(),
	}
	if err := a.raise(context.Background(), alert); err != nil && a.logger != nil {
		a.logger.Warn("failed to raise relayed alert", slog.String("type", string(alertType)), slog.Any("err", err))
	}
}

// raise implements the I5 create-if-absent contract: at most one unread
// alert per dedupe key.
func (a *AlertEngine) raise(ctx context.Context, alert domain.Alert) error {
	created, err := a.repo.CreateAlertIfAbsent(ctx, alert)
	if err != nil {
		return fmt.Errorf("alertengine: failed to create alert: %w", err)
	}
	if !created {
		if a.metrics != nil {
			a.metrics.Deduplicated.WithLabelValues(string(alert.Type)).Inc()
		}
		return nil
	}
	if a.metrics != nil {
		a.metrics.Raised.WithLabelValues(string(alert.Type)).Inc()
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.AlertTriggered, Payload: alert})
	return nil
}

// resolve marks any existing unread alert for key as read without creating
// a new one, per spec.md §4.6's "resolving condition clears the alert
// without raising a fresh one" rule.
func (a *AlertEngine) resolve(ctx context.Context, key domain.AlertDedupeKey) error {
	alert, exists, err := a.repo.AlertExists(ctx, key)
	if err != nil {
		return fmt.Errorf("alertengine: failed to check existing alert: %w", err)
	}
	if !exists {
		return nil
	}
	return a.repo.MarkAlertRead(ctx, alert.ID)
}
