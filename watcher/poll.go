package watcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/mkesani1/stockclerk-sub001/domain"
	"github.com/mkesani1/stockclerk-sub001/eventbus"
	"github.com/mkesani1/stockclerk-sub001/provider"
)

// pollInterval matches spec.md §4.3's POS polling fallback cadence.
const pollInterval = 30 * time.Second

// pollFallbackWindow bounds how far back a channel with no recorded
// last-poll timestamp looks on its first cycle.
const pollFallbackWindow = 24 * time.Hour

// ProviderResolver connects a channel's Provider adapter using its stored
// credentials — the same seam syncer.ProviderResolver/guardian.ProviderResolver
// define, kept as its own type here so watcher doesn't import either package
// just for a function signature.
type ProviderResolver func(ctx context.Context, channel domain.Channel) (provider.Provider, error)

// RunPOSPolling polls every active POS channel for tenantID on a fixed
// interval until ctx is cancelled. Channels whose resolved Provider doesn't
// implement provider.TransactionPoller are skipped: polling is a fallback
// some POS integrations need alongside webhooks, not a requirement of the
// Provider contract itself.
func (w *Watcher) RunPOSPolling(ctx context.Context, tenantID string, resolveProvider ProviderResolver) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollAllPOSChannels(ctx, tenantID, resolveProvider)
		}
	}
}

func (w *Watcher) pollAllPOSChannels(ctx context.Context, tenantID string, resolveProvider ProviderResolver) {
	channels, err := w.repo.GetActiveChannels(ctx, tenantID)
	if err != nil {
		w.logPollError("failed to list channels for polling", "", err)
		return
	}

	for _, channel := range channels {
		if channel.Type != domain.ChannelPOS {
			continue
		}

		p, err := resolveProvider(ctx, channel)
		if err != nil {
			w.logPollError("failed to resolve provider for polling", channel.ID, err)
			continue
		}
		poller, ok := p.(provider.TransactionPoller)
		if !ok {
			continue
		}

		if err := w.PollPOSChannel(ctx, channel, poller); err != nil {
			w.logPollError("poll cycle failed", channel.ID, err)
		}
	}
}

// PollPOSChannel fetches transactions for one POS channel since its last
// recorded poll timestamp, publishes a StockChange per result, and advances
// the stored timestamp only once every result has been published.
func (w *Watcher) PollPOSChannel(ctx context.Context, channel domain.Channel, poller provider.TransactionPoller) error {
	since, err := w.kv.GetLastPoll(ctx, channel.Type, channel.ID)
	if err != nil {
		return err
	}
	if since.IsZero() {
		since = time.Now().Add(-pollFallbackWindow)
	}

	polledAt := time.Now()
	changes, err := poller.ListTransactionsSince(ctx, since)
	if err != nil {
		return err
	}

	for _, change := range changes {
		change.SourceChannelID = channel.ID
		change.SourceChannelType = channel.Type
		change.TenantID = channel.TenantID
		if change.ChangeType == "" {
			prev := 0
			if change.PreviousQuantity != nil {
				prev = *change.PreviousQuantity
			}
			change.ChangeType = domain.ClassifyChangeType("transaction.created", changeReason(change), prev, change.NewQuantity)
		}
		w.bus.Publish(eventbus.Event{Type: eventbus.StockChange, Payload: change})
	}

	return w.kv.SetLastPoll(ctx, channel.Type, channel.ID, polledAt)
}

func (w *Watcher) logPollError(msg, channelID string, err error) {
	if w.logger == nil {
		return
	}
	if channelID == "" {
		w.logger.Error(msg, slog.Any("err", err))
		return
	}
	w.logger.Error(msg, slog.String("channel_id", channelID), slog.Any("err", err))
}
