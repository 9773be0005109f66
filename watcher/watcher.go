// Package watcher implements spec.md §4.3: normalizing webhook payloads
// into domain.StockChange, classification, idempotency, signature
// verification, and the POS polling fallback.
package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkesani1/stockclerk-sub001/common/tracing"
	"github.com/mkesani1/stockclerk-sub001/domain"
	"github.com/mkesani1/stockclerk-sub001/eventbus"
	"github.com/mkesani1/stockclerk-sub001/provider"
	"github.com/mkesani1/stockclerk-sub001/repository"
)

// dedupeStore is the narrow slice of repository/redis.KV Watcher depends on,
// so tests can fake it without a live Redis connection.
type dedupeStore interface {
	MarkWebhookSeen(ctx context.Context, tenantID, channelID, eventID string, ttl time.Duration) (firstSeen bool, err error)
	GetLastPoll(ctx context.Context, channelType domain.ChannelType, channelID string) (time.Time, error)
	SetLastPoll(ctx context.Context, channelType domain.ChannelType, channelID string, at time.Time) error
}

// WebhookJob is the queue payload Watcher consumes, per spec.md §4.3.
type WebhookJob struct {
	TenantID    string          `json:"tenant_id"`
	ChannelID   string          `json:"channel_id"`
	ChannelType domain.ChannelType `json:"channel_type"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	ReceivedAt  time.Time       `json:"received_at"`
	Signature   string          `json:"signature,omitempty"`
	EventID     string          `json:"event_id,omitempty"`
}

// Decoder turns one (channelType, eventType) payload shape into zero or
// more StockChanges. Registered per shape so there is no ad-hoc field
// probing (spec.md §9's redesign note).
type Decoder func(job WebhookJob) ([]domain.StockChange, error)

// Watcher normalizes webhook jobs into domain.StockChange events and
// publishes them, for one tenant worker.
type Watcher struct {
	repo      repository.Repository
	bus       *eventbus.Bus
	kv        dedupeStore
	logger    *slog.Logger
	decoders  map[string]Decoder // keyed by channelType+"."+eventType
	dedupeTTL time.Duration
}

// New builds a Watcher with the standard decoder set registered.
func New(repo repository.Repository, bus *eventbus.Bus, kv dedupeStore, logger *slog.Logger, dedupeTTL time.Duration) *Watcher {
	w := &Watcher{
		repo:      repo,
		bus:       bus,
		kv:        kv,
		logger:    logger,
		decoders:  map[string]Decoder{},
		dedupeTTL: dedupeTTL,
	}
	w.registerStandardDecoders()
	return w
}

// RegisterDecoder installs or overrides the decoder for one
// (channelType, eventType) shape.
func (w *Watcher) RegisterDecoder(channelType domain.ChannelType, eventType string, decoder Decoder) {
	w.decoders[decoderKey(channelType, eventType)] = decoder
}

func decoderKey(channelType domain.ChannelType, eventType string) string {
	return string(channelType) + "." + eventType
}

// Handle is the jobqueue.Handler for the webhook topic: it verifies the
// signature, checks idempotency, decodes, and publishes.
func (w *Watcher) Handle(ctx context.Context, job WebhookJob) error {
	tracing.AddEvent(ctx, "Handle", job.TenantID, job.ChannelID, job.EventType)

	channel, err := w.repo.GetChannel(ctx, job.ChannelID)
	if err != nil {
		return w.fail(ctx, job, "failed to load channel for webhook", err)
	}

	if !w.verifySignature(channel, job) {
		return w.recordFailure(ctx, job, domain.EventWebhookProcessed, "invalid signature")
	}

	eventID := job.EventID
	if eventID == "" {
		eventID = naturalEventID(job)
	}

	firstSeen, err := w.kv.MarkWebhookSeen(ctx, job.TenantID, job.ChannelID, eventID, w.dedupeTTL)
	if err != nil {
		return w.fail(ctx, job, "dedupe check failed", err)
	}
	if !firstSeen {
		_, _ = w.repo.CreateSyncEvent(ctx, domain.SyncEvent{
			TenantID:  job.TenantID,
			EventType: domain.EventWebhookProcessed,
			ChannelID: job.ChannelID,
			Status:    domain.StatusCompleted,
			CreatedAt: time.Now(),
		})
		return nil
	}

	decoder, ok := w.decoders[decoderKey(job.ChannelType, job.EventType)]
	if !ok {
		return w.recordFailure(ctx, job, domain.EventWebhookUnmatched, fmt.Sprintf("no decoder for %s/%s", job.ChannelType, job.EventType))
	}

	changes, err := decoder(job)
	if err != nil {
		return w.recordFailure(ctx, job, domain.EventWebhookUnmatched, err.Error())
	}

	for _, change := range changes {
		change.SourceChannelID = channel.ID
		change.SourceChannelType = channel.Type
		change.TenantID = job.TenantID
		if change.Timestamp.IsZero() {
			change.Timestamp = job.ReceivedAt
		}
		if change.RelativeOnly {
			if err := w.resolveRelativeQuantity(ctx, channel.ID, &change); err != nil {
				return w.fail(ctx, job, "failed to resolve relative stock change against current stock", err)
			}
		}
		if change.ChangeType == "" {
			prev := 0
			if change.PreviousQuantity != nil {
				prev = *change.PreviousQuantity
			}
			change.ChangeType = domain.ClassifyChangeType(job.EventType, changeReason(change), prev, change.NewQuantity)
		}
		w.bus.Publish(eventbus.Event{Type: eventbus.StockChange, Payload: change})
	}

	return nil
}

// resolveRelativeQuantity fills in NewQuantity/PreviousQuantity for a decode
// that only knows ChangeAmount (e.g. a delivery platform's order quantity,
// not a residual stock level) by loading the product's current canonical
// stock and applying the delta, mirroring syncer's own mapping-then-product
// lookup. An unmapped external ID is left unresolved; Syncer's own mapping
// lookup reports that the same way it does for every other unmatched ID.
func (w *Watcher) resolveRelativeQuantity(ctx context.Context, channelID string, change *domain.StockChange) error {
	productID := change.ProductID
	if productID == "" {
		mapping, err := w.repo.GetMappingByExternalID(ctx, change.TenantID, channelID, change.ExternalID)
		if err != nil {
			if err == repository.ErrNotFound {
				return nil
			}
			return fmt.Errorf("watcher: failed to resolve mapping for external id %q: %w", change.ExternalID, err)
		}
		productID = mapping.ProductID
	}

	product, err := w.repo.GetProduct(ctx, productID)
	if err != nil {
		return fmt.Errorf("watcher: failed to load product %s: %w", productID, err)
	}

	newQty := product.CurrentStock + change.ChangeAmount
	if newQty < 0 {
		newQty = 0
	}
	prev := product.CurrentStock
	change.ProductID = productID
	change.PreviousQuantity = &prev
	change.NewQuantity = newQty
	return nil
}

func changeReason(change domain.StockChange) string {
	if change.Metadata == nil {
		return ""
	}
	if reason, ok := change.Metadata["reason"].(string); ok {
		return reason
	}
	return ""
}

// verifySignature checks job's HMAC signature against the webhook secret
// stored in channel.CredentialsBlob. A channel configured without a secret
// accepts everything (spec.md §9 flags this as a production risk left to
// onboarding to close by always configuring one).
func (w *Watcher) verifySignature(channel domain.Channel, job WebhookJob) bool {
	secret := webhookSecret(channel)
	if secret == "" {
		return true
	}
	return provider.VerifyHMACSignature(secret, job.Payload, job.Signature)
}

// channelCredentials is the documented shape of Channel.CredentialsBlob:
// opaque to every package except the one that set it, parsed here only for
// the webhook_secret field the signature check needs.
type channelCredentials struct {
	WebhookSecret string `json:"webhook_secret"`
}

func webhookSecret(channel domain.Channel) string {
	if len(channel.CredentialsBlob) == 0 {
		return ""
	}
	var creds channelCredentials
	if err := json.Unmarshal(channel.CredentialsBlob, &creds); err != nil {
		return ""
	}
	return creds.WebhookSecret
}

func naturalEventID(job WebhookJob) string {
	h := fmt.Sprintf("%s:%s:%s:%d", job.TenantID, job.ChannelID, job.EventType, job.ReceivedAt.UnixNano())
	return h
}

func (w *Watcher) fail(ctx context.Context, job WebhookJob, msg string, err error) error {
	if w.logger != nil {
		w.logger.Error(msg, slog.String("tenant_id", job.TenantID), slog.String("channel_id", job.ChannelID), slog.Any("err", err))
	}
	return domain.NewError(domain.KindTransient, "watcher.handle", err)
}

func (w *Watcher) recordFailure(ctx context.Context, job WebhookJob, eventType domain.SyncEventType, message string) error {
	_, err := w.repo.CreateSyncEvent(ctx, domain.SyncEvent{
		TenantID:     job.TenantID,
		EventType:    eventType,
		ChannelID:    job.ChannelID,
		Status:       domain.StatusFailed,
		ErrorMessage: message,
		CreatedAt:    time.Now(),
	})
	return err
}
