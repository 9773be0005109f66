// Package domain holds the canonical entity types the sync engine operates
// on, independent of how they are stored or transported.
package domain

import "time"

// ChannelType identifies the kind of external commerce system a Channel
// connects to.
type ChannelType string

const (
	ChannelPOS       ChannelType = "pos"
	ChannelOnline    ChannelType = "online_store"
	ChannelDelivery  ChannelType = "delivery_platform"
)

// IsOnline reports whether stock pushed to this channel type must respect
// the buffer-stock withholding rule.
func (t ChannelType) IsOnline() bool {
	return t == ChannelOnline || t == ChannelDelivery
}

// Tenant is the isolation boundary: every other entity belongs to exactly
// one tenant.
type Tenant struct {
	ID             string
	DisplayName    string
	Slug           string
	LifecycleSource string // "self_signup", "marketplace_install", ...
	CreatedAt      time.Time
}

// Channel is a tenant's connection to one external commerce system.
type Channel struct {
	ID                 string
	TenantID           string
	Type               ChannelType
	Name               string
	CredentialsBlob    []byte // opaque, encrypted at rest by the caller
	IsActive           bool
	ExternalInstanceID string // used to resolve a tenant on inbound webhooks
	LastSyncAt         *time.Time
	CreatedAt          time.Time
	DeactivatedAt      *time.Time // soft-deactivation marker; credentials kept 30d
}

// Product is a tenant's canonical sellable item.
type Product struct {
	ID           string
	TenantID     string
	SKU          string
	Name         string
	CurrentStock int
	BufferStock  int
	Metadata     map[string]any
	UpdatedAt    time.Time
}

// ProductChannelMapping binds a canonical product to its identifier on one
// channel.
type ProductChannelMapping struct {
	ProductID    string
	ChannelID    string
	ExternalID   string
	ExternalSKU  string
}

// SyncEventType classifies what kind of attempt a SyncEvent records.
type SyncEventType string

const (
	EventStockUpdate       SyncEventType = "stock_update"
	EventPushUpdate        SyncEventType = "push_update"
	EventWebhookProcessed  SyncEventType = "webhook_processed"
	EventWebhookUnmatched  SyncEventType = "webhook_unmatched"
	EventCrossChannelSync  SyncEventType = "cross_channel_sync"
	EventFullSync          SyncEventType = "full_sync"
	EventStockPropagation  SyncEventType = "stock_propagation"
)

// SyncEventStatus is the monotonic lifecycle of a SyncEvent row.
type SyncEventStatus string

const (
	StatusPending    SyncEventStatus = "pending"
	StatusProcessing SyncEventStatus = "processing"
	StatusCompleted  SyncEventStatus = "completed"
	StatusFailed     SyncEventStatus = "failed"
)

// SyncEvent is an append-only audit record of one sync attempt.
type SyncEvent struct {
	ID           string
	TenantID     string
	EventType    SyncEventType
	ChannelID    string // optional, empty if not channel-scoped
	ProductID    string // optional, empty if not product-scoped
	OldValue     map[string]any
	NewValue     map[string]any
	Status       SyncEventStatus
	ErrorMessage string
	CreatedAt    time.Time
}

// AlertType identifies the kind of condition an Alert surfaces.
type AlertType string

const (
	AlertLowStock            AlertType = "low_stock"
	AlertSyncError           AlertType = "sync_error"
	AlertChannelDisconnected AlertType = "channel_disconnected"
)

// Alert is a surfaced condition requiring operator attention.
type Alert struct {
	ID        string
	TenantID  string
	Type      AlertType
	Message   string
	Metadata  map[string]any
	ProductID string // optional, part of the dedup key when set
	ChannelID string // optional, part of the dedup key when set
	IsRead    bool
	CreatedAt time.Time
}

// DedupeKey returns the tuple identifying at most one unread alert of this
// shape.
func (a Alert) DedupeKey() AlertDedupeKey {
	return AlertDedupeKey{
		TenantID:  a.TenantID,
		Type:      a.Type,
		ProductID: a.ProductID,
		ChannelID: a.ChannelID,
	}
}

// AlertDedupeKey is the (tenantId, type, productId?, channelId?) tuple that
// bounds the unread-alert set to at most one member.
type AlertDedupeKey struct {
	TenantID  string
	Type      AlertType
	ProductID string
	ChannelID string
}

// AlertRule is a tenant-scoped policy governing when Alert raises low_stock
// conditions.
type AlertRule struct {
	ID         string
	TenantID   string
	Threshold  int
	ProductIDs []string // optional scoping, empty means "all products"
	ChannelIDs []string // optional scoping, empty means "all channels"
	Enabled    bool
}

// ChangeType classifies why a StockChange happened.
type ChangeType string

const (
	ChangeSale       ChangeType = "sale"
	ChangeOrder      ChangeType = "order"
	ChangeRestock    ChangeType = "restock"
	ChangeReturn     ChangeType = "return"
	ChangeAdjustment ChangeType = "adjustment"
)

// StockChange is the canonical, normalized event Watcher produces from a raw
// webhook or poll result. It is never persisted directly.
type StockChange struct {
	SourceChannelID   string
	SourceChannelType ChannelType
	TenantID          string
	ExternalID        string
	ProductID         string // resolved by Sync, empty until then
	SKU               string
	PreviousQuantity  *int
	NewQuantity       int
	ChangeAmount      int
	RelativeOnly      bool // true when the source only reported ChangeAmount; NewQuantity must be resolved against the product's current stock before it can be written through as absolute
	ChangeType        ChangeType
	Timestamp         time.Time
	RawPayload        []byte
	Metadata          map[string]any
}

// DriftSeverity classifies how far a channel's actual stock has diverged
// from its expected stock.
type DriftSeverity string

const (
	DriftLow    DriftSeverity = "low"
	DriftMedium DriftSeverity = "medium"
	DriftHigh   DriftSeverity = "high"
)

// DriftingChannel is one channel whose live stock disagrees with the
// expected value computed from the source of truth.
type DriftingChannel struct {
	ChannelID string
	Expected  int
	Actual    int
	Drift     int
}

// DriftDetection is Guardian's per-product reconciliation result. It is
// computed fresh on every sweep, never persisted.
type DriftDetection struct {
	ProductID       string
	SKU             string
	SourceChannelID string
	SourceQuantity  int
	Channels        []DriftingChannel
	MaxDrift        int
	Severity        DriftSeverity
}
