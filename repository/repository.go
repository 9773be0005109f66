// Package repository defines the typed persistence boundary the sync
// engine reads and writes through, plus concrete Postgres, Mongo and Redis
// adapters behind it.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/mkesani1/stockclerk-sub001/domain"
)

// ErrNotFound is returned by lookups that find nothing, so callers can
// distinguish "no row" from a transport failure with errors.Is.
var ErrNotFound = errors.New("repository: not found")

// TenantRepository reads tenant records.
type TenantRepository interface {
	GetAllTenantIDs(ctx context.Context) ([]string, error)
	GetTenant(ctx context.Context, tenantID string) (domain.Tenant, error)
}

// ChannelRepository reads and writes channel records.
type ChannelRepository interface {
	GetActiveChannels(ctx context.Context, tenantID string) ([]domain.Channel, error)
	GetChannel(ctx context.Context, channelID string) (domain.Channel, error)
	GetChannelByExternalInstanceID(ctx context.Context, tenantID, externalInstanceID string) (domain.Channel, error)
	UpdateLastSyncAt(ctx context.Context, channelID string) error
}

// ProductRepository reads and writes product records.
type ProductRepository interface {
	GetProduct(ctx context.Context, productID string) (domain.Product, error)
	GetProducts(ctx context.Context, tenantID string) ([]domain.Product, error)
	// UpdateProductStock persists newStock as of asOf — the StockChange's own
	// timestamp, not wall-clock write time — so later conflict-resolution
	// reads compare event time, not processing order.
	UpdateProductStock(ctx context.Context, productID string, newStock int, asOf time.Time) error
}

// MappingRepository resolves product/channel mappings.
type MappingRepository interface {
	GetMappingByExternalID(ctx context.Context, tenantID, channelID, externalID string) (domain.ProductChannelMapping, error)
	GetMappingsForProduct(ctx context.Context, productID string) ([]domain.ProductChannelMapping, error)
}

// SyncEventRepository appends and updates the sync-event audit log.
type SyncEventRepository interface {
	CreateSyncEvent(ctx context.Context, event domain.SyncEvent) (string, error)
	UpdateSyncEventStatus(ctx context.Context, eventID string, status domain.SyncEventStatus, errMsg string) error
}

// AlertRepository manages alert rows and the dedupe invariant (I5).
type AlertRepository interface {
	// AlertExists reports whether an unread alert already exists for the
	// dedupe key, and returns it for resolution-marking if so.
	AlertExists(ctx context.Context, key domain.AlertDedupeKey) (domain.Alert, bool, error)
	// CreateAlertIfAbsent atomically checks AlertExists and inserts the new
	// alert only if absent, inside one transaction — the concrete mechanism
	// behind I5.
	CreateAlertIfAbsent(ctx context.Context, alert domain.Alert) (created bool, err error)
	MarkAlertRead(ctx context.Context, alertID string) error
	GetAlertRules(ctx context.Context, tenantID string) ([]domain.AlertRule, error)
}

// Repository is the full contract the sync engine's agents depend on. Each
// tenant worker is constructed with one Repository backed by the concrete
// Postgres/Mongo adapters wired together in tenantworker.Run.
type Repository interface {
	TenantRepository
	ChannelRepository
	ProductRepository
	MappingRepository
	SyncEventRepository
	AlertRepository
}
