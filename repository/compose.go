package repository

import (
	"context"

	"github.com/mkesani1/stockclerk-sub001/domain"
)

// syncEventStore is satisfied by repository/mongo.Store.
type syncEventStore interface {
	CreateSyncEvent(ctx context.Context, event domain.SyncEvent) (string, error)
	UpdateSyncEventStatus(ctx context.Context, eventID string, status domain.SyncEventStatus, errMsg string) error
}

// relationalStore is satisfied by repository/postgres.Store: everything
// except sync events and (optionally) cached alert rules.
type relationalStore interface {
	TenantRepository
	ChannelRepository
	ProductRepository
	MappingRepository
	AlertExists(ctx context.Context, key domain.AlertDedupeKey) (domain.Alert, bool, error)
	CreateAlertIfAbsent(ctx context.Context, alert domain.Alert) (bool, error)
	MarkAlertRead(ctx context.Context, alertID string) error
}

// alertRulesStore is satisfied by repository/postgres.Store directly or by
// repository/redis.CachedAlertRules wrapping it.
type alertRulesStore interface {
	GetAlertRules(ctx context.Context, tenantID string) ([]domain.AlertRule, error)
}

// Composite assembles a full Repository out of a relational store (tenants,
// channels, products, mappings, alerts), a document store (sync events) and
// an alert-rules source (cached or not) — the three adapters
// tenantworker.Run wires together for each tenant worker.
type Composite struct {
	relationalStore
	syncEventStore
	alertRulesStore
}

// NewComposite wires the three storage concerns into one Repository.
func NewComposite(relational relationalStore, events syncEventStore, rules alertRulesStore) *Composite {
	return &Composite{relationalStore: relational, syncEventStore: events, alertRulesStore: rules}
}

var _ Repository = (*Composite)(nil)
