// Package provider defines the external channel-API boundary the sync
// engine calls against, plus two concrete adapters: a generic rate-limited
// HTTP implementation and an in-memory fake for tests.
package provider

import (
	"context"
	"time"

	"github.com/mkesani1/stockclerk-sub001/domain"
)

// HealthStatus is the result of a Provider.HealthCheck call.
type HealthStatus struct {
	Connected   bool
	LastChecked time.Time
	Error       string
}

// ProductInfo is what a channel reports back for one external product.
type ProductInfo struct {
	ExternalID string
	Quantity   int
	Metadata   map[string]any
}

// Credentials is the opaque, already-decrypted credential bundle a Provider
// needs to authenticate against its channel. The engine never inspects its
// contents; only the concrete adapter for a given channel type does.
type Credentials map[string]string

// Provider is the per-channel external contract every channel-type adapter
// implements. The engine only ever talks to channels through this
// interface.
type Provider interface {
	Connect(ctx context.Context, creds Credentials) error
	Disconnect(ctx context.Context) error
	HealthCheck(ctx context.Context) (HealthStatus, error)
	GetProduct(ctx context.Context, externalID string) (ProductInfo, error)
	UpdateStock(ctx context.Context, externalID string, quantity int) error
	HandleWebhook(ctx context.Context, rawPayload []byte, signature string) ([]domain.StockChange, error)
}

// TransactionPoller is an optional capability a Provider may implement on
// top of Provider: channels that support it can be polled on a fixed
// interval as a fallback to (or instead of) webhooks, per spec.md §4.3's POS
// polling paragraph. Checked with a type assertion rather than folded into
// Provider itself, since most channel types never need it.
type TransactionPoller interface {
	ListTransactionsSince(ctx context.Context, since time.Time) ([]domain.StockChange, error)
}
