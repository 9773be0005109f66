package alertengine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mkesani1/stockclerk-sub001/domain"
	"github.com/mkesani1/stockclerk-sub001/eventbus"
	"github.com/mkesani1/stockclerk-sub001/provider"
	"github.com/mkesani1/stockclerk-sub001/repository"
)

type fakeRepo struct {
	rules      []domain.AlertRule
	channels   map[string]domain.Channel
	alerts     []domain.Alert
	alertsByID map[string]*domain.Alert
	alertSeen  map[domain.AlertDedupeKey]string // key -> alert id
	nextID     int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		channels:   map[string]domain.Channel{},
		alertsByID: map[string]*domain.Alert{},
		alertSeen:  map[domain.AlertDedupeKey]string{},
	}
}

func (r *fakeRepo) GetAllTenantIDs(ctx context.Context) ([]string, error) { return nil, nil }
func (r *fakeRepo) GetTenant(ctx context.Context, tenantID string) (domain.Tenant, error) {
	return domain.Tenant{}, nil
}
func (r *fakeRepo) GetActiveChannels(ctx context.Context, tenantID string) ([]domain.Channel, error) {
	var out []domain.Channel
	for _, c := range r.channels {
		if c.TenantID == tenantID && c.IsActive {
			out = append(out, c)
		}
	}
	return out, nil
}
func (r *fakeRepo) GetChannel(ctx context.Context, channelID string) (domain.Channel, error) {
	c, ok := r.channels[channelID]
	if !ok {
		return domain.Channel{}, repository.ErrNotFound
	}
	return c, nil
}
func (r *fakeRepo) GetChannelByExternalInstanceID(ctx context.Context, tenantID, externalInstanceID string) (domain.Channel, error) {
	return domain.Channel{}, repository.ErrNotFound
}
func (r *fakeRepo) UpdateLastSyncAt(ctx context.Context, channelID string) error { return nil }
func (r *fakeRepo) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	return domain.Product{}, repository.ErrNotFound
}
func (r *fakeRepo) GetProducts(ctx context.Context, tenantID string) ([]domain.Product, error) {
	return nil, nil
}
func (r *fakeRepo) UpdateProductStock(ctx context.Context, productID string, newStock int, asOf time.Time) error {
	return nil
}
func (r *fakeRepo) GetMappingByExternalID(ctx context.Context, tenantID, channelID, externalID string) (domain.ProductChannelMapping, error) {
	return domain.ProductChannelMapping{}, repository.ErrNotFound
}
func (r *fakeRepo) GetMappingsForProduct(ctx context.Context, productID string) ([]domain.ProductChannelMapping, error) {
	return nil, nil
}
func (r *fakeRepo) CreateSyncEvent(ctx context.Context, event domain.SyncEvent) (string, error) {
	return "evt", nil
}
func (r *fakeRepo) UpdateSyncEventStatus(ctx context.Context, eventID string, status domain.SyncEventStatus, errMsg string) error {
	return nil
}
func (r *fakeRepo) AlertExists(ctx context.Context, key domain.AlertDedupeKey) (domain.Alert, bool, error) {
	id, ok := r.alertSeen[key]
	if !ok {
		return domain.Alert{}, false, nil
	}
	return *r.alertsByID[id], true, nil
}
func (r *fakeRepo) CreateAlertIfAbsent(ctx context.Context, alert domain.Alert) (bool, error) {
	key := alert.DedupeKey()
	if _, exists := r.alertSeen[key]; exists {
		return false, nil
	}
	r.nextID++
	alert.ID = fmt.Sprintf("alert-%d", r.nextID)
	r.alertSeen[key] = alert.ID
	r.alertsByID[alert.ID] = &alert
	r.alerts = append(r.alerts, alert)
	return true, nil
}
func (r *fakeRepo) MarkAlertRead(ctx context.Context, alertID string) error {
	a, ok := r.alertsByID[alertID]
	if !ok {
		return repository.ErrNotFound
	}
	a.IsRead = true
	delete(r.alertSeen, a.DedupeKey())
	for i := range r.alerts {
		if r.alerts[i].ID == alertID {
			r.alerts[i].IsRead = true
		}
	}
	return nil
}
func (r *fakeRepo) GetAlertRules(ctx context.Context, tenantID string) ([]domain.AlertRule, error) {
	return r.rules, nil
}

var _ repository.Repository = (*fakeRepo)(nil)

func resolverFor(providers map[string]*provider.FakeProvider) ProviderResolver {
	return func(ctx context.Context, channel domain.Channel) (provider.Provider, error) {
		p, ok := providers[channel.ID]
		if !ok {
			return nil, errors.New("no provider configured for channel")
		}
		return p, nil
	}
}

func TestEvaluateLowStockRaisesBelowThreshold(t *testing.T) {
	repo := newFakeRepo()
	repo.rules = []domain.AlertRule{{ID: "rule-1", TenantID: "tenant-1", Threshold: 10, Enabled: true}}

	bus := eventbus.New(nil)
	a := New(repo, bus, resolverFor(nil), nil, nil)

	product := domain.Product{ID: "prod-1", TenantID: "tenant-1", SKU: "sku-1", CurrentStock: 5}
	if err := a.evaluateLowStock(context.Background(), product); err != nil {
		t.Fatalf("evaluateLowStock returned error: %v", err)
	}

	if len(repo.alerts) != 1 || repo.alerts[0].Type != domain.AlertLowStock {
		t.Fatalf("expected one low_stock alert, got %+v", repo.alerts)
	}
}

func TestEvaluateLowStockDeduplicatesRepeatedTriggers(t *testing.T) {
	repo := newFakeRepo()
	repo.rules = []domain.AlertRule{{ID: "rule-1", TenantID: "tenant-1", Threshold: 10, Enabled: true}}

	bus := eventbus.New(nil)
	a := New(repo, bus, resolverFor(nil), nil, nil)

	product := domain.Product{ID: "prod-1", TenantID: "tenant-1", CurrentStock: 5}
	if err := a.evaluateLowStock(context.Background(), product); err != nil {
		t.Fatalf("first call returned error: %v", err)
	}
	if err := a.evaluateLowStock(context.Background(), product); err != nil {
		t.Fatalf("second call returned error: %v", err)
	}

	if len(repo.alerts) != 1 {
		t.Fatalf("expected exactly one alert row across two triggers, got %d", len(repo.alerts))
	}
}

func TestEvaluateLowStockResolvesWithoutRaisingWhenStockRecovers(t *testing.T) {
	repo := newFakeRepo()
	repo.rules = []domain.AlertRule{{ID: "rule-1", TenantID: "tenant-1", Threshold: 10, Enabled: true}}

	bus := eventbus.New(nil)
	a := New(repo, bus, resolverFor(nil), nil, nil)

	low := domain.Product{ID: "prod-1", TenantID: "tenant-1", CurrentStock: 5}
	if err := a.evaluateLowStock(context.Background(), low); err != nil {
		t.Fatalf("trigger call returned error: %v", err)
	}

	recovered := domain.Product{ID: "prod-1", TenantID: "tenant-1", CurrentStock: 50}
	if err := a.evaluateLowStock(context.Background(), recovered); err != nil {
		t.Fatalf("recovery call returned error: %v", err)
	}

	if len(repo.alerts) != 1 || !repo.alerts[0].IsRead {
		t.Fatalf("expected the original alert to be marked read, not a new one raised, got %+v", repo.alerts)
	}
}

func TestCheckChannelHealthRaisesOnDisconnect(t *testing.T) {
	repo := newFakeRepo()
	repo.channels["chan-1"] = domain.Channel{ID: "chan-1", TenantID: "tenant-1", IsActive: true}

	bad := provider.NewFakeProvider()
	bad.FailHealthCheck(errors.New("connection refused"))

	bus := eventbus.New(nil)
	a := New(repo, bus, resolverFor(map[string]*provider.FakeProvider{"chan-1": bad}), nil, nil)

	if err := a.checkChannelHealth(context.Background(), "tenant-1"); err != nil {
		t.Fatalf("checkChannelHealth returned error: %v", err)
	}

	if len(repo.alerts) != 1 || repo.alerts[0].Type != domain.AlertChannelDisconnected {
		t.Fatalf("expected one channel_disconnected alert, got %+v", repo.alerts)
	}
}

func TestCheckChannelHealthResolvesOnReconnect(t *testing.T) {
	repo := newFakeRepo()
	repo.channels["chan-1"] = domain.Channel{ID: "chan-1", TenantID: "tenant-1", IsActive: true}

	p := provider.NewFakeProvider()
	p.FailHealthCheck(errors.New("timeout"))

	bus := eventbus.New(nil)
	a := New(repo, bus, resolverFor(map[string]*provider.FakeProvider{"chan-1": p}), nil, nil)

	if err := a.checkChannelHealth(context.Background(), "tenant-1"); err != nil {
		t.Fatalf("first health check returned error: %v", err)
	}

	p.FailHealthCheck(nil)
	if err := p.Connect(context.Background(), nil); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	if err := a.checkChannelHealth(context.Background(), "tenant-1"); err != nil {
		t.Fatalf("second health check returned error: %v", err)
	}

	if len(repo.alerts) != 1 || !repo.alerts[0].IsRead {
		t.Fatalf("expected the channel_disconnected alert to resolve without a new one, got %+v", repo.alerts)
	}
}

func TestOnAlertTriggeredRelaysSyncErrorCondition(t *testing.T) {
	repo := newFakeRepo()
	bus := eventbus.New(nil)
	a := New(repo, bus, resolverFor(nil), nil, nil)
	a.Subscribe()

	bus.Publish(eventbus.Event{Type: eventbus.AlertTriggered, Payload: map[string]any{
		"type":      domain.AlertSyncError,
		"tenantId":  "tenant-1",
		"channelId": "chan-1",
		"productId": "prod-1",
		"message":   "push failed",
	}})

	if len(repo.alerts) != 1 || repo.alerts[0].Type != domain.AlertSyncError {
		t.Fatalf("expected the relayed condition to create one sync_error alert, got %+v", repo.alerts)
	}
}
