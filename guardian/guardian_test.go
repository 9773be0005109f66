package guardian

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mkesani1/stockclerk-sub001/domain"
	"github.com/mkesani1/stockclerk-sub001/eventbus"
	"github.com/mkesani1/stockclerk-sub001/provider"
	"github.com/mkesani1/stockclerk-sub001/repository"
)

type fakeRepo struct {
	channels   map[string]domain.Channel
	products   map[string]domain.Product
	mappings   map[string][]domain.ProductChannelMapping
	alerts     []domain.Alert
	alertSeen  map[domain.AlertDedupeKey]bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		channels:  map[string]domain.Channel{},
		products:  map[string]domain.Product{},
		mappings:  map[string][]domain.ProductChannelMapping{},
		alertSeen: map[domain.AlertDedupeKey]bool{},
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
	p, ok := r.products[productID]
	if !ok {
		return domain.Product{}, repository.ErrNotFound
	}
	return p, nil
}
func (r *fakeRepo) GetProducts(ctx context.Context, tenantID string) ([]domain.Product, error) {
	var out []domain.Product
	for _, p := range r.products {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	return out, nil
}
func (r *fakeRepo) UpdateProductStock(ctx context.Context, productID string, newStock int, asOf time.Time) error {
	p, ok := r.products[productID]
	if !ok {
		return repository.ErrNotFound
	}
	p.CurrentStock = newStock
	p.UpdatedAt = asOf
	r.products[productID] = p
	return nil
}
func (r *fakeRepo) GetMappingByExternalID(ctx context.Context, tenantID, channelID, externalID string) (domain.ProductChannelMapping, error) {
	return domain.ProductChannelMapping{}, repository.ErrNotFound
}
func (r *fakeRepo) GetMappingsForProduct(ctx context.Context, productID string) ([]domain.ProductChannelMapping, error) {
	return r.mappings[productID], nil
}
func (r *fakeRepo) CreateSyncEvent(ctx context.Context, event domain.SyncEvent) (string, error) {
	return "evt", nil
}
func (r *fakeRepo) UpdateSyncEventStatus(ctx context.Context, eventID string, status domain.SyncEventStatus, errMsg string) error {
	return nil
}
func (r *fakeRepo) AlertExists(ctx context.Context, key domain.AlertDedupeKey) (domain.Alert, bool, error) {
	return domain.Alert{}, r.alertSeen[key], nil
}
func (r *fakeRepo) CreateAlertIfAbsent(ctx context.Context, alert domain.Alert) (bool, error) {
	key := alert.DedupeKey()
	if r.alertSeen[key] {
		return false, nil
	}
	r.alertSeen[key] = true
	r.alerts = append(r.alerts, alert)
	return true, nil
}
func (r *fakeRepo) MarkAlertRead(ctx context.Context, alertID string) error { return nil }
func (r *fakeRepo) GetAlertRules(ctx context.Context, tenantID string) ([]domain.AlertRule, error) {
	return nil, nil
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

func TestSelectSourceOfTruthPrefersPOS(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	recent := time.Now()
	channels := []domain.Channel{
		{ID: "chan-online", Type: domain.ChannelOnline, CreatedAt: old},
		{ID: "chan-pos", Type: domain.ChannelPOS, CreatedAt: recent},
	}

	got := selectSourceOfTruth(channels, nil)
	if got.ID != "chan-pos" {
		t.Fatalf("expected POS channel to be selected as source of truth, got %s", got.ID)
	}
}

func TestSelectSourceOfTruthFallsBackToOldest(t *testing.T) {
	older := time.Now().Add(-2 * time.Hour)
	newer := time.Now().Add(-time.Hour)
	channels := []domain.Channel{
		{ID: "chan-new", Type: domain.ChannelDelivery, CreatedAt: newer},
		{ID: "chan-old", Type: domain.ChannelOnline, CreatedAt: older},
	}

	got := selectSourceOfTruth(channels, nil)
	if got.ID != "chan-old" {
		t.Fatalf("expected oldest active channel as fallback source of truth, got %s", got.ID)
	}
}

func TestSweepSkipsTenantsWithFewerThanTwoChannels(t *testing.T) {
	repo := newFakeRepo()
	repo.channels["chan-pos"] = domain.Channel{ID: "chan-pos", TenantID: "tenant-1", Type: domain.ChannelPOS, IsActive: true}

	bus := eventbus.New(nil)
	g := New(repo, bus, resolverFor(nil), nil, nil)

	if err := g.Sweep(context.Background(), "tenant-1"); err != nil {
		t.Fatalf("Sweep returned error: %v", err)
	}
}

func TestSweepAutoRepairsLowSeverityDrift(t *testing.T) {
	repo := newFakeRepo()
	repo.channels["chan-pos"] = domain.Channel{ID: "chan-pos", TenantID: "tenant-1", Type: domain.ChannelPOS, IsActive: true, CreatedAt: time.Now().Add(-time.Hour)}
	repo.channels["chan-online"] = domain.Channel{ID: "chan-online", TenantID: "tenant-1", Type: domain.ChannelOnline, IsActive: true, CreatedAt: time.Now()}
	repo.products["prod-1"] = domain.Product{ID: "prod-1", TenantID: "tenant-1", SKU: "sku-1", BufferStock: 0, CurrentStock: 10}
	repo.mappings["prod-1"] = []domain.ProductChannelMapping{
		{ProductID: "prod-1", ChannelID: "chan-pos", ExternalID: "ext-pos"},
		{ProductID: "prod-1", ChannelID: "chan-online", ExternalID: "ext-online"},
	}

	posProvider := provider.NewFakeProvider()
	posProvider.Seed("ext-pos", 10)
	onlineProvider := provider.NewFakeProvider()
	onlineProvider.Seed("ext-online", 9) // drift of 1, below the default auto-repair threshold of 3

	bus := eventbus.New(nil)
	var repaired []map[string]any
	bus.Subscribe(eventbus.DriftRepaired, func(e eventbus.Event) {
		repaired = append(repaired, e.Payload.(map[string]any))
	})

	g := New(repo, bus, resolverFor(map[string]*provider.FakeProvider{"chan-pos": posProvider, "chan-online": onlineProvider}), nil, nil)

	if err := g.Sweep(context.Background(), "tenant-1"); err != nil {
		t.Fatalf("Sweep returned error: %v", err)
	}

	updates := onlineProvider.Updates()
	if len(updates) != 1 || updates[0].Quantity != 10 {
		t.Fatalf("expected drifting channel to be corrected to 10, got %+v", updates)
	}
	if len(repaired) != 1 {
		t.Fatalf("expected one drift:repaired event, got %d", len(repaired))
	}
	if len(repo.alerts) != 0 {
		t.Fatalf("expected no alert for a fully auto-repaired low-severity drift, got %+v", repo.alerts)
	}
}

func TestSweepFlagsHighSeverityDriftInsteadOfRepairing(t *testing.T) {
	repo := newFakeRepo()
	repo.channels["chan-pos"] = domain.Channel{ID: "chan-pos", TenantID: "tenant-1", Type: domain.ChannelPOS, IsActive: true}
	repo.channels["chan-online"] = domain.Channel{ID: "chan-online", TenantID: "tenant-1", Type: domain.ChannelOnline, IsActive: true}
	repo.products["prod-1"] = domain.Product{ID: "prod-1", TenantID: "tenant-1", CurrentStock: 100}
	repo.mappings["prod-1"] = []domain.ProductChannelMapping{
		{ProductID: "prod-1", ChannelID: "chan-pos", ExternalID: "ext-pos"},
		{ProductID: "prod-1", ChannelID: "chan-online", ExternalID: "ext-online"},
	}

	posProvider := provider.NewFakeProvider()
	posProvider.Seed("ext-pos", 100)
	onlineProvider := provider.NewFakeProvider()
	onlineProvider.Seed("ext-online", 20) // drift of 80, well past double the default threshold

	bus := eventbus.New(nil)
	g := New(repo, bus, resolverFor(map[string]*provider.FakeProvider{"chan-pos": posProvider, "chan-online": onlineProvider}), nil, nil)

	if err := g.Sweep(context.Background(), "tenant-1"); err != nil {
		t.Fatalf("Sweep returned error: %v", err)
	}

	if len(onlineProvider.Updates()) != 0 {
		t.Fatalf("expected high-severity drift to not be auto-repaired, got %+v", onlineProvider.Updates())
	}
	if len(repo.alerts) != 1 || repo.alerts[0].Type != domain.AlertSyncError {
		t.Fatalf("expected one sync_error alert, got %+v", repo.alerts)
	}
}

func TestSweepDeduplicatesRepeatedAlerts(t *testing.T) {
	repo := newFakeRepo()
	repo.channels["chan-pos"] = domain.Channel{ID: "chan-pos", TenantID: "tenant-1", Type: domain.ChannelPOS, IsActive: true}
	repo.channels["chan-online"] = domain.Channel{ID: "chan-online", TenantID: "tenant-1", Type: domain.ChannelOnline, IsActive: true}
	repo.products["prod-1"] = domain.Product{ID: "prod-1", TenantID: "tenant-1", CurrentStock: 100}
	repo.mappings["prod-1"] = []domain.ProductChannelMapping{
		{ProductID: "prod-1", ChannelID: "chan-pos", ExternalID: "ext-pos"},
		{ProductID: "prod-1", ChannelID: "chan-online", ExternalID: "ext-online"},
	}

	posProvider := provider.NewFakeProvider()
	posProvider.Seed("ext-pos", 100)
	onlineProvider := provider.NewFakeProvider()
	onlineProvider.Seed("ext-online", 20)

	bus := eventbus.New(nil)
	g := New(repo, bus, resolverFor(map[string]*provider.FakeProvider{"chan-pos": posProvider, "chan-online": onlineProvider}), nil, nil)

	if err := g.Sweep(context.Background(), "tenant-1"); err != nil {
		t.Fatalf("first sweep returned error: %v", err)
	}
	if err := g.Sweep(context.Background(), "tenant-1"); err != nil {
		t.Fatalf("second sweep returned error: %v", err)
	}

	if len(repo.alerts) != 1 {
		t.Fatalf("expected repeated drift to produce exactly one alert, got %d", len(repo.alerts))
	}
}

func TestReconcileChannelSkipsTheSourceOfTruthItself(t *testing.T) {
	repo := newFakeRepo()
	repo.channels["chan-pos"] = domain.Channel{ID: "chan-pos", TenantID: "tenant-1", Type: domain.ChannelPOS, IsActive: true}
	repo.channels["chan-online"] = domain.Channel{ID: "chan-online", TenantID: "tenant-1", Type: domain.ChannelOnline, IsActive: true}

	bus := eventbus.New(nil)
	g := New(repo, bus, resolverFor(nil), nil, nil)

	if err := g.ReconcileChannel(context.Background(), "tenant-1", "chan-pos"); err != nil {
		t.Fatalf("ReconcileChannel returned error: %v", err)
	}
}
