package watcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mkesani1/stockclerk-sub001/domain"
	"github.com/mkesani1/stockclerk-sub001/eventbus"
	"github.com/mkesani1/stockclerk-sub001/repository"
)

// fakeRepo is a minimal in-memory repository.Repository for watcher tests.
type fakeRepo struct {
	channels   map[string]domain.Channel
	products   map[string]domain.Product
	mappings   map[string]domain.ProductChannelMapping
	syncEvents []domain.SyncEvent
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		channels: map[string]domain.Channel{},
		products: map[string]domain.Product{},
		mappings: map[string]domain.ProductChannelMapping{},
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
	return nil, nil
}
func (r *fakeRepo) UpdateProductStock(ctx context.Context, productID string, newStock int, asOf time.Time) error {
	return nil
}
func (r *fakeRepo) GetMappingByExternalID(ctx context.Context, tenantID, channelID, externalID string) (domain.ProductChannelMapping, error) {
	m, ok := r.mappings[tenantID+":"+channelID+":"+externalID]
	if !ok {
		return domain.ProductChannelMapping{}, repository.ErrNotFound
	}
	return m, nil
}
func (r *fakeRepo) GetMappingsForProduct(ctx context.Context, productID string) ([]domain.ProductChannelMapping, error) {
	return nil, nil
}
func (r *fakeRepo) CreateSyncEvent(ctx context.Context, event domain.SyncEvent) (string, error) {
	r.syncEvents = append(r.syncEvents, event)
	return "evt", nil
}
func (r *fakeRepo) UpdateSyncEventStatus(ctx context.Context, eventID string, status domain.SyncEventStatus, errMsg string) error {
	return nil
}
func (r *fakeRepo) AlertExists(ctx context.Context, key domain.AlertDedupeKey) (domain.Alert, bool, error) {
	return domain.Alert{}, false, nil
}
func (r *fakeRepo) CreateAlertIfAbsent(ctx context.Context, alert domain.Alert) (bool, error) {
	return true, nil
}
func (r *fakeRepo) MarkAlertRead(ctx context.Context, alertID string) error { return nil }
func (r *fakeRepo) GetAlertRules(ctx context.Context, tenantID string) ([]domain.AlertRule, error) {
	return nil, nil
}

var _ repository.Repository = (*fakeRepo)(nil)

// fakeKV is an in-memory dedupeStore for watcher tests.
type fakeKV struct {
	seen     map[string]bool
	lastPoll map[string]time.Time
}

func newFakeKV() *fakeKV {
	return &fakeKV{seen: map[string]bool{}, lastPoll: map[string]time.Time{}}
}

func (k *fakeKV) MarkWebhookSeen(ctx context.Context, tenantID, channelID, eventID string, ttl time.Duration) (bool, error) {
	key := tenantID + ":" + channelID + ":" + eventID
	if k.seen[key] {
		return false, nil
	}
	k.seen[key] = true
	return true, nil
}

func (k *fakeKV) GetLastPoll(ctx context.Context, channelType domain.ChannelType, channelID string) (time.Time, error) {
	return k.lastPoll[channelID], nil
}

func (k *fakeKV) SetLastPoll(ctx context.Context, channelType domain.ChannelType, channelID string, at time.Time) error {
	k.lastPoll[channelID] = at
	return nil
}

func newTestWatcher(repo *fakeRepo, kv *fakeKV) (*Watcher, *eventbus.Bus, *[]domain.StockChange) {
	bus := eventbus.New(nil)
	var captured []domain.StockChange
	bus.Subscribe(eventbus.StockChange, func(e eventbus.Event) {
		captured = append(captured, e.Payload.(domain.StockChange))
	})
	w := New(repo, bus, kv, nil, time.Hour)
	return w, bus, &captured
}

func TestHandlePOSStockUpdated(t *testing.T) {
	repo := newFakeRepo()
	repo.channels["chan-1"] = domain.Channel{ID: "chan-1", TenantID: "tenant-1", Type: domain.ChannelPOS}
	w, _, captured := newTestWatcher(repo, newFakeKV())

	payload, _ := json.Marshal(map[string]any{"ProductId": "sku-42", "CurrentStockLevel": 7})
	job := WebhookJob{
		TenantID:    "tenant-1",
		ChannelID:   "chan-1",
		ChannelType: domain.ChannelPOS,
		EventType:   "stock.updated",
		Payload:     payload,
		ReceivedAt:  time.Now(),
	}

	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	if len(*captured) != 1 {
		t.Fatalf("expected 1 stock change, got %d", len(*captured))
	}
	change := (*captured)[0]
	if change.ExternalID != "sku-42" || change.NewQuantity != 7 {
		t.Fatalf("unexpected stock change: %+v", change)
	}
	if change.SourceChannelID != "chan-1" || change.TenantID != "tenant-1" {
		t.Fatalf("change not enriched with channel/tenant: %+v", change)
	}
}

func TestHandlePOSTransactionClassifiesAsSale(t *testing.T) {
	repo := newFakeRepo()
	repo.channels["chan-1"] = domain.Channel{ID: "chan-1", TenantID: "tenant-1", Type: domain.ChannelPOS}
	w, _, captured := newTestWatcher(repo, newFakeKV())

	payload, _ := json.Marshal(map[string]any{
		"LineItems": []map[string]any{
			{"ProductId": "sku-1", "PreviousQuantity": 10, "SoldQuantity": 3},
		},
	})
	job := WebhookJob{
		TenantID:    "tenant-1",
		ChannelID:   "chan-1",
		ChannelType: domain.ChannelPOS,
		EventType:   "transaction.created",
		Payload:     payload,
		ReceivedAt:  time.Now(),
	}

	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	if len(*captured) != 1 {
		t.Fatalf("expected 1 stock change, got %d", len(*captured))
	}
	change := (*captured)[0]
	if change.ChangeType != domain.ChangeSale {
		t.Fatalf("expected sale, got %s", change.ChangeType)
	}
	if change.NewQuantity != 7 {
		t.Fatalf("expected new quantity 7, got %d", change.NewQuantity)
	}
}

func TestHandleDeliveryOrderResolvesAbsoluteStockFromCurrentStock(t *testing.T) {
	repo := newFakeRepo()
	repo.channels["chan-1"] = domain.Channel{ID: "chan-1", TenantID: "tenant-1", Type: domain.ChannelDelivery}
	repo.products["prod-1"] = domain.Product{ID: "prod-1", TenantID: "tenant-1", CurrentStock: 10}
	repo.mappings["tenant-1:chan-1:item-9"] = domain.ProductChannelMapping{ProductID: "prod-1", ChannelID: "chan-1", ExternalID: "item-9"}
	w, _, captured := newTestWatcher(repo, newFakeKV())

	payload, _ := json.Marshal(map[string]any{
		"items": []map[string]any{
			{"itemId": "item-9", "quantity": 3},
		},
	})
	job := WebhookJob{
		TenantID:    "tenant-1",
		ChannelID:   "chan-1",
		ChannelType: domain.ChannelDelivery,
		EventType:   "order.created",
		Payload:     payload,
		ReceivedAt:  time.Now(),
	}

	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	if len(*captured) != 1 {
		t.Fatalf("expected 1 stock change, got %d", len(*captured))
	}
	change := (*captured)[0]
	if change.NewQuantity != 7 {
		t.Fatalf("expected new quantity 10-3=7 resolved from current stock, got %d", change.NewQuantity)
	}
	if change.PreviousQuantity == nil || *change.PreviousQuantity != 10 {
		t.Fatalf("expected previous quantity 10, got %+v", change.PreviousQuantity)
	}
	if change.ProductID != "prod-1" {
		t.Fatalf("expected resolved product id prod-1, got %q", change.ProductID)
	}
}

func TestHandleDeduplicatesRepeatDeliveries(t *testing.T) {
	repo := newFakeRepo()
	repo.channels["chan-1"] = domain.Channel{ID: "chan-1", TenantID: "tenant-1", Type: domain.ChannelPOS}
	w, _, captured := newTestWatcher(repo, newFakeKV())

	payload, _ := json.Marshal(map[string]any{"ProductId": "sku-42", "CurrentStockLevel": 7})
	job := WebhookJob{
		TenantID:    "tenant-1",
		ChannelID:   "chan-1",
		ChannelType: domain.ChannelPOS,
		EventType:   "stock.updated",
		Payload:     payload,
		EventID:     "evt-fixed-id",
		ReceivedAt:  time.Now(),
	}

	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("first Handle returned error: %v", err)
	}
	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("second Handle returned error: %v", err)
	}

	if len(*captured) != 1 {
		t.Fatalf("expected dedupe to suppress the second delivery, got %d stock changes", len(*captured))
	}
}

func TestHandleUnmatchedDecoderRecordsFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.channels["chan-1"] = domain.Channel{ID: "chan-1", TenantID: "tenant-1", Type: domain.ChannelPOS}
	w, _, captured := newTestWatcher(repo, newFakeKV())

	job := WebhookJob{
		TenantID:    "tenant-1",
		ChannelID:   "chan-1",
		ChannelType: domain.ChannelPOS,
		EventType:   "unknown.event",
		Payload:     []byte(`{}`),
		ReceivedAt:  time.Now(),
	}

	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if len(*captured) != 0 {
		t.Fatalf("expected no stock changes for an unmatched decoder, got %d", len(*captured))
	}
	if len(repo.syncEvents) != 1 || repo.syncEvents[0].EventType != domain.EventWebhookUnmatched {
		t.Fatalf("expected one webhook_unmatched sync event, got %+v", repo.syncEvents)
	}
}

func TestHandleRejectsInvalidSignature(t *testing.T) {
	repo := newFakeRepo()
	creds, _ := json.Marshal(map[string]string{"webhook_secret": "top-secret"})
	repo.channels["chan-1"] = domain.Channel{ID: "chan-1", TenantID: "tenant-1", Type: domain.ChannelPOS, CredentialsBlob: creds}
	w, _, captured := newTestWatcher(repo, newFakeKV())

	payload, _ := json.Marshal(map[string]any{"ProductId": "sku-42", "CurrentStockLevel": 7})
	job := WebhookJob{
		TenantID:    "tenant-1",
		ChannelID:   "chan-1",
		ChannelType: domain.ChannelPOS,
		EventType:   "stock.updated",
		Payload:     payload,
		Signature:   "not-a-real-signature",
		ReceivedAt:  time.Now(),
	}

	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if len(*captured) != 0 {
		t.Fatalf("expected no stock changes for an invalid signature, got %d", len(*captured))
	}
	if len(repo.syncEvents) != 1 || repo.syncEvents[0].ErrorMessage != "invalid signature" {
		t.Fatalf("expected a failed sync event recording invalid signature, got %+v", repo.syncEvents)
	}
}

func TestPollPOSChannelAdvancesLastPollOnSuccess(t *testing.T) {
	repo := newFakeRepo()
	kv := newFakeKV()
	w, _, captured := newTestWatcher(repo, kv)

	channel := domain.Channel{ID: "chan-1", TenantID: "tenant-1", Type: domain.ChannelPOS}

	poller := newFakePoller()
	prev := 5
	poller.queue(domain.StockChange{ExternalID: "sku-9", PreviousQuantity: &prev, NewQuantity: 2, Timestamp: time.Now()})

	if err := w.PollPOSChannel(context.Background(), channel, poller); err != nil {
		t.Fatalf("PollPOSChannel returned error: %v", err)
	}

	if len(*captured) != 1 {
		t.Fatalf("expected 1 stock change from polling, got %d", len(*captured))
	}
	if kv.lastPoll["chan-1"].IsZero() {
		t.Fatal("expected last-poll timestamp to be advanced")
	}
}

// fakePoller is a minimal provider.TransactionPoller for the polling test.
type fakePoller struct {
	txns []domain.StockChange
}

func newFakePoller() *fakePoller { return &fakePoller{} }

func (p *fakePoller) queue(c domain.StockChange) { p.txns = append(p.txns, c) }

func (p *fakePoller) ListTransactionsSince(ctx context.Context, since time.Time) ([]domain.StockChange, error) {
	var out []domain.StockChange
	for _, t := range p.txns {
		if t.Timestamp.After(since) {
			out = append(out, t)
		}
	}
	return out, nil
}
