package provider

import (
	"context"
	"sync"
	"time"

	"github.com/mkesani1/stockclerk-sub001/domain"
)

// FakeProvider is an in-memory Provider for tests and local runs without
// live channel credentials. It never makes network calls.
type FakeProvider struct {
	mu        sync.Mutex
	connected bool
	products  map[string]int
	updates   []StockUpdateCall
	healthErr error
	txns      []domain.StockChange
}

// StockUpdateCall records one UpdateStock invocation, for test assertions.
type StockUpdateCall struct {
	ExternalID string
	Quantity   int
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{products: map[string]int{}}
}

// Seed preloads a product's live quantity, as if a prior GetProduct call had
// already observed it.
func (p *FakeProvider) Seed(externalID string, quantity int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.products[externalID] = quantity
}

// Updates returns every UpdateStock call made so far, in order.
func (p *FakeProvider) Updates() []StockUpdateCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StockUpdateCall, len(p.updates))
	copy(out, p.updates)
	return out
}

// FailHealthCheck makes subsequent HealthCheck calls report disconnected
// with the given error.
func (p *FakeProvider) FailHealthCheck(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthErr = err
}

func (p *FakeProvider) Connect(ctx context.Context, creds Credentials) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

func (p *FakeProvider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

func (p *FakeProvider) HealthCheck(ctx context.Context) (HealthStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.healthErr != nil {
		return HealthStatus{Connected: false, LastChecked: time.Now(), Error: p.healthErr.Error()}, nil
	}
	return HealthStatus{Connected: p.connected, LastChecked: time.Now()}, nil
}

func (p *FakeProvider) GetProduct(ctx context.Context, externalID string) (ProductInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	quantity, ok := p.products[externalID]
	if !ok {
		return ProductInfo{}, domain.NewError(domain.KindNotFound, "provider.getProduct", nil)
	}
	return ProductInfo{ExternalID: externalID, Quantity: quantity}, nil
}

func (p *FakeProvider) UpdateStock(ctx context.Context, externalID string, quantity int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.products[externalID] = quantity
	p.updates = append(p.updates, StockUpdateCall{ExternalID: externalID, Quantity: quantity})
	return nil
}

func (p *FakeProvider) HandleWebhook(ctx context.Context, rawPayload []byte, signature string) ([]domain.StockChange, error) {
	return nil, nil
}

// QueueTransaction appends a transaction FakeProvider will return from its
// next ListTransactionsSince call whose window covers t.Timestamp.
func (p *FakeProvider) QueueTransaction(t domain.StockChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txns = append(p.txns, t)
}

// ListTransactionsSince implements TransactionPoller for tests exercising
// the POS polling fallback.
func (p *FakeProvider) ListTransactionsSince(ctx context.Context, since time.Time) ([]domain.StockChange, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.StockChange
	for _, t := range p.txns {
		if t.Timestamp.After(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

var _ Provider = (*FakeProvider)(nil)
var _ TransactionPoller = (*FakeProvider)(nil)
