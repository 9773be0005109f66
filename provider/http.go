package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mkesani1/stockclerk-sub001/domain"
)

// HTTPProvider is a generic channel adapter for any commerce API reachable
// over plain JSON/HTTP, rate-limited per channel the way spec.md describes
// (50-100 requests/min) instead of per client IP.
type HTTPProvider struct {
	baseURL      string
	webhookSecret string
	client       *http.Client
	limiter      *rate.Limiter

	mu          sync.RWMutex
	connected   bool
	lastChecked time.Time
}

// NewHTTPProvider builds an HTTPProvider against baseURL, allowing
// requestsPerMinute sustained with a burst of the same size.
func NewHTTPProvider(baseURL, webhookSecret string, requestsPerMinute int) *HTTPProvider {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	return &HTTPProvider{
		baseURL:       baseURL,
		webhookSecret: webhookSecret,
		client:        &http.Client{Timeout: 30 * time.Second},
		limiter:       rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute),
	}
}

func (p *HTTPProvider) Connect(ctx context.Context, creds Credentials) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return domain.NewError(domain.KindTransient, "provider.connect", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return domain.NewError(domain.KindValidation, "provider.connect", err)
	}
	if token, ok := creds["token"]; ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return domain.NewError(domain.KindTransient, "provider.connect", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return domain.NewError(domain.KindAuth, "provider.connect", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 500 {
		return domain.NewError(domain.KindTransient, "provider.connect", fmt.Errorf("status %d", resp.StatusCode))
	}

	p.mu.Lock()
	p.connected = true
	p.lastChecked = time.Now()
	p.mu.Unlock()

	return nil
}

func (p *HTTPProvider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

func (p *HTTPProvider) HealthCheck(ctx context.Context) (HealthStatus, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return HealthStatus{}, domain.NewError(domain.KindTransient, "provider.healthCheck", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return HealthStatus{}, domain.NewError(domain.KindValidation, "provider.healthCheck", err)
	}

	resp, err := p.client.Do(req)
	now := time.Now()
	if err != nil {
		p.mu.Lock()
		p.connected = false
		p.lastChecked = now
		p.mu.Unlock()
		return HealthStatus{Connected: false, LastChecked: now, Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	connected := resp.StatusCode < 400
	p.mu.Lock()
	p.connected = connected
	p.lastChecked = now
	p.mu.Unlock()

	status := HealthStatus{Connected: connected, LastChecked: now}
	if !connected {
		status.Error = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return status, nil
}

func (p *HTTPProvider) GetProduct(ctx context.Context, externalID string) (ProductInfo, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return ProductInfo{}, domain.NewError(domain.KindTransient, "provider.getProduct", err)
	}

	url := fmt.Sprintf("%s/products/%s", p.baseURL, externalID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ProductInfo{}, domain.NewError(domain.KindValidation, "provider.getProduct", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return ProductInfo{}, domain.NewError(domain.KindTransient, "provider.getProduct", err)
	}
	defer resp.Body.Close()

	if err := statusToError("provider.getProduct", resp.StatusCode); err != nil {
		return ProductInfo{}, err
	}

	var body struct {
		Quantity int            `json:"quantity"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ProductInfo{}, domain.NewError(domain.KindValidation, "provider.getProduct", err)
	}

	return ProductInfo{ExternalID: externalID, Quantity: body.Quantity, Metadata: body.Metadata}, nil
}

func (p *HTTPProvider) UpdateStock(ctx context.Context, externalID string, quantity int) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return domain.NewError(domain.KindTransient, "provider.updateStock", err)
	}

	payload, err := json.Marshal(map[string]int{"quantity": quantity})
	if err != nil {
		return domain.NewError(domain.KindValidation, "provider.updateStock", err)
	}

	url := fmt.Sprintf("%s/products/%s/stock", p.baseURL, externalID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return domain.NewError(domain.KindValidation, "provider.updateStock", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return domain.NewError(domain.KindTransient, "provider.updateStock", err)
	}
	defer resp.Body.Close()

	return statusToError("provider.updateStock", resp.StatusCode)
}

// ListTransactionsSince implements TransactionPoller for POS channels whose
// API exposes a transactions feed, per spec.md §4.3's polling fallback.
func (p *HTTPProvider) ListTransactionsSince(ctx context.Context, since time.Time) ([]domain.StockChange, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, domain.NewError(domain.KindTransient, "provider.listTransactionsSince", err)
	}

	url := fmt.Sprintf("%s/transactions?since=%s", p.baseURL, since.UTC().Format(time.RFC3339))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, domain.NewError(domain.KindValidation, "provider.listTransactionsSince", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, domain.NewError(domain.KindTransient, "provider.listTransactionsSince", err)
	}
	defer resp.Body.Close()

	if err := statusToError("provider.listTransactionsSince", resp.StatusCode); err != nil {
		return nil, err
	}

	var body struct {
		Transactions []struct {
			ExternalID   string    `json:"external_id"`
			PrevQuantity *int      `json:"previous_quantity"`
			NewQuantity  int       `json:"new_quantity"`
			Timestamp    time.Time `json:"timestamp"`
		} `json:"transactions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, domain.NewError(domain.KindValidation, "provider.listTransactionsSince", err)
	}

	changes := make([]domain.StockChange, 0, len(body.Transactions))
	for _, t := range body.Transactions {
		changeAmount := 0
		if t.PrevQuantity != nil {
			changeAmount = t.NewQuantity - *t.PrevQuantity
		}
		changes = append(changes, domain.StockChange{
			ExternalID:       t.ExternalID,
			PreviousQuantity: t.PrevQuantity,
			NewQuantity:      t.NewQuantity,
			ChangeAmount:     changeAmount,
			Timestamp:        t.Timestamp,
		})
	}
	return changes, nil
}

var _ TransactionPoller = (*HTTPProvider)(nil)

// HandleWebhook verifies the signature (if the channel is configured with a
// secret) and returns no changes: the payload shape differs per channel
// type/event, so HTTPProvider stays shape-agnostic and per-shape decoding is
// done by the watcher.Decoder functions registered in the watcher package.
func (p *HTTPProvider) HandleWebhook(ctx context.Context, rawPayload []byte, signature string) ([]domain.StockChange, error) {
	if p.webhookSecret != "" {
		if !p.VerifySignature(rawPayload, signature) {
			return nil, domain.NewError(domain.KindSignatureInvalid, "provider.handleWebhook", fmt.Errorf("signature mismatch"))
		}
	}
	// HTTPProvider has no channel-type-specific decoding of its own; it
	// exists to prove connectivity/auth/rate-limiting concerns. Concrete
	// per-shape decoding lives in the watcher package.
	return nil, nil
}

// VerifySignature checks an HMAC-SHA256 signature over the raw body using a
// constant-time comparison, per spec.md §4.3.
func (p *HTTPProvider) VerifySignature(rawPayload []byte, signature string) bool {
	return VerifyHMACSignature(p.webhookSecret, rawPayload, signature)
}

// VerifyHMACSignature checks an HMAC-SHA256 signature over rawPayload using
// secret, comparing in constant time. Exposed as a free function so callers
// that only hold a channel's webhook secret (not a full HTTPProvider) can
// reuse the exact same check, e.g. watcher.Watcher.
func VerifyHMACSignature(secret string, rawPayload []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawPayload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func statusToError(op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.NewError(domain.KindAuth, op, fmt.Errorf("status %d", status))
	case status == http.StatusNotFound:
		return domain.NewError(domain.KindNotFound, op, fmt.Errorf("status %d", status))
	case status == http.StatusTooManyRequests:
		return domain.NewError(domain.KindTransient, op, fmt.Errorf("status %d", status))
	case status == http.StatusBadRequest:
		return domain.NewError(domain.KindValidation, op, fmt.Errorf("status %d", status))
	case status >= 500:
		return domain.NewError(domain.KindTransient, op, fmt.Errorf("status %d", status))
	default:
		return domain.NewError(domain.KindValidation, op, fmt.Errorf("status %d", status))
	}
}
