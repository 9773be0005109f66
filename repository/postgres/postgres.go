// Package postgres implements the tenant/channel/product/mapping/alert
// slice of repository.Repository against PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mkesani1/stockclerk-sub001/domain"
	"github.com/mkesani1/stockclerk-sub001/repository"
)

// Store implements every repository.Repository method backed by relational
// tables, except the sync-event audit log (see repository/mongo).
type Store struct {
	db *sql.DB
}

// NewStore opens a connection pool and verifies it with a ping, mirroring
// the teacher's store construction.
func NewStore(connectionString string) (*Store, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetAllTenantIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM tenants`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) GetTenant(ctx context.Context, tenantID string) (domain.Tenant, error) {
	var t domain.Tenant
	query := `SELECT id, display_name, slug, lifecycle_source, created_at FROM tenants WHERE id = $1`
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(&t.ID, &t.DisplayName, &t.Slug, &t.LifecycleSource, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Tenant{}, repository.ErrNotFound
	}
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("failed to get tenant: %w", err)
	}
	return t, nil
}

func (s *Store) GetActiveChannels(ctx context.Context, tenantID string) ([]domain.Channel, error) {
	query := `
		SELECT id, tenant_id, type, name, is_active, external_instance_id, last_sync_at, created_at
		FROM channels
		WHERE tenant_id = $1 AND is_active = true
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query channels: %w", err)
	}
	defer rows.Close()

	var channels []domain.Channel
	for rows.Next() {
		var c domain.Channel
		var externalInstanceID sql.NullString
		var lastSyncAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Type, &c.Name, &c.IsActive, &externalInstanceID, &lastSyncAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		c.ExternalInstanceID = externalInstanceID.String
		if lastSyncAt.Valid {
			c.LastSyncAt = &lastSyncAt.Time
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

func (s *Store) GetChannel(ctx context.Context, channelID string) (domain.Channel, error) {
	var c domain.Channel
	var externalInstanceID sql.NullString
	var lastSyncAt sql.NullTime
	query := `
		SELECT id, tenant_id, type, name, is_active, external_instance_id, last_sync_at, created_at
		FROM channels WHERE id = $1
	`
	err := s.db.QueryRowContext(ctx, query, channelID).Scan(
		&c.ID, &c.TenantID, &c.Type, &c.Name, &c.IsActive, &externalInstanceID, &lastSyncAt, &c.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return domain.Channel{}, repository.ErrNotFound
	}
	if err != nil {
		return domain.Channel{}, fmt.Errorf("failed to get channel: %w", err)
	}
	c.ExternalInstanceID = externalInstanceID.String
	if lastSyncAt.Valid {
		c.LastSyncAt = &lastSyncAt.Time
	}
	return c, nil
}

func (s *Store) GetChannelByExternalInstanceID(ctx context.Context, tenantID, externalInstanceID string) (domain.Channel, error) {
	var c domain.Channel
	var eid sql.NullString
	var lastSyncAt sql.NullTime
	query := `
		SELECT id, tenant_id, type, name, is_active, external_instance_id, last_sync_at, created_at
		FROM channels WHERE tenant_id = $1 AND external_instance_id = $2
	`
	err := s.db.QueryRowContext(ctx, query, tenantID, externalInstanceID).Scan(
		&c.ID, &c.TenantID, &c.Type, &c.Name, &c.IsActive, &eid, &lastSyncAt, &c.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return domain.Channel{}, repository.ErrNotFound
	}
	if err != nil {
		return domain.Channel{}, fmt.Errorf("failed to get channel by external instance id: %w", err)
	}
	c.ExternalInstanceID = eid.String
	if lastSyncAt.Valid {
		c.LastSyncAt = &lastSyncAt.Time
	}
	return c, nil
}

func (s *Store) UpdateLastSyncAt(ctx context.Context, channelID string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE channels SET last_sync_at = now() WHERE id = $1`, channelID)
	if err != nil {
		return fmt.Errorf("failed to update last_sync_at: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	var p domain.Product
	var metadataJSON []byte
	query := `SELECT id, tenant_id, sku, name, current_stock, buffer_stock, metadata, updated_at FROM products WHERE id = $1`
	err := s.db.QueryRowContext(ctx, query, productID).Scan(
		&p.ID, &p.TenantID, &p.SKU, &p.Name, &p.CurrentStock, &p.BufferStock, &metadataJSON, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return domain.Product{}, repository.ErrNotFound
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("failed to get product: %w", err)
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &p.Metadata); err != nil {
			return domain.Product{}, fmt.Errorf("failed to unmarshal product metadata: %w", err)
		}
	}
	return p, nil
}

func (s *Store) GetProducts(ctx context.Context, tenantID string) ([]domain.Product, error) {
	query := `SELECT id, tenant_id, sku, name, current_stock, buffer_stock, metadata, updated_at FROM products WHERE tenant_id = $1`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		var p domain.Product
		var metadataJSON []byte
		if err := rows.Scan(&p.ID, &p.TenantID, &p.SKU, &p.Name, &p.CurrentStock, &p.BufferStock, &metadataJSON, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &p.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal product metadata: %w", err)
			}
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) UpdateProductStock(ctx context.Context, productID string, newStock int, asOf time.Time) error {
	if asOf.IsZero() {
		asOf = time.Now()
	}
	query := `UPDATE products SET current_stock = $1, updated_at = $3 WHERE id = $2 AND $1 >= 0`
	result, err := s.db.ExecContext(ctx, query, newStock, productID, asOf)
	if err != nil {
		return fmt.Errorf("failed to update product stock: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) GetMappingByExternalID(ctx context.Context, tenantID, channelID, externalID string) (domain.ProductChannelMapping, error) {
	var m domain.ProductChannelMapping
	var externalSKU sql.NullString
	query := `
		SELECT m.product_id, m.channel_id, m.external_id, m.external_sku
		FROM product_channel_mappings m
		JOIN products p ON p.id = m.product_id
		WHERE p.tenant_id = $1 AND m.channel_id = $2 AND m.external_id = $3
	`
	err := s.db.QueryRowContext(ctx, query, tenantID, channelID, externalID).Scan(&m.ProductID, &m.ChannelID, &m.ExternalID, &externalSKU)
	if err == sql.ErrNoRows {
		return domain.ProductChannelMapping{}, repository.ErrNotFound
	}
	if err != nil {
		return domain.ProductChannelMapping{}, fmt.Errorf("failed to get mapping: %w", err)
	}
	m.ExternalSKU = externalSKU.String
	return m, nil
}

func (s *Store) GetMappingsForProduct(ctx context.Context, productID string) ([]domain.ProductChannelMapping, error) {
	query := `SELECT product_id, channel_id, external_id, external_sku FROM product_channel_mappings WHERE product_id = $1`
	rows, err := s.db.QueryContext(ctx, query, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings: %w", err)
	}
	defer rows.Close()

	var mappings []domain.ProductChannelMapping
	for rows.Next() {
		var m domain.ProductChannelMapping
		var externalSKU sql.NullString
		if err := rows.Scan(&m.ProductID, &m.ChannelID, &m.ExternalID, &externalSKU); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		m.ExternalSKU = externalSKU.String
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// AlertExists checks for an unread alert matching the dedupe key. Optional
// productID/channelID are matched with IS NOT DISTINCT FROM so an empty
// string correctly matches a NULL column.
func (s *Store) AlertExists(ctx context.Context, key domain.AlertDedupeKey) (domain.Alert, bool, error) {
	return s.alertExists(ctx, s.db, key)
}

func (s *Store) alertExists(ctx context.Context, q querier, key domain.AlertDedupeKey) (domain.Alert, bool, error) {
	var a domain.Alert
	var productID, channelID sql.NullString
	var metadataJSON []byte
	query := `
		SELECT id, tenant_id, type, message, metadata, product_id, channel_id, is_read, created_at
		FROM alerts
		WHERE tenant_id = $1 AND type = $2 AND is_read = false
		  AND product_id IS NOT DISTINCT FROM NULLIF($3, '')
		  AND channel_id IS NOT DISTINCT FROM NULLIF($4, '')
		LIMIT 1
	`
	err := q.QueryRowContext(ctx, query, key.TenantID, key.Type, key.ProductID, key.ChannelID).Scan(
		&a.ID, &a.TenantID, &a.Type, &a.Message, &metadataJSON, &productID, &channelID, &a.IsRead, &a.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return domain.Alert{}, false, nil
	}
	if err != nil {
		return domain.Alert{}, false, fmt.Errorf("failed to check alert existence: %w", err)
	}
	a.ProductID = productID.String
	a.ChannelID = channelID.String
	if len(metadataJSON) > 0 {
		_ = json.Unmarshal(metadataJSON, &a.Metadata)
	}
	return a, true, nil
}

// CreateAlertIfAbsent performs the existence check and insert inside one
// serializable transaction, so two concurrent evaluators racing on the same
// dedupe key can't both insert (I5): one of them fails with a serialization
// error instead. An alert passed without an ID is given a new UUID.
func (s *Store) CreateAlertIfAbsent(ctx context.Context, alert domain.Alert) (bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, exists, err := s.alertExists(ctx, tx, alert.DedupeKey())
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}

	metadataJSON, err := json.Marshal(alert.Metadata)
	if err != nil {
		return false, fmt.Errorf("failed to marshal alert metadata: %w", err)
	}

	insert := `
		INSERT INTO alerts (id, tenant_id, type, message, metadata, product_id, channel_id, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), false, now())
	`
	_, err = tx.ExecContext(ctx, insert, alert.ID, alert.TenantID, alert.Type, alert.Message, metadataJSON, alert.ProductID, alert.ChannelID)
	if err != nil {
		return false, fmt.Errorf("failed to insert alert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit alert insert: %w", err)
	}
	return true, nil
}

func (s *Store) MarkAlertRead(ctx context.Context, alertID string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE alerts SET is_read = true WHERE id = $1`, alertID)
	if err != nil {
		return fmt.Errorf("failed to mark alert read: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) GetAlertRules(ctx context.Context, tenantID string) ([]domain.AlertRule, error) {
	query := `SELECT id, tenant_id, threshold, product_ids, channel_ids, enabled FROM alert_rules WHERE tenant_id = $1 AND enabled = true`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert rules: %w", err)
	}
	defer rows.Close()

	var rules []domain.AlertRule
	for rows.Next() {
		var r domain.AlertRule
		var productIDs, channelIDs pq.StringArray
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Threshold, &productIDs, &channelIDs, &r.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan alert rule: %w", err)
		}
		r.ProductIDs = []string(productIDs)
		r.ChannelIDs = []string(channelIDs)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// querier is satisfied by both *sql.DB and *sql.Tx, so AlertExists's read
// logic is shared between the public read path and the transactional
// create-if-absent path.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
