// Package mongo implements the sync-event audit log slice of
// repository.Repository, one database per tenant, grounded on the
// teacher's order-document store.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mkesani1/stockclerk-sub001/domain"
	"github.com/mkesani1/stockclerk-sub001/repository"
)

// Store is the sync_events collection for one tenant.
type Store struct {
	collection *mongo.Collection
}

// NewStore opens the per-tenant database "tenant_<id>" and its sync_events
// collection, creating the compound indexes sync event lookups and
// retention sweeps rely on.
func NewStore(ctx context.Context, client *mongo.Client, tenantID string) (*Store, error) {
	collection := client.Database("tenant_" + tenantID).Collection("sync_events")

	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "product_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}},
		},
	}
	if _, err := collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("failed to create sync_events indexes: %w", err)
	}

	return &Store{collection: collection}, nil
}

func (s *Store) CreateSyncEvent(ctx context.Context, event domain.SyncEvent) (string, error) {
	doc := bson.M{
		"tenant_id":     event.TenantID,
		"event_type":    event.EventType,
		"channel_id":    event.ChannelID,
		"product_id":    event.ProductID,
		"old_value":     event.OldValue,
		"new_value":     event.NewValue,
		"status":        event.Status,
		"error_message": event.ErrorMessage,
		"created_at":    time.Now().UTC(),
	}

	result, err := s.collection.InsertOne(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("failed to insert sync event: %w", err)
	}

	oid, ok := result.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", fmt.Errorf("unexpected inserted id type")
	}
	return oid.Hex(), nil
}

func (s *Store) UpdateSyncEventStatus(ctx context.Context, eventID string, status domain.SyncEventStatus, errMsg string) error {
	oid, err := primitive.ObjectIDFromHex(eventID)
	if err != nil {
		return fmt.Errorf("invalid sync event id: %w", err)
	}

	update := bson.M{"status": status}
	if errMsg != "" {
		update["error_message"] = errMsg
	}

	filter := bson.M{"_id": oid}
	result, err := s.collection.UpdateOne(ctx, filter, bson.M{"$set": update})
	if err != nil {
		return fmt.Errorf("failed to update sync event status: %w", err)
	}
	if result.MatchedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// PruneCompleted deletes completed/failed sync events older than
// retention, implementing the "retention policies trim completed rows
// after a bounded age" note from spec.md §3.
func (s *Store) PruneCompleted(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	filter := bson.M{
		"status":     bson.M{"$in": []domain.SyncEventStatus{domain.StatusCompleted, domain.StatusFailed}},
		"created_at": bson.M{"$lt": cutoff},
	}
	result, err := s.collection.DeleteMany(ctx, filter, options.Delete())
	if err != nil {
		return 0, fmt.Errorf("failed to prune sync events: %w", err)
	}
	return result.DeletedCount, nil
}
