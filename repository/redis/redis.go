// Package redis implements the dedupe/poll-timestamp KV namespaces and a
// cache-aside wrapper for alert rules, grounded on the teacher's item
// cache-aside pattern.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mkesani1/stockclerk-sub001/domain"
)

// KV wraps a Redis client with the two plain-KV namespaces spec.md §3/§6
// describe: webhook dedupe and POS last-poll timestamps.
type KV struct {
	client *redis.Client
}

func NewKV(addr, password string, db int) (*KV, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &KV{client: client}, nil
}

func (k *KV) Close() error {
	return k.client.Close()
}

// MarkWebhookSeen records a webhook's idempotency id with a TTL, returning
// true if the id was NOT already present (i.e. this delivery should be
// processed) — the SETNX-style dedupe spec.md §4.3 describes.
func (k *KV) MarkWebhookSeen(ctx context.Context, tenantID, channelID, eventID string, ttl time.Duration) (firstSeen bool, err error) {
	key := fmt.Sprintf("dedupe:%s:%s:%s", tenantID, channelID, eventID)
	ok, err := k.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx error: %w", err)
	}
	return ok, nil
}

// GetLastPoll returns the stored last-poll timestamp for a channel, or the
// zero time if none has been recorded yet.
func (k *KV) GetLastPoll(ctx context.Context, channelType domain.ChannelType, channelID string) (time.Time, error) {
	key := fmt.Sprintf("%s:last-poll:%s", channelType, channelID)
	value, err := k.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("redis get error: %w", err)
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse last-poll timestamp: %w", err)
	}
	return t, nil
}

// SetLastPoll advances the last-poll timestamp after a successful poll
// cycle. No TTL: it is overwritten every poll.
func (k *KV) SetLastPoll(ctx context.Context, channelType domain.ChannelType, channelID string, at time.Time) error {
	key := fmt.Sprintf("%s:last-poll:%s", channelType, channelID)
	if err := k.client.Set(ctx, key, at.Format(time.RFC3339), 0).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

// alertRulesSource is the read-through backing store for CachedAlertRules,
// satisfied by repository/postgres.Store.
type alertRulesSource interface {
	GetAlertRules(ctx context.Context, tenantID string) ([]domain.AlertRule, error)
}

// CachedAlertRules wraps a Repository's GetAlertRules with a 5-minute
// cache-aside layer, replacing the teacher's in-process map-in-a-map (see
// spec.md §9's "move to the repository, read-through cache" redesign note).
type CachedAlertRules struct {
	source alertRulesSource
	client *redis.Client
	ttl    time.Duration
}

func NewCachedAlertRules(source alertRulesSource, client *redis.Client, ttl time.Duration) *CachedAlertRules {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedAlertRules{source: source, client: client, ttl: ttl}
}

func (c *CachedAlertRules) GetAlertRules(ctx context.Context, tenantID string) ([]domain.AlertRule, error) {
	key := "alertrules:" + tenantID

	if cached, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var rules []domain.AlertRule
		if jsonErr := json.Unmarshal(cached, &rules); jsonErr == nil {
			return rules, nil
		}
	}

	rules, err := c.source.GetAlertRules(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(rules); err == nil {
		_ = c.client.Set(ctx, key, data, c.ttl).Err()
	}

	return rules, nil
}

// Invalidate drops the cached rule set for a tenant; tenantworker calls it
// when a rule-change job arrives on the tenant's alert queue.
func (c *CachedAlertRules) Invalidate(ctx context.Context, tenantID string) error {
	return c.client.Del(ctx, "alertrules:"+tenantID).Err()
}
