package redisclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client.
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// GetSeller reads a cached seller identity. A miss returns (nil, nil).
// Staleness only affects display labels, never money-moving decisions, so a
// short TTL is acceptable.
func (c *Client) GetSeller(ctx context.Context, sellerID string) (*models.SellerIdentity, error) {
	raw, err := c.rdb.Get(ctx, fmt.Sprintf("seller:%s", sellerID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var seller models.SellerIdentity
	if err := json.Unmarshal(raw, &seller); err != nil {
		return nil, fmt.Errorf("corrupt seller cache entry: %w", err)
	}
	return &seller, nil
}

// SetSeller caches a seller identity with a TTL.
func (c *Client) SetSeller(ctx context.Context, seller *models.SellerIdentity, ttl time.Duration) error {
	raw, err := json.Marshal(seller)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, fmt.Sprintf("seller:%s", seller.SellerID), raw, ttl).Err()
}

// CheckAndMarkWebhookEvent atomically records a gateway event ID, returning
// true on first sight and false on a replay. Used as a fast-path replay
// guard in front of the durable processed_events table.
func (c *Client) CheckAndMarkWebhookEvent(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("webhook:%s", eventID), "1", ttl).Result()
}

// ClearWebhookEvent forgets a webhook event ID so the gateway's redelivery
// of a failed processing attempt is seen as fresh again.
func (c *Client) ClearWebhookEvent(ctx context.Context, eventID string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("webhook:%s", eventID)).Err()
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
