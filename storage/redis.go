package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient wraps the Redis client with checkout tracking storage.
type RedisClient struct {
	client *redis.Client
	prefix string
}

// NewRedisClient creates a new Redis client
func NewRedisClient(addr, password, prefix string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Redis client initialized successfully", "addr", addr)
	return &RedisClient{client: client, prefix: prefix}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// TrackingRef records an application-issued checkout tracking id, so that a
// registration arriving later can be correlated with the checkout that minted it.
type TrackingRef struct {
	TrackingID string    `json:"trackingId"`
	Email      string    `json:"email"`
	PlanID     string    `json:"planId"`
	MosqueID   uint      `json:"mosqueId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (r *RedisClient) trackingKey(trackingID string) string {
	return fmt.Sprintf("%stracking:%s", r.prefix, trackingID)
}

// SaveTrackingRef stores a tracking reference with a TTL matching the
// pending-payment validity window.
func (r *RedisClient) SaveTrackingRef(ctx context.Context, ref *TrackingRef, ttl time.Duration) error {
	data, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("failed to serialize tracking ref: %w", err)
	}

	if err := r.client.Set(ctx, r.trackingKey(ref.TrackingID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save tracking ref to Redis: %w", err)
	}

	slog.Debug("Tracking ref saved", "tracking_id", ref.TrackingID)
	return nil
}

// GetTrackingRef retrieves a tracking reference. A missing key returns
// (nil, nil): expiry is the normal case, not an error.
func (r *RedisClient) GetTrackingRef(ctx context.Context, trackingID string) (*TrackingRef, error) {
	data, err := r.client.Get(ctx, r.trackingKey(trackingID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tracking ref from Redis: %w", err)
	}

	var ref TrackingRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return nil, fmt.Errorf("failed to deserialize tracking ref: %w", err)
	}
	return &ref, nil
}

// DeleteTrackingRef removes a tracking reference once the checkout it refers
// to has been linked.
func (r *RedisClient) DeleteTrackingRef(ctx context.Context, trackingID string) error {
	if err := r.client.Del(ctx, r.trackingKey(trackingID)).Err(); err != nil {
		return fmt.Errorf("failed to delete tracking ref from Redis: %w", err)
	}
	return nil
}
