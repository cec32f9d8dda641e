package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/vmihailenco/msgpack/v5"
)

const scanBatchSize = 100

// RedisCache implements the ListingCache interface using Redis
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(ctx context.Context, address string, ttlSeconds int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        address,
		DialTimeout: 2 * time.Second,
		ReadTimeout: 2 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{
		client: client,
		ttl:    time.Duration(ttlSeconds) * time.Second,
	}, nil
}

// Close closes the Redis client
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func listingPrefix(bucket string) string {
	return fmt.Sprintf("ls:%s:", bucket)
}

func listingKey(bucket, dirname string) string {
	return listingPrefix(bucket) + dirname
}

// GetListing returns the cached listing for dirname
func (c *RedisCache) GetListing(ctx context.Context, bucket, dirname string) ([]*ObjectDescriptor, error) {
	data, err := c.client.Get(ctx, listingKey(bucket, dirname)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	objects := []*ObjectDescriptor{}
	if err := msgpack.Unmarshal(data, &objects); err != nil {
		return nil, fmt.Errorf("failed to decode cached listing: %w", err)
	}
	if objects == nil {
		objects = []*ObjectDescriptor{}
	}
	return objects, nil
}

// SetListing stores the listing for dirname
func (c *RedisCache) SetListing(ctx context.Context, bucket, dirname string, objects []*ObjectDescriptor) error {
	data, err := msgpack.Marshal(objects)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, listingKey(bucket, dirname), data, c.ttl).Err()
}

// InvalidateListing drops the listing for dirname
func (c *RedisCache) InvalidateListing(ctx context.Context, bucket, dirname string) error {
	return c.client.Del(ctx, listingKey(bucket, dirname)).Err()
}

// InvalidateBucket drops every listing of the bucket
func (c *RedisCache) InvalidateBucket(ctx context.Context, bucket string) error {
	var cursor uint64
	pattern := listingPrefix(bucket) + "*"
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("redis scan failed: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis delete failed: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
