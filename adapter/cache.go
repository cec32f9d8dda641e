package adapter

import (
	"context"
	"errors"
)

// ErrCacheMiss is returned by a ListingCache that holds no entry for a key.
var ErrCacheMiss = errors.New("listing not cached")

// ListingCache caches List results per bucket and directory tag
type ListingCache interface {
	GetListing(ctx context.Context, bucket, dirname string) ([]*ObjectDescriptor, error)
	SetListing(ctx context.Context, bucket, dirname string, objects []*ObjectDescriptor) error
	InvalidateListing(ctx context.Context, bucket, dirname string) error
	InvalidateBucket(ctx context.Context, bucket string) error
	Close() error
}

// NoOpCache implements the ListingCache interface but does nothing
type NoOpCache struct{}

// GetListing always misses
func (c *NoOpCache) GetListing(ctx context.Context, bucket, dirname string) ([]*ObjectDescriptor, error) {
	return nil, ErrCacheMiss
}

// SetListing does nothing
func (c *NoOpCache) SetListing(ctx context.Context, bucket, dirname string, objects []*ObjectDescriptor) error {
	return nil
}

// InvalidateListing does nothing
func (c *NoOpCache) InvalidateListing(ctx context.Context, bucket, dirname string) error {
	return nil
}

// InvalidateBucket does nothing
func (c *NoOpCache) InvalidateBucket(ctx context.Context, bucket string) error {
	return nil
}

// Close does nothing
func (c *NoOpCache) Close() error {
	return nil
}
