package delivery

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"roomtab-engine/internal/models"
)

// EndpointSource lists configured webhook endpoints.
type EndpointSource interface {
	ListEndpoints(ctx context.Context, enabledOnly bool) ([]models.WebhookEndpoint, error)
}

// EndpointCache serves the enabled endpoint set, reloading it at most once
// per refresh interval.
type EndpointCache struct {
	src     EndpointSource
	refresh time.Duration
	now     func() time.Time

	group    singleflight.Group
	mu       sync.RWMutex
	cached   []models.WebhookEndpoint
	loadedAt time.Time
	loaded   bool
}

// NewEndpointCache creates a cache over src.
func NewEndpointCache(src EndpointSource, refresh time.Duration) *EndpointCache {
	return &EndpointCache{src: src, refresh: refresh, now: time.Now}
}

// Enabled returns the enabled endpoints.
func (c *EndpointCache) Enabled(ctx context.Context) ([]models.WebhookEndpoint, error) {
	c.mu.RLock()
	if c.loaded && c.now().Sub(c.loadedAt) < c.refresh {
		endpoints := c.cached
		c.mu.RUnlock()
		return endpoints, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do("enabled", func() (interface{}, error) {
		endpoints, err := c.src.ListEndpoints(ctx, true)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cached = endpoints
		c.loadedAt = c.now()
		c.loaded = true
		c.mu.Unlock()
		return endpoints, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.WebhookEndpoint), nil
}

// Invalidate forces the next call to reload.
func (c *EndpointCache) Invalidate() {
	c.mu.Lock()
	c.loaded = false
	c.mu.Unlock()
}
