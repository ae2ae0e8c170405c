package query

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"iocpipe/core"
	"iocpipe/metrics"
)

const eventKeyPrefix = "iocpipe:event:"

// EventLoader fetches an event that no cache tier holds.
type EventLoader func(ctx context.Context, id string) (map[string]any, error)

// EventCache resolves parent events by id through an in-memory LRU, an
// optional shared redis tier, and finally the loader.
type EventCache struct {
	memory *lru.Cache[string, map[string]any]
	remote *core.RedisCache
	ttl    time.Duration
	load   EventLoader
	logger *zap.SugaredLogger
}

// NewEventCache creates the cache. remote may be nil.
func NewEventCache(size int, remote *core.RedisCache, ttl time.Duration, load EventLoader, logger *zap.SugaredLogger) (*EventCache, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	memory, err := lru.New[string, map[string]any](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create event cache: %w", err)
	}
	return &EventCache{
		memory: memory,
		remote: remote,
		ttl:    ttl,
		load:   load,
		logger: logger,
	}, nil
}

// Get returns the event for id. Redis failures are logged and fall through
// to the loader.
func (c *EventCache) Get(ctx context.Context, id string) (map[string]any, error) {
	if ev, ok := c.memory.Get(id); ok {
		metrics.EventCacheRequests.WithLabelValues("memory", "hit").Inc()
		return ev, nil
	}
	metrics.EventCacheRequests.WithLabelValues("memory", "miss").Inc()

	if c.remote != nil {
		var ev map[string]any
		found, err := c.remote.Get(ctx, eventKeyPrefix+id, &ev)
		switch {
		case err != nil:
			c.logger.Warnw("Event cache read failed", "event_id", id, "error", err)
		case found:
			metrics.EventCacheRequests.WithLabelValues("redis", "hit").Inc()
			c.memory.Add(id, ev)
			return ev, nil
		default:
			metrics.EventCacheRequests.WithLabelValues("redis", "miss").Inc()
		}
	}

	ev, err := c.load(ctx, id)
	if err != nil {
		metrics.EventCacheRequests.WithLabelValues("remote", "error").Inc()
		return nil, fmt.Errorf("failed to fetch event %s: %w", id, err)
	}
	metrics.EventCacheRequests.WithLabelValues("remote", "fetch").Inc()

	ev, _ = normalizeNumbers(ev).(map[string]any)
	c.memory.Add(id, ev)

	if c.remote != nil {
		if err := c.remote.Set(ctx, eventKeyPrefix+id, ev, c.ttl); err != nil {
			c.logger.Warnw("Event cache write failed", "event_id", id, "error", err)
		}
	}
	return ev, nil
}

// Len returns the number of events held in memory.
func (c *EventCache) Len() int {
	return c.memory.Len()
}
