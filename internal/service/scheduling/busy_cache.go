package scheduling

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"bookcal/backend/internal/domain"
)

const (
	defaultBusyCacheTTL  = 5 * time.Minute
	defaultBusyCacheSize = 4096
)

// busyCache holds external busy ranges per host and queried window. Only
// successful provider answers are stored.
type busyCache struct {
	lru   *expirable.LRU[string, []domain.TimeRange]
	group singleflight.Group
}

func newBusyCache(size int, ttl time.Duration) *busyCache {
	if size <= 0 {
		size = defaultBusyCacheSize
	}
	if ttl <= 0 {
		ttl = defaultBusyCacheTTL
	}
	return &busyCache{lru: expirable.NewLRU[string, []domain.TimeRange](size, nil, ttl)}
}

func busyKey(hostID string, window domain.TimeRange) string {
	return hostID + "|" + window.Start.UTC().Format(time.RFC3339) + "|" + window.End.UTC().Format(time.RFC3339)
}

// get returns cached ranges, or loads them once for all concurrent callers
// asking for the same key. cached reports whether no load was needed.
func (c *busyCache) get(ctx context.Context, hostID string, window domain.TimeRange, load func(ctx context.Context) ([]domain.TimeRange, error)) (busy []domain.TimeRange, cached bool, err error) {
	key := busyKey(hostID, window)
	if v, ok := c.lru.Get(key); ok {
		return v, true, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		v, err := load(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.lru.Add(key, v)
		return v, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.([]domain.TimeRange), false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (c *busyCache) purgeHost(hostID string) {
	prefix := hostID + "|"
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.lru.Remove(k)
		}
	}
}
