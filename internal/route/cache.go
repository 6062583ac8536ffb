package route

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Cache holds the indexes built during one processing run. Create one per
// run; nothing is kept across runs.
type Cache struct {
	fetcher Fetcher
	group   singleflight.Group

	mu      sync.RWMutex
	entries map[string]*Index
}

func NewCache(fetcher Fetcher) *Cache {
	return &Cache{
		fetcher: fetcher,
		entries: map[string]*Index{},
	}
}

// Get returns the index for handle, fetching it at most once per run.
// Routes that are missing, malformed or without usable points yield
// ErrUnavailable and are remembered as such; transport failures are returned
// as-is and retried on the next call.
func (c *Cache) Get(ctx context.Context, handle string) (*Index, error) {
	if handle == "" {
		return nil, ErrUnavailable
	}
	if idx, ok := c.lookup(handle); ok {
		if idx == nil {
			return nil, ErrUnavailable
		}
		return idx, nil
	}

	v, err, _ := c.group.Do(handle, func() (any, error) {
		if idx, ok := c.lookup(handle); ok {
			if idx == nil {
				return nil, ErrUnavailable
			}
			return idx, nil
		}

		coords, err := c.fetcher.Fetch(ctx, handle)
		if errors.Is(err, ErrUnavailable) {
			c.store(handle, nil)
			return nil, err
		}
		if err != nil {
			return nil, err
		}
		idx, err := Build(handle, coords)
		if err != nil {
			c.store(handle, nil)
			return nil, err
		}
		c.store(handle, idx)
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Index), nil
}

func (c *Cache) lookup(handle string) (*Index, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.entries[handle]
	return idx, ok
}

func (c *Cache) store(handle string, idx *Index) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[handle] = idx
}
