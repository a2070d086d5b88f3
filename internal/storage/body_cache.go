package storage

import (
	"context"
	"errors"
	"sync"

	"fair-chat/go-client/pkg/models"
)

var ErrCacheMiss = errors.New("body cache miss")

// BodyCache holds resolved message bodies by transaction id. Transactions are
// immutable, so an entry never needs invalidation.
type BodyCache interface {
	Get(ctx context.Context, id string) (models.Body, error)
	Put(ctx context.Context, id string, body models.Body) error
}

const defaultMemoryCacheEntries = 4096

// MemoryBodyCache keeps the most recent entries in process, evicting in
// insertion order once full.
type MemoryBodyCache struct {
	mu      sync.RWMutex
	entries map[string]models.Body
	order   []string
	limit   int
}

func NewMemoryBodyCache(limit int) *MemoryBodyCache {
	if limit <= 0 {
		limit = defaultMemoryCacheEntries
	}
	return &MemoryBodyCache{
		entries: make(map[string]models.Body),
		limit:   limit,
	}
}

func (c *MemoryBodyCache) Get(_ context.Context, id string) (models.Body, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	body, ok := c.entries[id]
	if !ok {
		return models.Body{}, ErrCacheMiss
	}
	return cloneBody(body), nil
}

func (c *MemoryBodyCache) Put(_ context.Context, id string, body models.Body) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; !ok {
		c.order = append(c.order, id)
	}
	c.entries[id] = cloneBody(body)
	for len(c.order) > c.limit {
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}
	return nil
}

func (c *MemoryBodyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func cloneBody(b models.Body) models.Body {
	b.Data = append([]byte(nil), b.Data...)
	return b
}
