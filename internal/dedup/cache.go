// Package dedup keeps a best-effort snapshot of identifiers already known
// locally or remotely, used to skip redundant crawling within one task.
package dedup

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// IDSource lists known identifiers. crawler.Store satisfies it through
// RecordIDs and RemoteIDs.
type IDSource interface {
	RecordIDs(ctx context.Context) ([]string, error)
	RemoteIDs(ctx context.Context) ([]string, error)
}

// Cache holds the last refreshed snapshot. It starts empty and only changes
// on Refresh; readers never see a partially built snapshot.
type Cache struct {
	source IDSource
	logger *zap.Logger

	mu  sync.RWMutex
	ids map[string]struct{}
}

// New constructs an empty Cache over source.
func New(source IDSource, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{source: source, logger: logger, ids: map[string]struct{}{}}
}

// Refresh re-queries both identifier sets and swaps in their union. On error
// the previous snapshot is kept and the failure is logged.
func (c *Cache) Refresh(ctx context.Context) {
	next, err := c.load(ctx)
	if err != nil {
		c.logger.Warn("dedup refresh failed; keeping previous snapshot", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.ids = next
	c.mu.Unlock()
	c.logger.Debug("dedup cache refreshed", zap.Int("ids", len(next)))
}

func (c *Cache) load(ctx context.Context) (map[string]struct{}, error) {
	local, err := c.source.RecordIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list record ids: %w", err)
	}
	remote, err := c.source.RemoteIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list remote ids: %w", err)
	}
	next := make(map[string]struct{}, len(local)+len(remote))
	for _, id := range local {
		next[id] = struct{}{}
	}
	for _, id := range remote {
		next[id] = struct{}{}
	}
	return next, nil
}

// Contains reports whether id was present at the last refresh.
func (c *Cache) Contains(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.ids[id]
	return ok
}

// Snapshot returns a copy of the current identifier set.
func (c *Cache) Snapshot() map[string]struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]struct{}, len(c.ids))
	for id := range c.ids {
		out[id] = struct{}{}
	}
	return out
}

// Sorted returns the current identifiers in lexical order.
func (c *Cache) Sorted() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.ids))
	for id := range c.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
