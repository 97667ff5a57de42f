// Package session caches the most recently broadcast document of each live
// session. The cache is the fallback when persistence is slow or down.
package session

import (
	"context"
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache holds one document per session. Entries are only ever replaced
// whole; callers must not mutate a returned document.
type Cache interface {
	Get(ctx context.Context, sessionID string) (json.RawMessage, bool, error)
	Set(ctx context.Context, sessionID string, doc json.RawMessage) error
}

// MemoryCache is a process-local Cache bounded to a fixed number of sessions.
// The least recently used session is evicted first.
type MemoryCache struct {
	entries *lru.Cache[string, json.RawMessage]
}

func NewMemoryCache(size int) (*MemoryCache, error) {
	if size <= 0 {
		size = 1024
	}
	entries, err := lru.New[string, json.RawMessage](size)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	return &MemoryCache{entries: entries}, nil
}

func (c *MemoryCache) Get(_ context.Context, sessionID string) (json.RawMessage, bool, error) {
	doc, ok := c.entries.Get(sessionID)
	return doc, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, sessionID string, doc json.RawMessage) error {
	stored := make(json.RawMessage, len(doc))
	copy(stored, doc)
	c.entries.Add(sessionID, stored)
	return nil
}

func (c *MemoryCache) Len() int {
	return c.entries.Len()
}
