// Package cache provides caching for rendered views and serialized results.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	ViewCacheSizeMB int
	ViewTTL         time.Duration
	ResultCacheSize int
}

// Manager manages the view and result caches.
type Manager struct {
	viewCache   *bigcache.BigCache
	resultCache *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	viewCacheConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.ViewTTL,
		CleanWindow:        cfg.ViewTTL / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       512 * 1024, // rendered view PNGs
		HardMaxCacheSize:   cfg.ViewCacheSizeMB,
		Verbose:            false,
	}

	viewCache, err := bigcache.New(context.Background(), viewCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create view cache: %w", err)
	}

	resultCache, err := lru.New[string, []byte](cfg.ResultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	return &Manager{
		viewCache:   viewCache,
		resultCache: resultCache,
	}, nil
}

// GetView retrieves a rendered view from cache.
func (m *Manager) GetView(key string) ([]byte, bool) {
	data, err := m.viewCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetView stores a rendered view in cache.
func (m *Manager) SetView(key string, data []byte) error {
	return m.viewCache.Set(key, data)
}

// GetResult retrieves a serialized result set from cache.
func (m *Manager) GetResult(key string) ([]byte, bool) {
	return m.resultCache.Get(key)
}

// SetResult stores a serialized result set in cache.
func (m *Manager) SetResult(key string, data []byte) {
	m.resultCache.Add(key, data)
}

// ViewKey generates a cache key for a rendered spatial view. The filter-set
// signature covers the current result; the remaining parameters cover the
// view styling.
func ViewKey(datasetID string, signature uint64, channel, colormap string, size int) string {
	return fmt.Sprintf("view:%s:%016x:%s:%s:%d", datasetID, signature, channel, colormap, size)
}

// ResultKey generates a cache key for a serialized result set.
func ResultKey(datasetID string, signature uint64) string {
	return fmt.Sprintf("result:%s:%016x", datasetID, signature)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"view_cache_len":   m.viewCache.Len(),
		"view_cache_cap":   m.viewCache.Capacity(),
		"result_cache_len": m.resultCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.viewCache.Close()
}
