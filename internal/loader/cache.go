// File: internal/loader/cache.go
package loader

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/kexley/coinloop/internal/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CachePrefix is the storage namespace for persisted module source.
const CachePrefix = "modules/cache/"

// cacheEntry is the persisted form of one fetched module source.
type cacheEntry struct {
	Code      string    `json:"code"`
	FetchedAt time.Time `json:"fetched_at"`
}

// sourceCache layers an in-memory expirable LRU over the persistent store.
// Entries older than the TTL are treated as absent in both layers.
type sourceCache struct {
	mem     *expirable.LRU[string, cacheEntry]
	kv      *storage.Store
	ttl     time.Duration
	version string
	log     *zap.Logger
	now     func() time.Time
}

func newSourceCache(kv *storage.Store, version string, ttl time.Duration, logger *zap.Logger) *sourceCache {
	return &sourceCache{
		mem:     expirable.NewLRU[string, cacheEntry](64, nil, ttl),
		kv:      kv,
		ttl:     ttl,
		version: version,
		log:     logger.Named("modcache"),
		now:     time.Now,
	}
}

func (c *sourceCache) key(name string) string {
	return CachePrefix + c.version + "/" + name
}

func (c *sourceCache) fresh(e cacheEntry) bool {
	return c.now().Sub(e.FetchedAt) < c.ttl
}

// Get returns cached source for (name, version) if present and unexpired.
func (c *sourceCache) Get(ctx context.Context, name string) (string, bool) {
	if entry, ok := c.mem.Get(c.key(name)); ok && c.fresh(entry) {
		return entry.Code, true
	}

	raw, ok, err := c.kv.Get(ctx, c.key(name))
	if err != nil {
		c.log.Warn("Module cache read failed", zap.String("module", name), zap.Error(err))
		return "", false
	}
	if !ok {
		return "", false
	}

	var entry cacheEntry
	if err := json.UnmarshalFromString(raw, &entry); err != nil {
		c.log.Warn("Discarding unreadable module cache entry", zap.String("module", name), zap.Error(err))
		return "", false
	}
	if !c.fresh(entry) {
		return "", false
	}

	c.mem.Add(c.key(name), entry)
	return entry.Code, true
}

// Put records freshly fetched source in both layers with the current
// timestamp.
func (c *sourceCache) Put(ctx context.Context, name, code string) error {
	entry := cacheEntry{Code: code, FetchedAt: c.now()}
	c.mem.Add(c.key(name), entry)

	raw, err := json.MarshalToString(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry for %q: %w", name, err)
	}
	return c.kv.Set(ctx, c.key(name), raw)
}

// Purge drops every cached module source, for all versions. Exposed to the
// user as the remediation for a wedged cache.
func PurgeCache(ctx context.Context, kv *storage.Store) (int64, error) {
	return kv.DeletePrefix(ctx, CachePrefix)
}
