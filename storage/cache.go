package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a Store with a Redis read-through cache for single documents.
// Writes go to the base store and evict the cached entry of the same path.
type Cache struct {
	base  Store
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Store wrapper using the provided Redis client and TTL.
func NewCache(base Store, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

type cachedDocument struct {
	ID     string `json:"id"`
	Fields Fields `json:"fields"`
}

func (c *Cache) Get(ctx context.Context, p Path) (*Document, error) {
	if doc, ok := c.load(ctx, p); ok {
		return doc, nil
	}
	doc, err := c.base.Get(ctx, p)
	if err != nil {
		return nil, err
	}
	if doc != nil {
		c.store(ctx, *doc)
	}
	return doc, nil
}

func (c *Cache) Set(ctx context.Context, p Path, fields Fields) error {
	err := c.base.Set(ctx, p, fields)
	// A failed write may still have landed.
	c.evict(ctx, p)
	return err
}

func (c *Cache) Update(ctx context.Context, p Path, fields Fields) error {
	err := c.base.Update(ctx, p, fields)
	c.evict(ctx, p)
	return err
}

func (c *Cache) Delete(ctx context.Context, p Path) error {
	err := c.base.Delete(ctx, p)
	c.evict(ctx, p)
	return err
}

func (c *Cache) Query(ctx context.Context, collection Path, field string, op Op, value any) ([]Document, error) {
	return c.base.Query(ctx, collection, field, op, value)
}

func (c *Cache) List(ctx context.Context, collection Path) ([]Document, error) {
	return c.base.List(ctx, collection)
}

func (c *Cache) load(ctx context.Context, p Path) (*Document, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, documentCacheKey(p)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, documentCacheKey(p)).Err()
		}
		return nil, false
	}
	var cached cachedDocument
	if err := json.Unmarshal(data, &cached); err != nil {
		_ = c.redis.Del(ctx, documentCacheKey(p)).Err()
		return nil, false
	}
	if cached.Fields == nil {
		cached.Fields = Fields{}
	}
	return &Document{ID: cached.ID, Path: p, Fields: cached.Fields}, true
}

func (c *Cache) store(ctx context.Context, doc Document) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(cachedDocument{ID: doc.ID, Fields: doc.Fields})
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, documentCacheKey(doc.Path), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, p Path) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, documentCacheKey(p)).Err()
}

func documentCacheKey(p Path) string {
	return "doc:" + string(p)
}
