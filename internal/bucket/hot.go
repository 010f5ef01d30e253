package bucket

import (
	"context"
	"strings"

	lru "github.com/hashicorp/golang-lru"
)

// NewHotTier 在任意 Store 前叠加一层 LRU 热点缓存，减少高频条目的磁盘读。
// 读路径 read-through，写路径 write-through；Delete/DropBucket 会同步失效。
func NewHotTier(inner Store, entries int) (Store, error) {
	if entries <= 0 {
		return inner, nil
	}
	cache, err := lru.New(entries)
	if err != nil {
		return nil, err
	}
	return &hotTier{inner: inner, cache: cache}, nil
}

type hotTier struct {
	inner Store
	cache *lru.Cache
}

func (h *hotTier) Get(ctx context.Context, bucket string, key Key) (*Snapshot, error) {
	cacheKey := hotKey(bucket, key)
	if value, ok := h.cache.Get(cacheKey); ok {
		if snap, ok := value.(*Snapshot); ok {
			return snap.Clone(), nil
		}
	}

	snap, err := h.inner.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	h.cache.Add(cacheKey, snap.Clone())
	return snap, nil
}

func (h *hotTier) Put(ctx context.Context, bucket string, key Key, snap Snapshot) error {
	if err := h.inner.Put(ctx, bucket, key, snap); err != nil {
		return err
	}
	h.cache.Add(hotKey(bucket, key), snap.Clone())
	return nil
}

func (h *hotTier) Delete(ctx context.Context, bucket string, key Key) error {
	h.cache.Remove(hotKey(bucket, key))
	return h.inner.Delete(ctx, bucket, key)
}

func (h *hotTier) Keys(ctx context.Context, bucket string) ([]Key, error) {
	return h.inner.Keys(ctx, bucket)
}

func (h *hotTier) Buckets(ctx context.Context) ([]string, error) {
	return h.inner.Buckets(ctx)
}

func (h *hotTier) DropBucket(ctx context.Context, bucket string) error {
	prefix := bucket + "\x00"
	for _, cacheKey := range h.cache.Keys() {
		if raw, ok := cacheKey.(string); ok && strings.HasPrefix(raw, prefix) {
			h.cache.Remove(cacheKey)
		}
	}
	return h.inner.DropBucket(ctx, bucket)
}

func hotKey(bucket string, key Key) string {
	return bucket + "\x00" + key.Method + "\x00" + key.URL
}
