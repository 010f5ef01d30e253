package bucket

import (
	"context"
	"sort"
	"sync"
	"time"
)

// NewMemoryStore 返回纯内存实现，主要供测试与嵌入式场景注入。
func NewMemoryStore() Store {
	return &memoryStore{
		buckets: make(map[string]map[Key]*Snapshot),
	}
}

type memoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[Key]*Snapshot
}

func (s *memoryStore) Get(ctx context.Context, bucket string, key Key) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.buckets[bucket]
	if !ok {
		return nil, ErrNotFound
	}
	snap, ok := entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return snap.Clone(), nil
}

func (s *memoryStore) Put(ctx context.Context, bucket string, key Key, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	stored := snap.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.buckets[bucket]
	if !ok {
		entries = make(map[Key]*Snapshot)
		s.buckets[bucket] = entries
	}
	entries[key] = stored
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, bucket string, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entries, ok := s.buckets[bucket]; ok {
		delete(entries, key)
	}
	return nil
}

func (s *memoryStore) Keys(ctx context.Context, bucket string) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.buckets[bucket]
	if !ok {
		return nil, nil
	}
	keys := make([]Key, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].URL != keys[j].URL {
			return keys[i].URL < keys[j].URL
		}
		return keys[i].Method < keys[j].Method
	})
	return keys, nil
}

func (s *memoryStore) Buckets(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStore) DropBucket(ctx context.Context, bucket string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.buckets, bucket)
	return nil
}
