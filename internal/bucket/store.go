package bucket

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Store 负责管理命名响应桶的读写。磁盘布局遵循：
//
//	<StoragePath>/<bucket>/<keyhash>    # gob 编码的响应快照
//
// 每个条目以请求标识（Method + URL）为键，正文在落盘前做 snappy 压缩。
// 条目没有独立过期时间：只随整桶删除（版本切换时的 DropBucket）一起消亡。
type Store interface {
	// Get 返回指定桶内的响应快照。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, bucket string, key Key) (*Snapshot, error)

	// Put 写入响应快照。实现需通过临时文件 + rename 保证写入原子性，
	// 并在失败时清理临时文件。同一键并发写入时后写者胜出。
	Put(ctx context.Context, bucket string, key Key, snap Snapshot) error

	// Delete 删除单个条目，不存在时静默成功。
	Delete(ctx context.Context, bucket string, key Key) error

	// Keys 枚举桶内全部条目键，供诊断端与测试使用。
	Keys(ctx context.Context, bucket string) ([]Key, error)

	// Buckets 枚举当前存在的桶名，供生命周期管理器做版本清理。
	Buckets(ctx context.Context) ([]string, error)

	// DropBucket 整桶删除，条目过期的唯一途径。
	DropBucket(ctx context.Context, bucket string) error
}

// Key 唯一定位一个缓存条目，对应请求标识。
type Key struct {
	Method string
	URL    string
}

// Snapshot 表示一次已捕获的上游响应，可直接回放给下游。
type Snapshot struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// OK 判断快照捕获时上游是否返回了 2xx。
func (s *Snapshot) OK() bool {
	return s.Status >= 200 && s.Status < 300
}

// Clone 深拷贝快照，避免回放路径与存储路径共享底层切片。
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	cloned := Snapshot{
		Status:   s.Status,
		Header:   make(http.Header, len(s.Header)),
		Body:     append([]byte(nil), s.Body...),
		StoredAt: s.StoredAt,
	}
	for key, values := range s.Header {
		cloned.Header[key] = append([]string(nil), values...)
	}
	return &cloned
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")
