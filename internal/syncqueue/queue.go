package syncqueue

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
)

// Action 是一条待重放的 HTTP 请求，离线期间由页面提交、联网后回放。
type Action struct {
	ID         string
	Method     string
	URL        string
	Header     http.Header
	Body       []byte
	EnqueuedAt time.Time
}

// Queue 抽象持久化的待办动作存储。空队列是合法的初始状态。
type Queue interface {
	// Enqueue 持久化动作并返回补全了 ID/时间戳的副本。
	Enqueue(ctx context.Context, action Action) (Action, error)

	// ListPending 按入队顺序返回全部待重放动作。
	ListPending(ctx context.Context) ([]Action, error)

	// Remove 按 ID 删除动作，通常在重放成功后调用。
	Remove(ctx context.Context, id string) error

	// Depth 返回当前队列长度，供诊断端输出。
	Depth(ctx context.Context) (int, error)

	Close() error
}

// NewLevelQueue 打开（或创建）leveldb 目录作为队列后端。
// 键按入队时间戳编码，保证迭代顺序即入队顺序。
func NewLevelQueue(path string) (Queue, error) {
	if path == "" {
		return nil, fmt.Errorf("sync queue path required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open sync queue: %w", err)
	}
	return &levelQueue{db: db}, nil
}

type levelQueue struct {
	mu sync.Mutex
	db *leveldb.DB
}

func (q *levelQueue) Enqueue(ctx context.Context, action Action) (Action, error) {
	if err := ctx.Err(); err != nil {
		return Action{}, err
	}

	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	if action.EnqueuedAt.IsZero() {
		action.EnqueuedAt = time.Now().UTC()
	}
	if action.Method == "" {
		action.Method = http.MethodPost
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(action); err != nil {
		return Action{}, fmt.Errorf("encode action: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.db.Put(actionKey(action), buf.Bytes(), nil); err != nil {
		return Action{}, fmt.Errorf("persist action: %w", err)
	}
	return action, nil
}

func (q *levelQueue) ListPending(ctx context.Context) ([]Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	iter := q.db.NewIterator(nil, nil)
	defer iter.Release()

	var actions []Action
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var action Action
		if err := gob.NewDecoder(bytes.NewReader(iter.Value())).Decode(&action); err != nil {
			// 损坏条目跳过，不阻塞其余动作的回放。
			continue
		}
		actions = append(actions, action)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return actions, nil
}

func (q *levelQueue) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	iter := q.db.NewIterator(nil, nil)
	defer iter.Release()

	for iter.Next() {
		var action Action
		if err := gob.NewDecoder(bytes.NewReader(iter.Value())).Decode(&action); err != nil {
			continue
		}
		if action.ID == id {
			key := append([]byte(nil), iter.Key()...)
			return q.db.Delete(key, nil)
		}
	}
	return iter.Error()
}

func (q *levelQueue) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	iter := q.db.NewIterator(nil, nil)
	defer iter.Release()

	count := 0
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		count++
	}
	return count, iter.Error()
}

func (q *levelQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.Close()
}

// actionKey 用零填充的纳秒时间戳 + ID 拼键，使 leveldb 的字典序等于入队序。
func actionKey(action Action) []byte {
	return []byte(fmt.Sprintf("%020d-%s", action.EnqueuedAt.UnixNano(), action.ID))
}
