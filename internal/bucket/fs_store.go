package bucket

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"
)

// NewFileStore 以 basePath 为根目录构建磁盘桶存储，整站复用一份实例。
func NewFileStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// diskRecord 是落盘格式：键 + 元数据 + snappy 压缩后的正文。
type diskRecord struct {
	Key      Key
	Status   int
	Header   http.Header
	StoredAt time.Time
	Body     []byte
}

func (s *fileStore) Get(ctx context.Context, bucket string, key Key) (*Snapshot, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	filePath, err := s.entryPath(bucket, key)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var record diskRecord
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&record); err != nil {
		return nil, fmt.Errorf("decode cache record: %w", err)
	}

	body, err := snappy.Decode(nil, record.Body)
	if err != nil {
		return nil, fmt.Errorf("decompress cache body: %w", err)
	}

	return &Snapshot{
		Status:   record.Status,
		Header:   record.Header,
		Body:     body,
		StoredAt: record.StoredAt,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, bucket string, key Key, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := s.lockEntry(bucket, key)
	defer unlock()

	filePath, err := s.entryPath(bucket, key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	record := diskRecord{
		Key:      key,
		Status:   snap.Status,
		Header:   snap.Header,
		StoredAt: snap.StoredAt,
		Body:     snappy.Encode(nil, snap.Body),
	}
	if record.StoredAt.IsZero() {
		record.StoredAt = time.Now().UTC()
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(record); err != nil {
		return fmt.Errorf("encode cache record: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".bucket-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(buf.Bytes())
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStore) Delete(ctx context.Context, bucket string, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := s.lockEntry(bucket, key)
	defer unlock()

	filePath, err := s.entryPath(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Keys(ctx context.Context, bucket string) ([]Key, error) {
	dir, err := s.bucketPath(bucket)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var keys []Key
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".bucket-") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var record diskRecord
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&record); err != nil {
			continue
		}
		keys = append(keys, record.Key)
	}
	return keys, nil
}

func (s *fileStore) Buckets(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

func (s *fileStore) DropBucket(ctx context.Context, bucket string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir, err := s.bucketPath(bucket)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func (s *fileStore) lockEntry(bucket string, key Key) func() {
	lockKey := bucket + "::" + key.Method + "::" + key.URL
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

// entryPath 通过键哈希生成文件名，天然规避路径穿越问题。
func (s *fileStore) entryPath(bucket string, key Key) (string, error) {
	dir, err := s.bucketPath(bucket)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum([]byte(key.Method + " " + key.URL))
	return filepath.Join(dir, hex.EncodeToString(sum[:])), nil
}

func (s *fileStore) bucketPath(bucket string) (string, error) {
	if bucket == "" {
		return "", errors.New("bucket name required")
	}
	if strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return "", fmt.Errorf("invalid bucket name: %s", bucket)
	}
	return filepath.Join(s.basePath, bucket), nil
}
