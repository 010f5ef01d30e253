package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aetherflow/edgeworker/internal/bucket"
	"github.com/aetherflow/edgeworker/internal/strategy"
)

// State 描述生命周期状态机：installing → installed → activating → activated。
// 状态只在对应阶段成功后推进。
type State string

const (
	StateRegistered State = "registered"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
)

const bucketPrefix = "aetherflow-"

// RuntimeBucket 是无版本号的长期运行时桶名。
const RuntimeBucket = bucketPrefix + "runtime"

// PrecacheBucket 由版本号推导出当前预缓存桶名；任意时刻只有一个是有效的。
func PrecacheBucket(version string) string {
	return bucketPrefix + "v" + version
}

// Options 注入生命周期管理器的依赖与安装清单。
type Options struct {
	Store        bucket.Store
	Fetcher      strategy.Fetcher
	Version      string
	PrecacheURLs []string
	SkipWaiting  bool
	Logger       *logrus.Logger
}

// Manager 负责版本升级期间的桶创建与清理：安装阶段整体预缓存 app shell，
// 激活阶段清掉除当前预缓存桶与运行时桶之外的所有历史桶。
type Manager struct {
	store        bucket.Store
	fetch        strategy.Fetcher
	version      string
	precacheURLs []string
	skipWaiting  bool
	logger       *logrus.Logger

	mu    sync.Mutex
	state State
}

// NewManager 构造管理器，初始状态为 registered。
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("bucket store is required")
	}
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if opts.Version == "" {
		return nil, fmt.Errorf("cache version is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		store:        opts.Store,
		fetch:        opts.Fetcher,
		version:      opts.Version,
		precacheURLs: opts.PrecacheURLs,
		skipWaiting:  opts.SkipWaiting,
		logger:       logger,
		state:        StateRegistered,
	}, nil
}

// State 返回当前状态机位置。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PrecacheBucketName 返回当前版本对应的预缓存桶名。
func (m *Manager) PrecacheBucketName() string {
	return PrecacheBucket(m.version)
}

// Install 预取安装清单并整体写入预缓存桶。语义是 all-or-nothing：
// 任何一个 URL 传输失败或返回非 2xx，整个安装失败且不产生部分写入。
// 安装成功后按配置决定是否立即激活（skip waiting）。
func (m *Manager) Install(ctx context.Context) error {
	m.setState(StateInstalling)

	type staged struct {
		key  bucket.Key
		snap *bucket.Snapshot
	}
	prepared := make([]staged, 0, len(m.precacheURLs))

	for _, raw := range m.precacheURLs {
		parsed, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("precache %s: %w", raw, err)
		}
		req := &strategy.Request{Method: http.MethodGet, URL: parsed, Header: http.Header{}}
		snap, err := m.fetch.Fetch(ctx, req)
		if err != nil {
			return fmt.Errorf("precache %s: %w", raw, err)
		}
		if !snap.OK() {
			return fmt.Errorf("precache %s: upstream returned %d", raw, snap.Status)
		}
		snap.StoredAt = time.Now().UTC()
		prepared = append(prepared, staged{key: req.Key(), snap: snap})
	}

	name := m.PrecacheBucketName()
	for _, item := range prepared {
		if err := m.store.Put(ctx, name, item.key, *item.snap); err != nil {
			return fmt.Errorf("precache write %s: %w", item.key.URL, err)
		}
	}

	m.setState(StateInstalled)
	m.logger.WithFields(logrus.Fields{
		"action": "install",
		"bucket": name,
		"assets": len(prepared),
	}).Info("precache populated")

	if m.skipWaiting {
		return m.Activate(ctx)
	}
	return nil
}

// Activate 枚举现有桶并删除既不是当前预缓存桶也不是运行时桶的所有桶。
// 删除失败会使整次激活失败（只推迟接管，不破坏既有数据）。幂等：
// 无版本变化时重复执行不报错，桶集合保持不变。
func (m *Manager) Activate(ctx context.Context) error {
	m.setState(StateActivating)

	current := m.PrecacheBucketName()
	names, err := m.store.Buckets(ctx)
	if err != nil {
		return fmt.Errorf("enumerate buckets: %w", err)
	}

	for _, name := range names {
		if name == current || name == RuntimeBucket {
			continue
		}
		if err := m.store.DropBucket(ctx, name); err != nil {
			m.logger.WithError(err).WithField("bucket", name).Error("bucket purge failed")
			return fmt.Errorf("purge bucket %s: %w", name, err)
		}
		m.logger.WithFields(logrus.Fields{
			"action": "activate",
			"bucket": name,
		}).Info("stale bucket purged")
	}

	m.setState(StateActivated)
	return nil
}

// SkipWaiting 响应 SKIP_WAITING 控制消息，强制立即激活新版本。
func (m *Manager) SkipWaiting(ctx context.Context) error {
	return m.Activate(ctx)
}

func (m *Manager) setState(next State) {
	m.mu.Lock()
	m.state = next
	m.mu.Unlock()
}
