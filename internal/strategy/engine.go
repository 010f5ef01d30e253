package strategy

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aetherflow/edgeworker/internal/bucket"
)

// CacheState 标记响应来源，随 X-Edge-Cache 头暴露给下游。
type CacheState string

const (
	CacheHit   CacheState = "HIT"
	CacheMiss  CacheState = "MISS"
	CacheStale CacheState = "STALE"
)

// Result 聚合策略执行结果；Snapshot 永远非 nil（离线时为合成 503 或兜底页）。
type Result struct {
	Snapshot *bucket.Snapshot
	Label    Label
	State    CacheState
}

const unavailableBody = "Offline: content unavailable"

// Options 注入引擎依赖；Precache/Runtime 为两个受管桶的名字。
type Options struct {
	Store       bucket.Store
	Fetcher     Fetcher
	Rules       Rules
	Precache    string
	Runtime     string
	OfflinePath string
	Logger      *logrus.Logger
}

// Engine 将分类结果映射到三种缓存算法之一并执行。无状态、可并发调用；
// 唯一的跨请求副作用是对两个受管桶的读写。
type Engine struct {
	store       bucket.Store
	fetch       Fetcher
	rules       Rules
	precache    string
	runtime     string
	offlinePath string
	logger      *logrus.Logger

	// background 跟踪 fire-and-forget 的缓存回写，测试可借此等待收敛。
	background sync.WaitGroup
}

// NewEngine 构造策略引擎；Store 与 Fetcher 不能为空。
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("bucket store is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		store:       opts.Store,
		fetch:       opts.Fetcher,
		rules:       opts.Rules,
		precache:    opts.Precache,
		runtime:     opts.Runtime,
		offlinePath: opts.OfflinePath,
		logger:      logger,
	}, nil
}

// Resolve 对单个 GET 请求执行分类 + 策略分发，保证总能返回一个响应。
// 非 GET 与非 http(s) 请求不应进入此处（网关层负责直接透传）。
func (e *Engine) Resolve(ctx context.Context, req *Request) *Result {
	label := e.rules.Classify(req.URL)
	switch label {
	case LabelStatic:
		return e.cacheFirst(ctx, req, label)
	case LabelAPI:
		return e.networkFirst(ctx, req, label)
	default:
		// dynamic 与未命中规则的请求共用 stale-while-revalidate。
		return e.staleWhileRevalidate(ctx, req, label)
	}
}

// cacheFirst 先查两个受管桶，命中即返回且不触网；未命中回源，
// OK 响应在返回前克隆写入预缓存桶；传输失败合成 503。
func (e *Engine) cacheFirst(ctx context.Context, req *Request, label Label) *Result {
	if snap := e.matchAny(ctx, req.Key()); snap != nil {
		return &Result{Snapshot: snap, Label: label, State: CacheHit}
	}

	snap, err := e.fetch.Fetch(ctx, req)
	if err != nil {
		e.logFetchFailure("cache_first", req, err)
		return &Result{Snapshot: synthesize503(), Label: label, State: CacheMiss}
	}

	if snap.OK() {
		if putErr := e.store.Put(ctx, e.precache, req.Key(), *snap.Clone()); putErr != nil {
			e.logger.WithError(putErr).WithFields(logrus.Fields{
				"bucket": e.precache,
				"url":    req.URL.String(),
			}).Warn("cache_put_failed")
		}
	}
	return &Result{Snapshot: snap, Label: label, State: CacheMiss}
}

// networkFirst 优先回源；成功且命中 API 路径时 fire-and-forget 写入运行时桶。
// 传输失败依次回退：缓存条目 → 导航请求的离线兜底页 → 合成 503。
func (e *Engine) networkFirst(ctx context.Context, req *Request, label Label) *Result {
	snap, err := e.fetch.Fetch(ctx, req)
	if err == nil {
		if snap.OK() && e.rules.IsAPIPath(req.URL) {
			e.storeDetached(e.runtime, req.Key(), snap)
		}
		return &Result{Snapshot: snap, Label: label, State: CacheMiss}
	}

	e.logFetchFailure("network_first", req, err)

	if cached := e.matchAny(ctx, req.Key()); cached != nil {
		return &Result{Snapshot: cached, Label: label, State: CacheStale}
	}

	if req.Navigation {
		if offline := e.offlineFallback(ctx); offline != nil {
			return &Result{Snapshot: offline, Label: label, State: CacheStale}
		}
	}
	return &Result{Snapshot: synthesize503(), Label: label, State: CacheMiss}
}

// staleWhileRevalidate 读运行时桶的同时无条件发起后台刷新。命中缓存立即返回，
// 不等待刷新结束；未命中时等待同一次回源的结果，传输失败合成 503。
func (e *Engine) staleWhileRevalidate(ctx context.Context, req *Request, label Label) *Result {
	cached, err := e.store.Get(ctx, e.runtime, req.Key())
	if err != nil && !errors.Is(err, bucket.ErrNotFound) {
		e.logger.WithError(err).WithField("url", req.URL.String()).Warn("cache_get_failed")
	}

	outcome := make(chan fetchOutcome, 1)
	e.background.Add(1)
	go func() {
		// 后台刷新不被响应路径等待，也不继承请求上下文的取消。
		defer e.background.Done()
		bgCtx := context.Background()
		snap, fetchErr := e.fetch.Fetch(bgCtx, req)
		if fetchErr == nil && snap.OK() {
			if putErr := e.store.Put(bgCtx, e.runtime, req.Key(), *snap); putErr != nil {
				e.logger.WithError(putErr).WithField("url", req.URL.String()).Warn("cache_put_failed")
			}
		}
		outcome <- fetchOutcome{snap: snap, err: fetchErr}
	}()

	if cached != nil {
		return &Result{Snapshot: cached, Label: label, State: CacheStale}
	}

	result := <-outcome
	if result.err != nil {
		e.logFetchFailure("stale_while_revalidate", req, result.err)
		return &Result{Snapshot: synthesize503(), Label: label, State: CacheMiss}
	}
	return &Result{Snapshot: result.snap, Label: label, State: CacheMiss}
}

type fetchOutcome struct {
	snap *bucket.Snapshot
	err  error
}

// matchAny 依次在预缓存桶与运行时桶中查找条目。
func (e *Engine) matchAny(ctx context.Context, key bucket.Key) *bucket.Snapshot {
	for _, name := range []string{e.precache, e.runtime} {
		snap, err := e.store.Get(ctx, name, key)
		if err == nil {
			return snap
		}
		if !errors.Is(err, bucket.ErrNotFound) {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"bucket": name,
				"url":    key.URL,
			}).Warn("cache_get_failed")
		}
	}
	return nil
}

// offlineFallback 取出安装阶段写入的离线兜底页。
func (e *Engine) offlineFallback(ctx context.Context) *bucket.Snapshot {
	key := bucket.Key{Method: http.MethodGet, URL: e.offlinePath}
	snap, err := e.store.Get(ctx, e.precache, key)
	if err != nil {
		if !errors.Is(err, bucket.ErrNotFound) {
			e.logger.WithError(err).Warn("offline_fallback_failed")
		}
		return nil
	}
	return snap
}

// storeDetached 在后台克隆并写入快照；写失败只记日志，不影响已返回的响应。
func (e *Engine) storeDetached(name string, key bucket.Key, snap *bucket.Snapshot) {
	cloned := snap.Clone()
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		if err := e.store.Put(context.Background(), name, key, *cloned); err != nil {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"bucket": name,
				"url":    key.URL,
			}).Warn("cache_put_failed")
		}
	}()
}

// WaitBackground 等待所有后台回写结束，仅供测试与优雅退出使用。
func (e *Engine) WaitBackground() {
	e.background.Wait()
}

func (e *Engine) logFetchFailure(strategy string, req *Request, err error) {
	e.logger.WithError(err).WithFields(logrus.Fields{
		"action":   "upstream_fetch",
		"strategy": strategy,
		"url":      req.URL.String(),
	}).Warn("upstream unreachable")
}

// synthesize503 构造固定文案的降级响应，保证调用方永远拿到响应对象。
func synthesize503() *bucket.Snapshot {
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return &bucket.Snapshot{
		Status:   http.StatusServiceUnavailable,
		Header:   header,
		Body:     []byte(unavailableBody),
		StoredAt: time.Now().UTC(),
	}
}
