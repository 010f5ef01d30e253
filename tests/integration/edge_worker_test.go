package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/aetherflow/edgeworker/internal/bucket"
	"github.com/aetherflow/edgeworker/internal/gateway"
	"github.com/aetherflow/edgeworker/internal/lifecycle"
	"github.com/aetherflow/edgeworker/internal/server"
	"github.com/aetherflow/edgeworker/internal/server/routes"
	"github.com/aetherflow/edgeworker/internal/strategy"
)

// originState 控制模拟上游的可达性与请求计数。
type originState struct {
	hits    int64
	offline int32
}

func (o *originState) Hits() int64 { return atomic.LoadInt64(&o.hits) }

func (o *originState) SetOffline(v bool) {
	if v {
		atomic.StoreInt32(&o.offline, 1)
	} else {
		atomic.StoreInt32(&o.offline, 0)
	}
}

func newOrigin(t *testing.T, state *originState) *httptest.Server {
	t.Helper()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&state.hits, 1)
		if atomic.LoadInt32(&state.offline) == 1 {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}

		switch {
		case strings.HasPrefix(r.URL.Path, "/static/"):
			w.Header().Set("Content-Type", "application/javascript")
			w.Write([]byte("console.log('bundle')"))
		case strings.HasPrefix(r.URL.Path, "/api/"):
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"users":["a","b"]}`))
		case r.URL.Path == "/offline.html":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html>offline fallback</html>"))
		default:
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html>page:" + r.URL.Path + "</html>"))
		}
	}))
	t.Cleanup(origin.Close)
	return origin
}

type workerEnv struct {
	app     *fiber.App
	engine  *strategy.Engine
	store   bucket.Store
	manager *lifecycle.Manager
	origin  *originState
}

// newWorkerEnv 按 main.go 的装配顺序搭一套完整网关，上游指向测试服务器。
func newWorkerEnv(t *testing.T, precache []string) *workerEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	state := &originState{}
	origin := newOrigin(t, state)
	upstream, err := url.Parse(origin.URL)
	if err != nil {
		t.Fatalf("parse origin url: %v", err)
	}

	fileStore, err := bucket.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	store, err := bucket.NewHotTier(fileStore, 64)
	if err != nil {
		t.Fatalf("hot tier: %v", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	fetcher := gateway.NewUpstreamFetcher(client, upstream)

	manager, err := lifecycle.NewManager(lifecycle.Options{
		Store:        store,
		Fetcher:      fetcher,
		Version:      "9",
		PrecacheURLs: precache,
		SkipWaiting:  true,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if err := manager.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}

	engine, err := strategy.NewEngine(strategy.Options{
		Store:       store,
		Fetcher:     fetcher,
		Rules:       strategy.DefaultRules(),
		Precache:    manager.PrecacheBucketName(),
		Runtime:     lifecycle.RuntimeBucket,
		OfflinePath: "/offline.html",
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	handler := gateway.NewHandler(client, upstream, engine, logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Gateway:    handler,
		ListenPort: 5100,
	})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	routes.RegisterControlRoutes(app, routes.ControlDeps{
		Lifecycle: manager,
		Store:     store,
		Logger:    logger,
	})

	return &workerEnv{app: app, engine: engine, store: store, manager: manager, origin: state}
}

func get(t *testing.T, app *fiber.App, path string, header map[string]string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for key, value := range header {
		req.Header.Set(key, value)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

func TestPrecachedAssetServedWithoutOrigin(t *testing.T) {
	env := newWorkerEnv(t, []string{"/", "/static/js/bundle.js", "/offline.html"})
	installHits := env.origin.Hits()

	// 预缓存命中不应再触网，即便上游彻底不可达。
	env.origin.SetOffline(true)
	resp, body := get(t, env.app, "/static/js/bundle.js", nil)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if body != "console.log('bundle')" {
		t.Fatalf("body mismatch: %s", body)
	}
	if resp.Header.Get("X-Edge-Strategy") != string(strategy.LabelStatic) {
		t.Fatalf("strategy header mismatch: %s", resp.Header.Get("X-Edge-Strategy"))
	}
	if resp.Header.Get("X-Edge-Cache") != string(strategy.CacheHit) {
		t.Fatalf("expected HIT, got %s", resp.Header.Get("X-Edge-Cache"))
	}
	if env.origin.Hits() != installHits {
		t.Fatalf("cache hit must not touch origin, hits %d → %d", installHits, env.origin.Hits())
	}
}

func TestStaticMissPopulatesCache(t *testing.T) {
	env := newWorkerEnv(t, []string{"/offline.html"})

	resp, _ := get(t, env.app, "/static/js/extra.js", nil)
	if resp.Header.Get("X-Edge-Cache") != string(strategy.CacheMiss) {
		t.Fatalf("first request should be MISS, got %s", resp.Header.Get("X-Edge-Cache"))
	}

	env.origin.SetOffline(true)
	resp, body := get(t, env.app, "/static/js/extra.js", nil)
	if resp.Header.Get("X-Edge-Cache") != string(strategy.CacheHit) {
		t.Fatalf("second request should be HIT, got %s", resp.Header.Get("X-Edge-Cache"))
	}
	if body != "console.log('bundle')" {
		t.Fatalf("cached body mismatch: %s", body)
	}
}

func TestAPIRequestsPreferNetworkAndFallBack(t *testing.T) {
	env := newWorkerEnv(t, []string{"/offline.html"})

	resp, body := get(t, env.app, "/api/users", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if body != `{"users":["a","b"]}` {
		t.Fatalf("live body mismatch: %s", body)
	}
	if resp.Header.Get("X-Edge-Strategy") != string(strategy.LabelAPI) {
		t.Fatalf("strategy header mismatch: %s", resp.Header.Get("X-Edge-Strategy"))
	}
	env.engine.WaitBackground()

	// 断网后由 runtime 桶兜底。
	env.origin.SetOffline(true)
	resp, body = get(t, env.app, "/api/users", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fallback status: %d", resp.StatusCode)
	}
	if body != `{"users":["a","b"]}` {
		t.Fatalf("fallback body mismatch: %s", body)
	}
	if resp.Header.Get("X-Edge-Cache") != string(strategy.CacheStale) {
		t.Fatalf("expected STALE fallback, got %s", resp.Header.Get("X-Edge-Cache"))
	}
}

func TestOfflineNavigationGetsFallbackPage(t *testing.T) {
	env := newWorkerEnv(t, []string{"/offline.html"})
	env.origin.SetOffline(true)

	resp, body := get(t, env.app, "/api/users", map[string]string{"Sec-Fetch-Mode": "navigate"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if body != "<html>offline fallback</html>" {
		t.Fatalf("expected offline page, got %s", body)
	}
}

func TestOfflineAPIWithoutCacheReturns503(t *testing.T) {
	env := newWorkerEnv(t, []string{"/offline.html"})
	env.origin.SetOffline(true)

	resp, _ := get(t, env.app, "/api/orders", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestDynamicRouteStaleWhileRevalidate(t *testing.T) {
	env := newWorkerEnv(t, []string{"/offline.html"})

	// 冷缓存：同步等网络。
	resp, body := get(t, env.app, "/chat", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if body != "<html>page:/chat</html>" {
		t.Fatalf("body mismatch: %s", body)
	}
	env.engine.WaitBackground()

	// 二次访问：先回缓存，后台刷新。
	resp, _ = get(t, env.app, "/chat", nil)
	if resp.Header.Get("X-Edge-Cache") != string(strategy.CacheStale) {
		t.Fatalf("expected STALE, got %s", resp.Header.Get("X-Edge-Cache"))
	}
	env.engine.WaitBackground()
}

func TestNonGETPassesThrough(t *testing.T) {
	env := newWorkerEnv(t, []string{"/offline.html"})

	req := httptest.NewRequest(http.MethodPost, "/api/users", strings.NewReader(`{"name":"c"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Edge-Cache") != "BYPASS" {
		t.Fatalf("non-GET must bypass the cache, got %s", resp.Header.Get("X-Edge-Cache"))
	}
}

func TestRequestIDHeaderIsSet(t *testing.T) {
	env := newWorkerEnv(t, []string{"/offline.html"})

	resp, _ := get(t, env.app, "/static/css/site.css", nil)
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}
}

func TestControlSurfaceReportsLifecycle(t *testing.T) {
	env := newWorkerEnv(t, []string{"/offline.html"})

	req := httptest.NewRequest(http.MethodGet, "/-/status", nil)
	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if payload["state"] != string(lifecycle.StateActivated) {
		t.Fatalf("expected activated worker, got %v", payload["state"])
	}
	if payload["version"] != "aetherflow-v9" {
		t.Fatalf("version mismatch: %v", payload["version"])
	}
}
