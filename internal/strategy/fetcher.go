package strategy

import (
	"context"
	"net/http"
	"net/url"

	"github.com/aetherflow/edgeworker/internal/bucket"
)

// Request 是策略引擎眼中的一次下游请求。Navigation 标记整页加载，
// 由网关层根据 Sec-Fetch-Mode / Accept 推导。
type Request struct {
	Method     string
	URL        *url.URL
	Header     http.Header
	Navigation bool
}

// Key 返回该请求在桶存储中的条目键。键只取路径与查询串：网关只面向单一
// 上游，同一路径无论以何种 host 访问都指向同一份缓存条目，安装阶段写入的
// 相对路径键也因此能被运行期命中。
func (r *Request) Key() bucket.Key {
	target := r.URL.EscapedPath()
	if target == "" {
		target = "/"
	}
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	return bucket.Key{Method: r.Method, URL: target}
}

// Fetcher 抽象上游访问。传输层失败（连接拒绝、DNS、超时）以 error 返回；
// HTTP 层错误体现在快照的 Status 上，不是 error。允许测试注入假实现。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*bucket.Snapshot, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*bucket.Snapshot, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*bucket.Snapshot, error) {
	return f(ctx, req)
}
