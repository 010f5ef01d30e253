package gateway

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/aetherflow/edgeworker/internal/bucket"
	"github.com/aetherflow/edgeworker/internal/server"
	"github.com/aetherflow/edgeworker/internal/strategy"
)

// NewUpstreamFetcher 把策略引擎的抽象回源落到共享 http.Client 上：
// 请求的 path/query 映射到上游 base URL，传输失败原样返回 error，
// HTTP 状态码则进入快照，不视为错误。
func NewUpstreamFetcher(client *http.Client, upstream *url.URL) strategy.Fetcher {
	return &upstreamFetcher{client: client, upstream: upstream}
}

type upstreamFetcher struct {
	client   *http.Client
	upstream *url.URL
}

func (f *upstreamFetcher) Fetch(ctx context.Context, req *strategy.Request) (*bucket.Snapshot, error) {
	target := f.resolveTarget(req.URL)

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), http.NoBody)
	if err != nil {
		return nil, err
	}
	server.CopyHeaders(httpReq.Header, req.Header)
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Host = target.Host

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	header := make(http.Header, len(resp.Header))
	server.CopyHeaders(header, resp.Header)

	return &bucket.Snapshot{
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

// resolveTarget 保留请求的 path/query，把 scheme/host 换成上游地址。
func (f *upstreamFetcher) resolveTarget(u *url.URL) *url.URL {
	target := *f.upstream
	target.Path = u.Path
	target.RawQuery = u.RawQuery
	return &target
}
