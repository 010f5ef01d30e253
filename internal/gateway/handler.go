package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/aetherflow/edgeworker/internal/logging"
	"github.com/aetherflow/edgeworker/internal/server"
	"github.com/aetherflow/edgeworker/internal/strategy"
)

// Handler 负责 orchestrate “拦截判定 → 分类 → 策略执行 → 回放响应” 的全流程，
// 对外暴露 Fiber handler。不符合拦截条件的请求（非 GET、非 http/https）
// 直接透传上游，不经过任何缓存路径。
type Handler struct {
	client   *http.Client
	upstream *url.URL
	engine   *strategy.Engine
	logger   *logrus.Logger
}

// NewHandler constructs a gateway handler with shared HTTP client/engine/logger.
func NewHandler(client *http.Client, upstream *url.URL, engine *strategy.Engine, logger *logrus.Logger) *Handler {
	return &Handler{
		client:   client,
		upstream: upstream,
		engine:   engine,
		logger:   logger,
	}
}

// Handle 实现 server.GatewayHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	reqURL := buildRequestURL(c)
	if c.Method() != http.MethodGet || !isInterceptableScheme(reqURL.Scheme) {
		return h.passthrough(c, requestID, started)
	}

	req := &strategy.Request{
		Method:     c.Method(),
		URL:        reqURL,
		Header:     fiberHeadersAsHTTP(c),
		Navigation: isNavigation(c),
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result := h.engine.Resolve(ctx, req)
	return h.writeResult(c, req, result, requestID, started)
}

// writeResult 把策略执行结果回放给下游，并带上来源标记头。
func (h *Handler) writeResult(c fiber.Ctx, req *strategy.Request, result *strategy.Result, requestID string, started time.Time) error {
	snap := result.Snapshot

	respHeader := make(http.Header, len(snap.Header))
	server.CopyHeaders(respHeader, snap.Header)
	for key, values := range respHeader {
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
			} else {
				c.Response().Header.Add(key, value)
			}
		}
	}

	c.Set("X-Edge-Strategy", string(result.Label))
	c.Set("X-Edge-Cache", string(result.State))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Response().Header.SetContentLength(len(snap.Body))
	c.Status(snap.Status)

	fields := logging.RequestFields(string(result.Label), "", req.URL.String(), result.State == strategy.CacheHit)
	fields["action"] = "gateway"
	fields["status"] = snap.Status
	fields["cache_state"] = string(result.State)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	h.logger.WithFields(fields).Info("request_resolved")

	_, err := c.Response().BodyWriter().Write(snap.Body)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("write response failed: %v", err))
	}
	return nil
}

// passthrough 将请求原样转发上游并流式回放，保持平台默认网络路径语义。
func (h *Handler) passthrough(c fiber.Ctx, requestID string, started time.Time) error {
	target := *h.upstream
	target.Path = string(c.Request().URI().Path())
	target.RawQuery = string(c.Request().URI().QueryString())

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = strings.NewReader(string(raw))
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Host = target.Host
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
	}
	req.Header.Set("X-Forwarded-Proto", c.Scheme())

	resp, err := h.client.Do(req)
	if err != nil {
		h.logPassthrough(c, requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set("X-Edge-Cache", "BYPASS")
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logPassthrough(c, requestID, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logPassthrough(c fiber.Ctx, requestID string, status int, started time.Time, err error) {
	fields := logrus.Fields{
		"action":     "passthrough",
		"method":     c.Method(),
		"url":        string(c.Request().URI().FullURI()),
		"status":     status,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("passthrough_failed")
		return
	}
	h.logger.WithFields(fields).Info("passthrough_complete")
}

// buildRequestURL 从 Fiber 上下文还原下游请求的完整 URL。
func buildRequestURL(c fiber.Ctx) *url.URL {
	return &url.URL{
		Scheme:   c.Scheme(),
		Host:     c.Hostname(),
		Path:     string(c.Request().URI().Path()),
		RawQuery: string(c.Request().URI().QueryString()),
	}
}

// isInterceptableScheme 过滤掉浏览器扩展等非 http(s) 方案。
func isInterceptableScheme(scheme string) bool {
	return scheme == "http" || scheme == "https"
}

// isNavigation 判断整页加载：优先看 Sec-Fetch-Mode，退化到 Accept。
func isNavigation(c fiber.Ctx) bool {
	if mode := c.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	return strings.Contains(c.Get("Accept"), "text/html")
}

// fiberHeadersAsHTTP 把 fasthttp 请求头转成标准 http.Header。
func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, src http.Header) {
	for key, values := range src {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
