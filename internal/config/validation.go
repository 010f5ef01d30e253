package config

import (
	"errors"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.HotCacheEntries < 0 {
		return newFieldError("Global.HotCacheEntries", "不能为负数")
	}
	if strings.TrimSpace(g.CacheVersion) == "" {
		return newFieldError("Global.CacheVersion", "不能为空，用于命名预缓存桶")
	}

	if strings.TrimSpace(g.Upstream) == "" {
		return newFieldError("Global.Upstream", "不能为空")
	}
	parsed, err := url.Parse(g.Upstream)
	if err != nil || parsed.Host == "" {
		return newFieldError("Global.Upstream", "必须是合法的绝对 URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return newFieldError("Global.Upstream", "仅支持 http/https")
	}

	for i, raw := range c.Precache.URLs {
		if strings.TrimSpace(raw) == "" {
			return newFieldError(precacheField(i), "不能为空")
		}
		if !strings.HasPrefix(raw, "/") {
			return newFieldError(precacheField(i), "必须是以 / 开头的站内路径")
		}
	}
	if !strings.HasPrefix(c.Precache.OfflinePath, "/") {
		return newFieldError("Precache.OfflinePath", "必须是以 / 开头的站内路径")
	}

	return nil
}

// UpstreamURL 返回解析后的上游地址；Validate 通过后保证不会出错。
func (c *Config) UpstreamURL() *url.URL {
	parsed, _ := url.Parse(c.Global.Upstream)
	return parsed
}
