package strategy

import (
	"net/url"
	"path"
	"strings"
)

// Label 表示请求分类结果，同时决定后续走哪种缓存策略。
type Label string

const (
	LabelStatic  Label = "static"
	LabelAPI     Label = "api"
	LabelDynamic Label = "dynamic"
	LabelDefault Label = "default"
)

// Rules 描述按声明顺序求值的分类规则：static → api → dynamic，首个命中即返回。
// 所有模式都是对 URL 的纯谓词，不允许副作用。
type Rules struct {
	StaticPrefixes   []string
	StaticExtensions []string
	APIPrefixes      []string
	APIHostPrefixes  []string
	DynamicPrefixes  []string
}

// DefaultRules 返回与前端构建产物约定一致的内置规则。
func DefaultRules() Rules {
	return Rules{
		StaticPrefixes: []string{"/static/"},
		StaticExtensions: []string{
			".js", ".css", ".png", ".jpg", ".jpeg", ".gif", ".svg",
			".ico", ".woff", ".woff2", ".ttf", ".eot",
		},
		APIPrefixes:     []string{"/api/"},
		APIHostPrefixes: []string{"api."},
		DynamicPrefixes: []string{
			"/chat", "/projects", "/templates", "/integrations",
			"/settings", "/dashboard", "/profile",
		},
	}
}

// Merge 以 override 中的非空字段覆盖内置规则，供配置层注入自定义模式。
func (r Rules) Merge(override Rules) Rules {
	merged := r
	if len(override.StaticPrefixes) > 0 {
		merged.StaticPrefixes = override.StaticPrefixes
	}
	if len(override.StaticExtensions) > 0 {
		merged.StaticExtensions = override.StaticExtensions
	}
	if len(override.APIPrefixes) > 0 {
		merged.APIPrefixes = override.APIPrefixes
	}
	if len(override.APIHostPrefixes) > 0 {
		merged.APIHostPrefixes = override.APIHostPrefixes
	}
	if len(override.DynamicPrefixes) > 0 {
		merged.DynamicPrefixes = override.DynamicPrefixes
	}
	return merged
}

// Classify 对任意 GET URL 返回四个标签中的一个；求值顺序固定且全函数，
// 不命中任何规则时落到 LabelDefault。
func (r Rules) Classify(u *url.URL) Label {
	if u == nil {
		return LabelDefault
	}
	switch {
	case r.matchStatic(u):
		return LabelStatic
	case r.matchAPI(u):
		return LabelAPI
	case r.matchDynamic(u):
		return LabelDynamic
	default:
		return LabelDefault
	}
}

func (r Rules) matchStatic(u *url.URL) bool {
	for _, prefix := range r.StaticPrefixes {
		if strings.HasPrefix(u.Path, prefix) {
			return true
		}
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" {
		return false
	}
	for _, candidate := range r.StaticExtensions {
		if ext == candidate {
			return true
		}
	}
	return false
}

func (r Rules) matchAPI(u *url.URL) bool {
	for _, prefix := range r.APIPrefixes {
		if strings.HasPrefix(u.Path, prefix) {
			return true
		}
	}
	host := strings.ToLower(u.Hostname())
	for _, prefix := range r.APIHostPrefixes {
		if strings.HasPrefix(host, prefix) {
			return true
		}
	}
	return false
}

func (r Rules) matchDynamic(u *url.URL) bool {
	for _, prefix := range r.DynamicPrefixes {
		if u.Path == prefix || strings.HasPrefix(u.Path, prefix+"/") {
			return true
		}
	}
	return false
}

// IsAPIPath 判断路径是否命中 API 前缀，network-first 写缓存时复用。
func (r Rules) IsAPIPath(u *url.URL) bool {
	for _, prefix := range r.APIPrefixes {
		if strings.HasPrefix(u.Path, prefix) {
			return true
		}
	}
	return false
}
