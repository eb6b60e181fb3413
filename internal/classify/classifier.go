// Package classify labels proxied requests for the fetch engine: whether
// they are top-level navigations, which configured resource they target and
// whether their responses may be cached.
package classify

import (
	"net/http"
	"strings"
)

// HeaderFetchMode 是浏览器标识请求模式的头部，导航请求取值为 navigate。
const HeaderFetchMode = "Sec-Fetch-Mode"

// Classification 是单次请求的分类结果。
type Classification struct {
	Navigation bool
	Cacheable  bool
	// ResourceID 为 URL 路径最后一个 "/" 之后的部分，根路径为空串。
	ResourceID string
	// Key 是缓存条目的 request key（path?query）。
	Key string
}

// PassThrough 表示既不可缓存也不是导航，直接转发。
func (c Classification) PassThrough() bool {
	return !c.Cacheable && !c.Navigation
}

// Classifier 持有 eager ∪ lazy 的资源集合。
type Classifier struct {
	universe map[string]struct{}
}

// New 以预缓存与按需缓存两组资源标识构建分类器。
func New(eager, lazy []string) *Classifier {
	universe := make(map[string]struct{}, len(eager)+len(lazy))
	for _, id := range eager {
		universe[id] = struct{}{}
	}
	for _, id := range lazy {
		universe[id] = struct{}{}
	}
	return &Classifier{universe: universe}
}

// Contains 判断资源标识是否属于可缓存集合。
func (c *Classifier) Contains(id string) bool {
	_, ok := c.universe[id]
	return ok
}

// Classify 依据请求自身的 URL 推导资源标识。
// 非 GET、URL 缺失或 opaque 的请求一律直通。
func (c *Classifier) Classify(req *http.Request) Classification {
	if req == nil || req.URL == nil || req.URL.Opaque != "" {
		return Classification{}
	}
	if req.Method != "" && req.Method != http.MethodGet {
		return Classification{}
	}

	id := ResourceID(req.URL.Path)
	navigation := IsNavigation(req)
	return Classification{
		Navigation: navigation,
		Cacheable:  c.Contains(id) || (navigation && id == ""),
		ResourceID: id,
		Key:        req.URL.RequestURI(),
	}
}

// IsNavigation 判断请求是否为顶层页面加载。
func IsNavigation(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get(HeaderFetchMode), "navigate")
}

// ResourceID 返回路径最后一段，查询串与来源前缀不参与计算。
func ResourceID(path string) string {
	return path[strings.LastIndex(path, "/")+1:]
}
