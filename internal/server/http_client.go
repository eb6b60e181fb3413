package server

import (
	"errors"
	"net"
	"net/http"
	"net/textproto"
	"time"

	"github.com/any-hub/pwa-hub/internal/config"
	"github.com/any-hub/pwa-hub/internal/version"
)

// maxUpstreamRedirects 限制单次上游请求可跟随的重定向次数。
const maxUpstreamRedirects = 5

// 所有 App 共享的上游连接池，预缓存阶段会对同一源站并发请求。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   32,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   15 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回共享 http.Client，fetch.Engine 与 lifecycle.Controller 都通过它访问源站。
// UpstreamTimeout 作为整体超时，App 级 FetchTimeout 在此之上按请求收紧。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &userAgentTransport{
			base:  defaultTransport.Clone(),
			agent: "pwa-hub/" + version.Version,
		},
		CheckRedirect: limitRedirects,
	}
}

// userAgentTransport 在请求未携带 User-Agent 时补上 pwa-hub 标识，预缓存请求没有浏览器 UA。
type userAgentTransport struct {
	base  http.RoundTripper
	agent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(clone)
}

func limitRedirects(req *http.Request, via []*http.Request) error {
	if len(via) >= maxUpstreamRedirects {
		return errors.New("stopped after too many upstream redirects")
	}
	return nil
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {},
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader 判断头部是否只在单跳连接上有效，代理两侧都需剔除。
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
