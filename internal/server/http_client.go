package server

import (
	"net"
	"net/http"
	"net/textproto"
	"time"

	"github.com/any-hub/shellcache/internal/config"
)

// maxRedirects 限制上游重定向跳数，超过后把最后一个 3xx 原样交给调用方。
const maxRedirects = 5

// minIdlePerHost 是单一上游的空闲连接下限；并发拉取更多时按 FetchConcurrency 放大。
const minIdlePerHost = 16

// NewUpstreamClient 返回共享 http.Client，用于 install、懒填充、离线下载与透传等全部上游请求。
// UpstreamTimeout 为 0 时不设整体超时，仅保留拨号与 TLS 握手超时。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	var global config.GlobalConfig
	if cfg != nil {
		global = cfg.Global
	}
	return &http.Client{
		Timeout:       global.UpstreamTimeout.DurationValue(),
		Transport:     newUpstreamTransport(global.FetchConcurrency),
		CheckRedirect: limitRedirects,
	}
}

// newUpstreamTransport 只服务一个上游主机，空闲连接池按并发度调整。
// 响应体需要原样写入缓存，因此关闭透明解压。
func newUpstreamTransport(concurrency int) *http.Transport {
	idle := concurrency * 2
	if idle < minIdlePerHost {
		idle = minIdlePerHost
	}
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          idle,
		MaxIdleConnsPerHost:   idle,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
	}
}

func limitRedirects(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return http.ErrUseLastResponse
	}
	return nil
}

// hopByHopHeaders 是 RFC 7230 规定不得跨代理转发的头部，外加非标准的 Proxy-Connection。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// CopyHeaders 将 src 中的端到端头追加到 dst，缓存条目与客户端响应都经由这里过滤。
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

// IsHopByHopHeader reports whether the header must be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
