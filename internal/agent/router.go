package agent

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/fetch"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/manifest"
)

// Route 是请求被分派到的处理策略。
type Route int

const (
	// RoutePassthrough 不经过缓存，等同于浏览器默认的网络处理。
	RoutePassthrough Route = iota
	// RouteNetworkFirst 仅用于应用根：优先网络，网络失败时回退缓存。
	RouteNetworkFirst
	// RouteCacheFirst 命中即返回，未命中时拉取并懒填充。
	RouteCacheFirst
)

func (r Route) String() string {
	switch r {
	case RouteNetworkFirst:
		return "network-first"
	case RouteCacheFirst:
		return "cache-first"
	default:
		return "passthrough"
	}
}

// Source 表示响应最终来自网络还是 content 区域。
type Source int

const (
	SourceNetwork Source = iota
	SourceCache
)

func (s Source) String() string {
	if s == SourceCache {
		return "cache"
	}
	return "network"
}

// Result 是一次 fetch 信号的处理结果。受管资源的响应已缓冲在 Response 中；
// 透传流量在 Fetcher 支持时以 Stream 返回，调用方负责关闭其 Body。
type Result struct {
	Response *fetch.Response
	Stream   *fetch.StreamResponse
	Key      string
	Route    Route
	Source   Source
	// Stored 表示本次网络响应的副本已写入 content。
	Stored bool
}

// Status 返回上游或缓存的状态码。
func (r *Result) Status() int {
	switch {
	case r == nil:
		return 0
	case r.Stream != nil:
		return r.Stream.Status
	case r.Response != nil:
		return r.Response.Status
	default:
		return 0
	}
}

// CacheHit 报告响应是否由缓存提供。
func (r *Result) CacheHit() bool {
	return r != nil && r.Source == SourceCache
}

// Classify 计算请求的 ResourceKey 与路由策略，非 GET 或不受管理的请求返回 passthrough。
func (a *Agent) Classify(req *fetch.Request) (string, Route) {
	if req == nil || !isGet(req.Method) {
		return "", RoutePassthrough
	}
	key, err := a.manifest.Classify(a.origin, req.URL)
	if err != nil {
		return "", RoutePassthrough
	}
	if key == manifest.RootKey {
		return key, RouteNetworkFirst
	}
	return key, RouteCacheFirst
}

// HandleFetch 处理一次 fetch 信号，要求 agent 处于 active。
func (a *Agent) HandleFetch(ctx context.Context, req *fetch.Request) (*Result, error) {
	if err := a.requireActive(); err != nil {
		return nil, err
	}
	key, route := a.Classify(req)
	switch route {
	case RouteNetworkFirst:
		return a.networkFirst(ctx, req, key)
	case RouteCacheFirst:
		return a.cacheFirst(ctx, req, key)
	default:
		return Passthrough(ctx, a.fetcher, req)
	}
}

// Passthrough 直接走网络，不读写缓存。fetcher 实现 fetch.Streamer 时响应体不缓冲。
func Passthrough(ctx context.Context, fetcher fetch.Fetcher, req *fetch.Request) (*Result, error) {
	if streamer, ok := fetcher.(fetch.Streamer); ok {
		stream, err := streamer.Stream(ctx, req)
		if err != nil {
			return nil, err
		}
		return &Result{Stream: stream, Route: RoutePassthrough, Source: SourceNetwork}, nil
	}
	resp, err := fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp, Route: RoutePassthrough, Source: SourceNetwork}, nil
}

func (a *Agent) networkFirst(ctx context.Context, req *fetch.Request, key string) (*Result, error) {
	resp, err := a.fetcher.Fetch(ctx, req)
	if err == nil {
		stored := a.fill(ctx, req.URL, key, RouteNetworkFirst, resp)
		return &Result{Response: resp, Key: key, Route: RouteNetworkFirst, Source: SourceNetwork, Stored: stored}, nil
	}

	cached, cerr := a.lookup(ctx, req.URL)
	if cerr != nil {
		return nil, err
	}
	a.logRoute(key, RouteNetworkFirst, SourceCache).WithError(err).Info("网络不可用，回退缓存")
	return &Result{Response: cached, Key: key, Route: RouteNetworkFirst, Source: SourceCache}, nil
}

func (a *Agent) cacheFirst(ctx context.Context, req *fetch.Request, key string) (*Result, error) {
	cached, err := a.lookup(ctx, req.URL)
	if err == nil {
		return &Result{Response: cached, Key: key, Route: RouteCacheFirst, Source: SourceCache}, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		a.logRoute(key, RouteCacheFirst, SourceCache).WithError(err).Warn("读取缓存失败，改走网络")
	}

	resp, err := a.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	stored := a.fill(ctx, req.URL, key, RouteCacheFirst, resp)
	return &Result{Response: resp, Key: key, Route: RouteCacheFirst, Source: SourceNetwork, Stored: stored}, nil
}

// lookup 在 content 区域按请求标识精确匹配。
func (a *Agent) lookup(ctx context.Context, url string) (*fetch.Response, error) {
	content, err := a.openRegion(ctx, a.regions.Content)
	if err != nil {
		return nil, err
	}
	result, err := content.Match(ctx, url)
	if err != nil {
		return nil, err
	}
	defer result.Reader.Close()

	body, err := io.ReadAll(result.Reader)
	if err != nil {
		return nil, err
	}
	header := result.Entry.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &fetch.Response{Status: result.Entry.Status, Header: header, Body: body}, nil
}

// fill 把响应副本写入 content。仅缓存 200，写入失败只记录日志。
func (a *Agent) fill(ctx context.Context, url, key string, route Route, resp *fetch.Response) bool {
	if resp.Status != http.StatusOK {
		return false
	}
	content, err := a.openRegion(ctx, a.regions.Content)
	if err == nil {
		copied := resp.Clone()
		_, err = content.Put(ctx, url, bytes.NewReader(copied.Body), cache.PutOptions{
			Status:  copied.Status,
			Header:  copied.Header,
			ModTime: time.Now(),
		})
	}
	if err != nil {
		a.logRoute(key, route, SourceNetwork).WithError(err).Warn("写入缓存失败")
		return false
	}
	return true
}

func (a *Agent) logRoute(key string, route Route, source Source) *logrus.Entry {
	fields := logging.RequestFields(key, route.String(), source.String(), source == SourceCache)
	fields["agent_version"] = a.Version()
	return a.logger.WithFields(fields)
}

func isGet(method string) bool {
	return method == "" || method == http.MethodGet
}
