package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/any-hub/shellcache/internal/manifest"
	"github.com/any-hub/shellcache/internal/server"
)

// Client 把面向客户端 origin 的 URL 映射到真实上游并发起请求。
type Client struct {
	http     *http.Client
	origin   string
	upstream *url.URL
}

// NewClient 构建上游 Fetcher，origin 为客户端看到的地址，upstream 为源站地址。
func NewClient(httpClient *http.Client, origin, upstream string) (*Client, error) {
	if httpClient == nil {
		return nil, errors.New("http client is required")
	}
	normalized, err := manifest.NormalizeOrigin(origin)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("仅支持 http/https，上游: %s", upstream)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("上游缺少 Host: %s", upstream)
	}
	return &Client{http: httpClient, origin: normalized, upstream: base}, nil
}

// Origin 返回规整后的客户端 origin。
func (c *Client) Origin() string {
	return c.origin
}

// Fetch 实现 Fetcher：读取完整响应体，供需要写入缓存的请求使用。
func (c *Client) Fetch(ctx context.Context, req *Request) (*Response, error) {
	stream, err := c.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Body.Close()

	payload, err := io.ReadAll(stream.Body)
	if err != nil {
		return nil, &NetworkError{URL: req.URL, Err: fmt.Errorf("read body: %w", err)}
	}
	return &Response{
		Status: stream.Status,
		Header: stream.Header,
		Body:   payload,
	}, nil
}

// Stream 实现 Streamer：响应体不缓冲，调用方负责关闭 Body。
func (c *Client) Stream(ctx context.Context, req *Request) (*StreamResponse, error) {
	if req == nil {
		return nil, errors.New("request is nil")
	}
	httpReq, err := c.newUpstreamRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{URL: req.URL, Err: err}
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	header.Del("Content-Length")
	return &StreamResponse{
		Status:        resp.StatusCode,
		Header:        header,
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
	}, nil
}

func (c *Client) newUpstreamRequest(ctx context.Context, req *Request) (*http.Request, error) {
	target, err := c.Target(req.URL)
	if err != nil {
		return nil, err
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	server.CopyHeaders(httpReq.Header, req.Header)
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Header.Del("Host")
	httpReq.Host = target.Host
	if req.NoCache {
		httpReq.Header.Set("Cache-Control", "no-cache")
		httpReq.Header.Set("Pragma", "no-cache")
		httpReq.Header.Del("If-None-Match")
		httpReq.Header.Del("If-Modified-Since")
	}
	return httpReq, nil
}

// Target 将 origin 下的 URL 改写为上游 URL，保留路径与查询串。
func (c *Client) Target(raw string) (*url.URL, error) {
	if !strings.HasPrefix(raw, c.origin) {
		return nil, fmt.Errorf("url %s is outside origin %s", raw, c.origin)
	}
	rest := raw[len(c.origin):]
	if rest == "" {
		rest = "/"
	}
	if rest[0] != '/' {
		return nil, fmt.Errorf("url %s is outside origin %s", raw, c.origin)
	}
	if idx := strings.IndexByte(rest, '#'); idx >= 0 {
		rest = rest[:idx]
	}
	base := strings.TrimSuffix(c.upstream.String(), "/")
	target, err := url.Parse(base + rest)
	if err != nil {
		return nil, fmt.Errorf("build upstream url: %w", err)
	}
	return target, nil
}
