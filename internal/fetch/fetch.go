// Package fetch 将“网络请求”抽象为不透明的异步操作：调用方只关心得到响应或失败，
// DNS/TLS/HTTP 细节由共享 http.Client 负责。
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Request 描述 agent 发出的一次网络请求，URL 为面向客户端 origin 的绝对地址。
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// NoCache 要求绕过传输层缓存，获取全新副本。
	NoCache bool
}

// NewRequest 构造 GET 请求。
func NewRequest(url string) *Request {
	return &Request{Method: http.MethodGet, URL: url, Header: http.Header{}}
}

// Response 是缓冲后的响应，可安全地多次读取与克隆。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK 与浏览器 Response.ok 语义一致：2xx 视为成功。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Clone 返回独立副本，写入缓存与返回给客户端的响应互不影响。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		Status: r.Status,
		Header: r.Header.Clone(),
		Body:   append([]byte(nil), r.Body...),
	}
}

// Fetcher 执行网络请求。只有网络层失败返回 error，非 2xx 状态仍是成功的响应。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// StreamResponse 是未缓冲的响应，只用于不写缓存的透传流量。
type StreamResponse struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
	// ContentLength 为 -1 表示未知长度。
	ContentLength int64
}

// Streamer 由能够边读边转发响应体的 Fetcher 实现。
type Streamer interface {
	Stream(ctx context.Context, req *Request) (*StreamResponse, error)
}

// NetworkError 标记网络层失败（连接失败、超时、上下文取消等）。
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
