package proxy

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/agent"
	"github.com/any-hub/shellcache/internal/fetch"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/manifest"
	"github.com/any-hub/shellcache/internal/server"
)

// 响应头：标记缓存命中与路由策略，便于排查。
const (
	HeaderCacheHit   = "X-Shell-Cache-Hit"
	HeaderCacheRoute = "X-Shell-Cache-Route"
)

// Dispatcher 把 fetch 信号交给当前 agent 版本，通常是 *agent.Runtime。
type Dispatcher interface {
	Fetch(ctx context.Context, req *fetch.Request) (*agent.Result, error)
}

// Handler 将 Fiber 请求转换为 fetch 信号，交给 Runtime 按路由策略处理，
// 再把结果（缓存或网络响应）写回客户端。
type Handler struct {
	runtime Dispatcher
	origin  string
	logger  *logrus.Logger
}

// NewHandler constructs a proxy handler bound to the client-facing origin.
func NewHandler(runtime Dispatcher, origin string, logger *logrus.Logger) (*Handler, error) {
	if runtime == nil {
		return nil, errors.New("runtime is required")
	}
	normalized, err := manifest.NormalizeOrigin(origin)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{runtime: runtime, origin: normalized, logger: logger}, nil
}

// Handle 实现 server.ProxyHandler。网络失败且无缓存可用时返回 502。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	req := h.buildRequest(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := h.runtime.Fetch(ctx, req)
	if err != nil {
		h.logResult(req, nil, requestID, started, err)
		if requestID != "" {
			c.Set("X-Request-ID", requestID)
		}
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	h.logResult(req, result, requestID, started, nil)
	return h.writeResult(c, result, requestID)
}

// buildRequest 以配置的 origin 拼出请求标识，客户端实际访问的 Host 不参与计算。
func (h *Handler) buildRequest(c fiber.Ctx) *fetch.Request {
	header := fiberHeadersAsHTTP(c)
	header.Del("Host")
	header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Proto", c.Protocol())

	var body []byte
	if raw := c.Body(); len(raw) > 0 {
		body = append([]byte(nil), raw...)
	}
	return &fetch.Request{
		Method: c.Method(),
		URL:    h.origin + server.RequestTarget(c),
		Header: header,
		Body:   body,
	}
}

func (h *Handler) writeResult(c fiber.Ctx, result *agent.Result, requestID string) error {
	if result.Stream != nil {
		return h.writeStream(c, result, requestID)
	}
	resp := result.Response
	h.writeHeaders(c, result, resp.Header, requestID)
	return c.Status(statusOrOK(resp.Status)).Send(resp.Body)
}

// writeStream 边读边写透传响应，fasthttp 写完后负责关闭上游 Body。
func (h *Handler) writeStream(c fiber.Ctx, result *agent.Result, requestID string) error {
	stream := result.Stream
	h.writeHeaders(c, result, stream.Header, requestID)
	size := -1
	if stream.ContentLength >= 0 {
		size = int(stream.ContentLength)
	}
	return c.Status(statusOrOK(stream.Status)).SendStream(stream.Body, size)
}

func (h *Handler) writeHeaders(c fiber.Ctx, result *agent.Result, header http.Header, requestID string) {
	copyResponseHeaders(c, header)
	c.Response().Header.Del("Content-Length")
	c.Set(HeaderCacheHit, strconv.FormatBool(result.CacheHit()))
	c.Set(HeaderCacheRoute, result.Route.String())
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func statusOrOK(status int) int {
	if status == 0 {
		return http.StatusOK
	}
	return status
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(req *fetch.Request, result *agent.Result, requestID string, started time.Time, err error) {
	var fields logrus.Fields
	if result != nil {
		fields = logging.RequestFields(result.Key, result.Route.String(), result.Source.String(), result.CacheHit())
		fields["upstream_status"] = result.Status()
		fields["streamed"] = result.Stream != nil
		fields["stored"] = result.Stored
	} else {
		fields = logging.RequestFields("", "", "", false)
	}
	fields["action"] = "proxy"
	fields["method"] = req.Method
	fields["url"] = req.URL
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
