package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/server"
)

// Forwarder 包裹代理 handler，拦截 handler 缺失与 panic，保证客户端总能收到 JSON 错误。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder；handler 为空时每个请求都返回 500。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		return f.respondMissingHandler(c, requestID)
	}
	return f.invokeHandler(c, requestID)
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, requestID string) error {
	f.logProxyError(c, "proxy_handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "proxy_handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, r, requestID)
		}
	}()
	return f.handler.Handle(c)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, recovered interface{}, requestID string) error {
	f.logProxyError(c, "proxy_handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "proxy_handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logProxyError(c fiber.Ctx, code string, err error, requestID string) {
	fields := logrus.Fields{
		"action": "proxy",
		"error":  code,
		"method": c.Method(),
		"path":   server.RequestTarget(c),
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("proxy handler unavailable")
}
