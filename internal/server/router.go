package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component that answers non-diagnostics requests.
// It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Proxy      ProxyHandler
	ListenPort int
}

const contextKeyRequestID = "_shellcache_request_id"

// DiagnosticsPrefix 标记不进入代理、由 routes 包处理的内部接口。
const DiagnosticsPrefix = "/-/"

// NewApp builds a Fiber application with request-id middleware, panic
// recovery, and a catch-all route that forwards to the proxy handler.
// Diagnostics routes must be registered on the returned app afterwards.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  errorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return opts.Proxy.Handle(c)
	})

	return app, nil
}

// requestIDMiddleware 为每个请求生成 ID，写入 Locals 与响应头。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// errorHandler 统一输出 JSON 错误体，未匹配的诊断路由返回 route_not_found。
func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		code := "internal_error"
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
			code = strings.ToLower(strings.ReplaceAll(fe.Message, " ", "_"))
		}
		if status == fiber.StatusNotFound {
			code = "route_not_found"
		}
		if status >= fiber.StatusInternalServerError {
			logger.WithFields(logrus.Fields{
				"action":     "http_error",
				"path":       string(c.Request().URI().Path()),
				"request_id": RequestID(c),
			}).WithError(err).Error("请求处理失败")
		}
		return c.Status(status).JSON(fiber.Map{"error": code})
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, DiagnosticsPrefix)
}

// RequestTarget 返回请求目标的 origin-form（路径加查询串）。
// absolute-form 请求（GET http://host/path）同样只取路径部分，不带 scheme 与 host。
func RequestTarget(c fiber.Ctx) string {
	target := string(c.Request().URI().RequestURI())
	if target == "" {
		return "/"
	}
	return target
}
