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

// GatewayHandler describes the component responsible for resolving requests
// through the cache strategies or passing them through to the upstream.
// It allows injecting fake handlers during tests.
type GatewayHandler interface {
	Handle(fiber.Ctx) error
}

// GatewayHandlerFunc adapts a function to the GatewayHandler interface.
type GatewayHandlerFunc func(fiber.Ctx) error

// Handle makes GatewayHandlerFunc satisfy GatewayHandler.
func (f GatewayHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Gateway    GatewayHandler
	ListenPort int
}

const contextKeyRequestID = "_edgeworker_request_id"

// NewApp builds a Fiber application with request-id middleware and a catch-all
// route that hands everything except the control surface to the gateway.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Gateway == nil {
		return nil, errors.New("gateway handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	app.All("/*", func(c fiber.Ctx) error {
		if isControlPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return opts.Gateway.Handle(c)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID 并回写 X-Request-ID 头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// isControlPath 判断是否是 /-/ 控制面路径，控制面绕过缓存路由。
func isControlPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
