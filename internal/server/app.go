package server

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MirrorHandler 把分类后的请求交给代理层处理，测试时可注入假实现。
type MirrorHandler interface {
	Handle(fiber.Ctx, Route) error
}

// MirrorHandlerFunc adapts a function to the MirrorHandler interface.
type MirrorHandlerFunc func(fiber.Ctx, Route) error

// Handle makes MirrorHandlerFunc satisfy MirrorHandler.
func (f MirrorHandlerFunc) Handle(c fiber.Ctx, route Route) error {
	return f(c, route)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger  *logrus.Logger
	Handler MirrorHandler
}

const contextKeyRequestID = "_olahd_request_id"

const indexBanner = `<html><head><title>olahd</title></head>
<body><h1>olahd</h1><p>Self-hosted HuggingFace mirror. Point HF_ENDPOINT at this host.</p></body></html>`

// NewApp builds a Fiber application that mirrors the upstream Hub URL space.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("mirror handler is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	dispatch := func(c fiber.Ctx) error {
		route := Classify(string(c.Request().URI().Path()))
		switch route.Kind {
		case RouteIndex:
			c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
			return c.SendString(indexBanner)
		case RouteHealth:
			return c.JSON(fiber.Map{"status": "ok"})
		case RouteUnknown:
			return renderNotFound(c, opts.Logger)
		default:
			return opts.Handler.Handle(c, route)
		}
	}

	app.Get("/*", dispatch)
	app.Head("/*", dispatch)

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID 并回写到响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

func renderNotFound(c fiber.Ctx, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action": "classify",
		"path":   string(c.Request().URI().Path()),
	}).Warn("path outside mirror url space")

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "not_found",
	})
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
