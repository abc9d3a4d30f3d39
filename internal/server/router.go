package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/gdpr-cache/internal/cache"
	"github.com/any-hub/gdpr-cache/internal/classify"
)

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger *logrus.Logger
	// Files is the on-disk cache served under PublicPath.
	Files      cache.Store
	PublicPath string
	ListenPort int
	// MaxAge is the Cache-Control max-age sent with cached files.
	MaxAge time.Duration
}

const contextKeyRequestID = "_gdprcache_request_id"

// NewApp builds a Fiber application with request-id middleware, structured
// error handling and the cached file route.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Files == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}
	publicPath := "/" + strings.Trim(opts.PublicPath, "/")
	if publicPath == "/" {
		return nil, errors.New("public path must not be the root")
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  errorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger))

	app.Get(publicPath+"/:file", func(c fiber.Ctx) error {
		return serveCachedFile(c, opts.Files, c.Params("file"), maxAge)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并在请求结束后输出访问日志。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := strings.TrimSpace(c.Get("X-Request-ID"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		started := time.Now()
		err := c.Next()

		logger.WithFields(logrus.Fields{
			"action":     "http_request",
			"request_id": reqID,
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     c.Response().StatusCode(),
			"elapsed_ms": time.Since(started).Milliseconds(),
		}).Debug("request served")
		return err
	}
}

func serveCachedFile(c fiber.Ctx, files cache.Store, name string, maxAge time.Duration) error {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	result, err := files.Get(ctx, name)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) || errors.Is(err, cache.ErrInvalidName) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "asset_not_found"})
		}
		return err
	}

	c.Set(fiber.HeaderContentType, contentTypeFor(name))
	c.Set(fiber.HeaderCacheControl, fmt.Sprintf("public, max-age=%d", int64(maxAge/time.Second)))
	c.Set(fiber.HeaderLastModified, result.Entry.ModTime.UTC().Format(time.RFC1123))
	c.Set("X-Content-Type-Options", "nosniff")
	c.Response().Header.SetContentLength(int(result.Entry.SizeBytes))
	c.Status(fiber.StatusOK)

	if c.Method() == fiber.MethodHead {
		return result.Reader.Close()
	}
	_, err = io.Copy(c.Response().BodyWriter(), result.Reader)
	result.Reader.Close()
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

// contentTypeFor 以文件后缀（即资源类型）推断 Content-Type。
func contentTypeFor(name string) string {
	kind := classify.Kind(strings.TrimPrefix(path.Ext(name), "."))
	if meta, ok := classify.Resolve(kind); ok && len(meta.ContentTypes) > 0 {
		contentType := meta.ContentTypes[0]
		if strings.HasPrefix(contentType, "text/") {
			contentType += "; charset=utf-8"
		}
		return contentType
	}
	return fiber.MIMEOctetStream
}

func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "internal_error"
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			code = fiberErr.Code
			message = strings.ToLower(strings.ReplaceAll(fiberErr.Message, " ", "_"))
		}
		if code >= fiber.StatusInternalServerError {
			logger.WithFields(logrus.Fields{
				"action":     "http_error",
				"request_id": RequestID(c),
				"path":       c.Path(),
			}).WithError(err).Error("request failed")
		}
		return c.Status(code).JSON(fiber.Map{"error": message})
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
