package routes

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/gdpr-cache/internal/engine"
	"github.com/any-hub/gdpr-cache/internal/server"
	"github.com/any-hub/gdpr-cache/internal/uow"
	"github.com/any-hub/gdpr-cache/internal/worker"
)

// Engine 是路由层依赖的引擎命令集合。
type Engine interface {
	Begin() *uow.Unit
	Finish(ctx context.Context, u *uow.Unit)
	Resolve(ctx context.Context, u *uow.Unit, rawURL string) string
	RewriteHTML(ctx context.Context, u *uow.Unit, html string) string
	RunPending(ctx context.Context) (worker.DrainResult, error)
	CheckStaleness(ctx context.Context) (worker.SweepResult, error)
	Invalidate(ctx context.Context) (int, error)
	Purge(ctx context.Context) (int, error)
	Refresh(ctx context.Context) (engine.RefreshResult, error)
	Status(ctx context.Context) engine.Status
}

// RegisterEngineRoutes 暴露 /-/ 下的集成接口（resolve、rewrite）与管理接口。
// 每个请求即一个工作单元，结束时统一写入引用记录。
func RegisterEngineRoutes(app *fiber.App, eng Engine, logger *logrus.Logger) {
	if app == nil || eng == nil {
		return
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Get("/-/resolve", func(c fiber.Ctx) error {
		raw := strings.TrimSpace(c.Query("url"))
		if raw == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "url_required"})
		}
		ctx := requestContext(c)
		u := eng.Begin()
		defer eng.Finish(ctx, u)
		return c.JSON(fiber.Map{"url": eng.Resolve(ctx, u, raw)})
	})

	app.Post("/-/rewrite", func(c fiber.Ctx) error {
		ctx := requestContext(c)
		u := eng.Begin()
		defer eng.Finish(ctx, u)
		out := eng.RewriteHTML(ctx, u, string(c.Body()))
		c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
		return c.SendString(out)
	})

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(eng.Status(requestContext(c)))
	})

	app.Post("/-/invalidate", func(c fiber.Ctx) error {
		n, err := eng.Invalidate(requestContext(c))
		if err != nil {
			return commandFailed(c, logger, "invalidate", err)
		}
		return c.JSON(fiber.Map{"invalidated": n})
	})

	app.Post("/-/purge", func(c fiber.Ctx) error {
		n, err := eng.Purge(requestContext(c))
		if err != nil {
			return commandFailed(c, logger, "purge", err)
		}
		return c.JSON(fiber.Map{"removed": n})
	})

	app.Post("/-/refresh", func(c fiber.Ctx) error {
		result, err := eng.Refresh(requestContext(c))
		if err != nil {
			return commandFailed(c, logger, "refresh", err)
		}
		return c.JSON(result)
	})

	app.Post("/-/worker/run", func(c fiber.Ctx) error {
		result, err := eng.RunPending(requestContext(c))
		if err != nil {
			return commandFailed(c, logger, "run_pending", err)
		}
		if result.Busy {
			return c.Status(fiber.StatusConflict).JSON(result)
		}
		return c.JSON(result)
	})

	app.Post("/-/worker/sweep", func(c fiber.Ctx) error {
		result, err := eng.CheckStaleness(requestContext(c))
		if err != nil {
			return commandFailed(c, logger, "check_staleness", err)
		}
		if result.Rescheduled {
			return c.Status(fiber.StatusAccepted).JSON(result)
		}
		return c.JSON(result)
	})
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func commandFailed(c fiber.Ctx, logger *logrus.Logger, action string, err error) error {
	logger.WithFields(logrus.Fields{
		"action":     action,
		"request_id": server.RequestID(c),
	}).WithError(err).Error("admin command failed")
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": action + "_failed"})
}
