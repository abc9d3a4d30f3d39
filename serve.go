package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/gdpr-cache/internal/config"
	"github.com/any-hub/gdpr-cache/internal/engine"
	"github.com/any-hub/gdpr-cache/internal/scheduler"
	"github.com/any-hub/gdpr-cache/internal/server"
	"github.com/any-hub/gdpr-cache/internal/server/routes"
)

const shutdownTimeout = 10 * time.Second

// serve 在同一个 errgroup 中运行 HTTP 服务与周期调度，收到 SIGINT/SIGTERM 后依次停止。
func serve(cfg *config.Config, eng *engine.Engine, logger *logrus.Logger) error {
	app, err := newHTTPApp(cfg, eng, logger)
	if err != nil {
		return err
	}
	sched, err := scheduler.New(eng, scheduler.Options{
		WorkerSchedule:  cfg.Global.WorkerSchedule,
		StaleSchedule:   cfg.Global.StaleSchedule,
		StaleRetryDelay: cfg.Global.StaleRetryDelay.DurationValue(),
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	group, ctx := errgroup.WithContext(ctx)

	port := cfg.Global.ListenPort
	group.Go(func() error {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		return app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	})
	group.Go(func() error {
		return sched.Run(ctx)
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.WithField("action", "shutdown").Info("正在停止服务")
		return app.ShutdownWithContext(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newHTTPApp(cfg *config.Config, eng *engine.Engine, logger *logrus.Logger) (*fiber.App, error) {
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Files:      eng.Files(),
		PublicPath: cfg.Global.PublicPath,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterEngineRoutes(app, eng, logger)
	return app, nil
}
