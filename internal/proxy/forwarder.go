package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/pwa-hub/internal/logging"
	"github.com/any-hub/pwa-hub/internal/server"
	"github.com/any-hub/pwa-hub/internal/worker"
)

// Forwarder 根据 AppRoute 的名称选择对应的 worker，再交给 Handler 处理。
// worker 缺失或处理过程 panic 时返回 JSON 500，保证调用方总能拿到响应。
type Forwarder struct {
	handler *Handler
	workers *worker.Set
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder，实现 server.ProxyHandler。
func NewForwarder(handler *Handler, workers *worker.Set, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		workers: workers,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.AppRoute) error {
	requestID := server.RequestID(c)
	app := f.lookup(route)
	if app == nil || f.handler == nil {
		return f.respondMissingWorker(c, route, requestID)
	}
	return f.invoke(c, route, app, requestID)
}

func (f *Forwarder) lookup(route *server.AppRoute) *worker.App {
	if route == nil {
		return nil
	}
	app, ok := f.workers.Get(route.Config.Name)
	if !ok {
		return nil
	}
	return app
}

func (f *Forwarder) respondMissingWorker(c fiber.Ctx, route *server.AppRoute, requestID string) error {
	f.logWorkerError(route, "worker_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "worker_missing"})
}

func (f *Forwarder) invoke(c fiber.Ctx, route *server.AppRoute, app *worker.App, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondWorkerPanic(c, route, r, requestID)
		}
	}()
	return f.handler.Serve(c, route, app)
}

func (f *Forwarder) respondWorkerPanic(c fiber.Ctx, route *server.AppRoute, recovered interface{}, requestID string) error {
	f.logWorkerError(route, "worker_panic", fmt.Errorf("panic: %v", recovered), requestID)
	c.Response().Reset()
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "worker_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logWorkerError(route *server.AppRoute, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := routeFields(route, requestID)
	fields["action"] = "proxy"
	fields["error"] = code
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("worker unavailable")
}

func routeFields(route *server.AppRoute, requestID string) logrus.Fields {
	if route == nil {
		return logrus.Fields{
			"app":       "",
			"domain":    "",
			"namespace": "",
		}
	}
	fields := logging.RequestFields(route.Config.Name, route.Config.Domain, route.Namespace, "", false, false)
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
