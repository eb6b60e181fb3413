package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/pwa-hub/internal/fetch"
	"github.com/any-hub/pwa-hub/internal/logging"
	"github.com/any-hub/pwa-hub/internal/server"
	"github.com/any-hub/pwa-hub/internal/worker"
)

// HeaderSource 标识响应来源：network/cache/offline/synthetic/passthrough。
const HeaderSource = "X-Pwa-Hub-Source"

// Handler 把 Fiber 请求转换为上游 *http.Request，交由 App 的 fetch.Engine 决策，
// 再把结果写回客户端。
type Handler struct {
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler with a shared logger.
func NewHandler(logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{logger: logger}
}

// Serve 执行一次代理：Engine.Serve 永不失败，因此只有回写阶段可能出错。
func (h *Handler) Serve(c fiber.Ctx, route *server.AppRoute, app *worker.App) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := h.buildUpstreamRequest(ctx, c, route, app)
	if err != nil {
		h.logResult(route, app, "", requestID, fetch.Result{}, started, err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}

	result := app.Engine.Serve(ctx, req)
	resp := result.Response
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderSource, string(result.Source))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(route, app, req.URL.String(), requestID, result, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, app, req.URL.String(), requestID, result, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) buildUpstreamRequest(ctx context.Context, c fiber.Ctx, route *server.AppRoute, app *worker.App) (*http.Request, error) {
	upstream := app.UpstreamURL(string(c.Request().URI().Path()), string(c.Request().URI().QueryString()))

	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}
	req, err := http.NewRequestWithContext(ctx, c.Method(), upstream.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = upstream.Host
	req.Header.Set("Host", upstream.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Scheme())
	req.Header.Set("X-Forwarded-Port", routePort(route))
	return req, nil
}

func (h *Handler) logResult(
	route *server.AppRoute,
	app *worker.App,
	upstream string,
	requestID string,
	result fetch.Result,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		route.Namespace,
		string(result.Source),
		result.Classification.Navigation,
		result.Classification.Cacheable,
	)
	fields["action"] = "proxy"
	fields["upstream"] = upstream
	if result.Response != nil {
		fields["status"] = result.Response.StatusCode
	}
	if app != nil {
		fields["state"] = string(app.Controller.State())
	}
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

func routePort(route *server.AppRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return fmt.Sprintf("%d", route.ListenPort)
}
