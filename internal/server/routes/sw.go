package routes

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/pwa-hub/internal/clients"
	"github.com/any-hub/pwa-hub/internal/lifecycle"
	"github.com/any-hub/pwa-hub/internal/server"
	"github.com/any-hub/pwa-hub/internal/worker"
)

// HeaderClientID 标识控制消息的发送页面。
const HeaderClientID = "X-Client-ID"

const (
	defaultCommandWait = 25 * time.Second
	maxCommandWait     = 60 * time.Second
)

// RegisterWorkerRoutes 暴露页面与 worker 交互的 /-/sw 接口：控制消息、客户端注册与指令长轮询。
// 这些接口需要 Host 已映射到某个 App。
func RegisterWorkerRoutes(app *fiber.App, workers *worker.Set, logger *logrus.Logger) {
	if app == nil || workers == nil {
		return
	}

	app.Post("/-/sw/message", func(c fiber.Ctx) error {
		target, ok := lookupApp(c, workers)
		if !ok {
			return renderAppMissing(c)
		}
		msg := lifecycle.Message{
			Data:     string(c.Body()),
			Origin:   c.Get(fiber.HeaderOrigin),
			SourceID: strings.TrimSpace(c.Get(HeaderClientID)),
		}
		target.Clients.Touch(msg.SourceID, "")

		outcome, handleErr := target.Controller.HandleMessage(c.Context(), server.SelfOrigin(c), msg)
		payload := fiber.Map{
			"outcome": outcome,
			"state":   target.Controller.State(),
		}
		if handleErr != nil {
			payload["error"] = handleErr.Error()
		}
		// 消息为单向投递，总是返回 202。
		return c.Status(fiber.StatusAccepted).JSON(payload)
	})

	app.Post("/-/sw/clients", func(c fiber.Ctx) error {
		target, ok := lookupApp(c, workers)
		if !ok {
			return renderAppMissing(c)
		}
		var req struct {
			URL string `json:"url"`
		}
		if body := c.Body(); len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
			}
		}
		pageURL := strings.TrimSpace(req.URL)
		if pageURL == "" {
			pageURL = c.Get(fiber.HeaderReferer)
		}
		client := target.Clients.Register(pageURL)
		logger.WithFields(logrus.Fields{
			"action":    "client_register",
			"app":       target.Name(),
			"client_id": client.ID,
			"url":       pageURL,
		}).Debug("client_registered")
		return c.Status(fiber.StatusCreated).JSON(client)
	})

	app.Delete("/-/sw/clients/:id", func(c fiber.Ctx) error {
		target, ok := lookupApp(c, workers)
		if !ok {
			return renderAppMissing(c)
		}
		if !target.Clients.Unregister(c.Params("id")) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "client_not_found"})
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Get("/-/sw/clients/:id/commands", func(c fiber.Ctx) error {
		target, ok := lookupApp(c, workers)
		if !ok {
			return renderAppMissing(c)
		}
		wait, err := parseWait(c.Query("wait"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_wait"})
		}
		commands, err := target.Clients.Next(c.Context(), c.Params("id"), wait)
		if errors.Is(err, clients.ErrUnknownClient) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "client_not_found"})
		}
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "poll_aborted"})
		}
		return c.JSON(fiber.Map{"commands": commands})
	})
}

// lookupApp 返回 Host 对应的 worker。
func lookupApp(c fiber.Ctx, workers *worker.Set) (*worker.App, bool) {
	route, ok := server.RouteFromContext(c)
	if !ok {
		return nil, false
	}
	return workers.Get(route.Config.Name)
}

func renderAppMissing(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "host_unmapped"})
}

// parseWait 支持 Go Duration 字符串或纯秒数，空值使用默认等待时间，上限 maxCommandWait。
func parseWait(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultCommandWait, nil
	}
	wait, err := time.ParseDuration(raw)
	if err != nil {
		seconds, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, err
		}
		wait = time.Duration(seconds) * time.Second
	}
	if wait < 0 {
		return 0, errors.New("negative wait")
	}
	if wait > maxCommandWait {
		wait = maxCommandWait
	}
	return wait, nil
}
