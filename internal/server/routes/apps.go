package routes

import (
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/pwa-hub/internal/cache"
	"github.com/any-hub/pwa-hub/internal/worker"
)

// RegisterAppRoutes 暴露 /-/apps 诊断接口，供 SRE 查询各 App 的生命周期状态与缓存内容。
func RegisterAppRoutes(app *fiber.App, workers *worker.Set, storage cache.Storage) {
	if app == nil || workers == nil {
		return
	}

	app.Get("/-/apps", func(c fiber.Ctx) error {
		apps := workers.Apps()
		payload := make([]appPayload, 0, len(apps))
		for _, item := range apps {
			payload = append(payload, encodeApp(item))
		}
		return c.JSON(fiber.Map{"apps": payload})
	})

	app.Get("/-/apps/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "app_name_required"})
		}
		item, ok := workers.Get(name)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "app_not_found"})
		}
		detail := appDetailPayload{appPayload: encodeApp(item), Clients: item.Clients.List()}
		if storage != nil {
			keys, err := cachedKeys(c, storage, item.Controller.Namespace())
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_unavailable"})
			}
			detail.CachedKeys = keys
			namespaces, err := storage.Namespaces(c.Context())
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_unavailable"})
			}
			detail.Namespaces = cache.OwnedNamespaces(namespaces, item.Config.CachePrefix)
			if serving, err := item.Engine.ServingNamespace(c.Context()); err == nil {
				detail.ServingNamespace = serving
			}
		}
		return c.JSON(detail)
	})
}

type appPayload struct {
	Name        string `json:"name"`
	Domain      string `json:"domain"`
	Upstream    string `json:"upstream"`
	Version     string `json:"version"`
	Namespace   string `json:"namespace"`
	State       string `json:"state"`
	Preload     bool   `json:"navigation_preload"`
	Isolation   bool   `json:"isolation_headers"`
	ClientCount int    `json:"client_count"`
}

type appDetailPayload struct {
	appPayload
	Namespaces       []string `json:"namespaces,omitempty"`
	ServingNamespace string   `json:"serving_namespace"`
	CachedKeys       []string `json:"cached_keys"`
	Clients          any      `json:"clients"`
}

func encodeApp(item *worker.App) appPayload {
	return appPayload{
		Name:        item.Name(),
		Domain:      item.Config.Domain,
		Upstream:    item.Upstream.String(),
		Version:     item.Config.Version,
		Namespace:   item.Controller.Namespace(),
		State:       string(item.Controller.State()),
		Preload:     item.Engine.PreloadEnabled(),
		Isolation:   item.Config.IsolationEnabled(),
		ClientCount: item.Clients.Len(),
	}
}

// cachedKeys 只读取已存在的命名空间，避免诊断请求顺带创建空命名空间。
func cachedKeys(c fiber.Ctx, storage cache.Storage, namespace string) ([]string, error) {
	exists, err := storage.Has(c.Context(), namespace)
	if err != nil || !exists {
		return []string{}, err
	}
	store, err := storage.Open(c.Context(), namespace)
	if err != nil {
		return nil, err
	}
	keys, err := store.Keys(c.Context())
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}
