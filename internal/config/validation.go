package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var supportedStorageDrivers = map[string]struct{}{
	StorageDriverFS:     {},
	StorageDriverMemory: {},
	StorageDriverSQLite: {},
	StorageDriverRedis:  {},
}

const supportedStorageDriverList = "fs|memory|sqlite|redis"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, ok := supportedStorageDrivers[g.StorageDriver]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 "+supportedStorageDriverList)
	}
	switch g.StorageDriver {
	case StorageDriverFS, StorageDriverSQLite:
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "不能为空")
		}
	case StorageDriverRedis:
		if strings.TrimSpace(g.RedisAddr) == "" {
			return newFieldError("Global.RedisAddr", "redis 驱动必须配置地址")
		}
	}
	if g.MemoryCacheEntries < 0 {
		return newFieldError("Global.MemoryCacheEntries", "不能为负数")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	for _, proxy := range g.TrustedProxies {
		if net.ParseIP(proxy) == nil {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return newFieldError("Global.TrustedProxies", fmt.Sprintf("%s 不是合法的 IP 或 CIDR", proxy))
			}
		}
	}

	if len(c.Apps) == 0 {
		return errors.New("至少需要配置一个 App")
	}

	seenNames := map[string]struct{}{}
	prefixes := make([]string, 0, len(c.Apps))
	for i := range c.Apps {
		app := &c.Apps[i]
		if app.Name == "" {
			return newFieldError("App[].Name", "不能为空")
		}
		if _, exists := seenNames[app.Name]; exists {
			return newFieldError(appField(app.Name, "Name"), "重复")
		}
		seenNames[app.Name] = struct{}{}

		if err := validateDomain(app.Domain); err != nil {
			return fmt.Errorf("%s: %w", appField(app.Name, "Domain"), err)
		}
		if err := validateUpstream(app.Upstream); err != nil {
			return fmt.Errorf("%s: %w", appField(app.Name, "Upstream"), err)
		}
		if strings.TrimSpace(app.Version) == "" {
			return newFieldError(appField(app.Name, "Version"), "不能为空")
		}
		if app.CachePrefix == "" {
			return newFieldError(appField(app.Name, "CachePrefix"), "不能为空")
		}
		for _, other := range prefixes {
			if strings.HasPrefix(app.CachePrefix, other) || strings.HasPrefix(other, app.CachePrefix) {
				return newFieldError(appField(app.Name, "CachePrefix"), fmt.Sprintf("与 %s 存在前缀重叠", other))
			}
		}
		prefixes = append(prefixes, app.CachePrefix)

		if strings.TrimSpace(app.OfflineFallback) == "" {
			return newFieldError(appField(app.Name, "OfflineFallback"), "不能为空")
		}
		if err := validateResources(app); err != nil {
			return err
		}

		switch app.ValidationMode {
		case ValidationModeETag, ValidationModeLastModified, ValidationModeNever:
		default:
			return newFieldError(appField(app.Name, "ValidationMode"), "仅支持 etag/last-modified/never")
		}
	}

	return nil
}

// validateResources 保证 eager/lazy 两个集合互不相交，且标识符只是文件名。
func validateResources(app *AppConfig) error {
	eager := make(map[string]struct{}, len(app.EagerResources))
	for _, id := range app.EagerResources {
		if strings.Contains(id, "/") {
			return newFieldError(appField(app.Name, "EagerResources"), fmt.Sprintf("%s 不应包含路径分隔符", id))
		}
		eager[id] = struct{}{}
	}
	for _, id := range app.LazyResources {
		if strings.Contains(id, "/") {
			return newFieldError(appField(app.Name, "LazyResources"), fmt.Sprintf("%s 不应包含路径分隔符", id))
		}
		if _, dup := eager[id]; dup {
			return newFieldError(appField(app.Name, "LazyResources"), fmt.Sprintf("%s 已在 EagerResources 中声明", id))
		}
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
