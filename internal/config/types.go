package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的缓存存储驱动。
const (
	StorageDriverFS     = "fs"
	StorageDriverMemory = "memory"
	StorageDriverSQLite = "sqlite"
	StorageDriverRedis  = "redis"
)

// 支持的再验证模式，对应 fetch.ValidationMode。
const (
	ValidationModeETag         = "etag"
	ValidationModeLastModified = "last-modified"
	ValidationModeNever        = "never"
)

// GlobalConfig 描述全局运行时行为，所有 App 共享同一份存储与上游客户端。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFormat          string   `mapstructure:"LogFormat"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StorageDriver      string   `mapstructure:"StorageDriver"`
	StoragePath        string   `mapstructure:"StoragePath"`
	RedisAddr          string   `mapstructure:"RedisAddr"`
	RedisPassword      string   `mapstructure:"RedisPassword"`
	RedisDB            int      `mapstructure:"RedisDB"`
	MemoryCacheEntries int      `mapstructure:"MemoryCacheEntries"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	ClientIdleTimeout  Duration `mapstructure:"ClientIdleTimeout"`
	// TrustedProxies 列出 TLS 终结代理的 IP 或 CIDR，只有来自这些地址的
	// X-Forwarded-Proto 会被用于计算页面 origin。
	TrustedProxies []string `mapstructure:"TrustedProxies"`
}

// AppConfig 描述一个离线应用：对应浏览器里的一份 service worker 注册。
// 除 Name/Domain/Upstream 外，其余字段在启动后不可变。
type AppConfig struct {
	Name                   string   `mapstructure:"Name"`
	Domain                 string   `mapstructure:"Domain"`
	Upstream               string   `mapstructure:"Upstream"`
	Version                string   `mapstructure:"Version"`
	CachePrefix            string   `mapstructure:"CachePrefix"`
	OfflineFallback        string   `mapstructure:"OfflineFallback"`
	EnsureIsolationHeaders *bool    `mapstructure:"EnsureIsolationHeaders"`
	NavigationPreload      *bool    `mapstructure:"NavigationPreload"`
	EagerResources         []string `mapstructure:"EagerResources"`
	LazyResources          []string `mapstructure:"LazyResources"`
	ValidationMode         string   `mapstructure:"ValidationMode"`
	FetchTimeout           Duration `mapstructure:"FetchTimeout"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Apps   []AppConfig  `mapstructure:"App"`
}

// IsolationEnabled 返回是否强制 COEP/COOP 响应头，未配置时默认开启。
func (a AppConfig) IsolationEnabled() bool {
	if a.EnsureIsolationHeaders == nil {
		return true
	}
	return *a.EnsureIsolationHeaders
}

// PreloadEnabled 返回激活后是否开启导航预加载，未配置时默认开启。
func (a AppConfig) PreloadEnabled() bool {
	if a.NavigationPreload == nil {
		return true
	}
	return *a.NavigationPreload
}

// Namespace 返回当前版本的缓存命名空间：前缀 + 版本号。
func (a AppConfig) Namespace() string {
	return a.CachePrefix + a.Version
}

// UpstreamBase 解析 Upstream 并保证路径以 "/" 结尾，资源标识按此目录解析。
func (a AppConfig) UpstreamBase() (*url.URL, error) {
	parsed, err := url.Parse(a.Upstream)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("upstream %q must be an absolute URL", a.Upstream)
	}
	if parsed.Path == "" || parsed.Path[len(parsed.Path)-1] != '/' {
		parsed.Path += "/"
		if parsed.RawPath != "" {
			parsed.RawPath += "/"
		}
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed, nil
}

// Summaries 返回所有 App 的 name:namespace 摘要，供启动日志使用。
func Summaries(apps []AppConfig) []string {
	if len(apps) == 0 {
		return nil
	}
	result := make([]string, len(apps))
	for i, app := range apps {
		result[i] = fmt.Sprintf("%s:%s", app.Name, app.Namespace())
	}
	return result
}

// BoolPtr 便于在测试与默认值中构造 *bool。
func BoolPtr(v bool) *bool {
	return &v
}
