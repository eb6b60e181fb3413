package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectAppLevelPorts(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Apps {
		applyAppDefaults(&cfg.Apps[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.StorageDriver == StorageDriverFS || cfg.Global.StorageDriver == StorageDriverSQLite {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFormat", "json")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StorageDriver", StorageDriverFS)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("RedisDB", 0)
	v.SetDefault("MemoryCacheEntries", 0)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("ClientIdleTimeout", "2m")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StorageDriver = strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if g.StorageDriver == "" {
		g.StorageDriver = StorageDriverFS
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.ClientIdleTimeout.DurationValue() == 0 {
		g.ClientIdleTimeout = Duration(2 * time.Minute)
	}
}

func applyAppDefaults(a *AppConfig) {
	a.Name = strings.TrimSpace(a.Name)
	if strings.TrimSpace(a.CachePrefix) == "" && a.Name != "" {
		a.CachePrefix = a.Name + "-sw-cache-"
	}
	if a.FetchTimeout.DurationValue() < 0 {
		a.FetchTimeout = Duration(0)
	}
	mode := strings.ToLower(strings.TrimSpace(a.ValidationMode))
	if mode == "" {
		mode = ValidationModeETag
	}
	a.ValidationMode = mode
	a.EagerResources = trimResources(a.EagerResources)
	a.LazyResources = trimResources(a.LazyResources)
}

func trimResources(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	result := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectAppLevelPorts 所有 App 共享全局 ListenPort，按 Host 区分。
func rejectAppLevelPorts(v *viper.Viper) error {
	raw := v.Get("App")
	apps, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range apps {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if _, exists := lookupFold(m, "Port"); exists {
			name := fmt.Sprintf("#%d", idx)
			if rawName, ok := lookupFold(m, "Name"); ok {
				if str, ok := rawName.(string); ok && str != "" {
					name = str
				}
			}
			return newFieldError(appField(name, "Port"), "不支持按 App 配置端口，请使用全局 ListenPort")
		}
	}

	return nil
}

// lookupFold 忽略大小写读取 map 字段，viper 可能已将嵌套键转为小写。
func lookupFold(m map[string]interface{}, key string) (interface{}, bool) {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}
