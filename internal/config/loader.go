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

	"github.com/any-hub/shellcache/internal/cache"
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

	if err := rejectScalarRegions(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyShellDefaults(&cfg.Shell)
	applyRegionDefaults(&cfg.Regions)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	absManifest, err := filepath.Abs(cfg.Shell.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("无法解析 manifest 路径: %w", err)
	}
	cfg.Shell.ManifestPath = absManifest

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	regions := cache.DefaultRegions()

	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StoreDriver", cache.DriverFile)
	v.SetDefault("FetchConcurrency", 4)
	v.SetDefault("UpstreamTimeout", 0)
	v.SetDefault("ManifestPath", "./manifest.json")
	v.SetDefault("WatchManifest", false)
	v.SetDefault("SkipWaiting", true)
	v.SetDefault("Regions.Staging", regions.Staging)
	v.SetDefault("Regions.Content", regions.Content)
	v.SetDefault("Regions.ManifestRecord", regions.ManifestRecord)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.FetchConcurrency == 0 {
		g.FetchConcurrency = 4
	}
	g.StoreDriver = strings.ToLower(strings.TrimSpace(g.StoreDriver))
	if g.StoreDriver == "" {
		g.StoreDriver = cache.DriverFile
	}
	g.LogLevel = strings.ToLower(strings.TrimSpace(g.LogLevel))
}

func applyShellDefaults(s *ShellConfig) {
	s.Origin = strings.TrimSuffix(strings.TrimSpace(s.Origin), "/")
	s.Upstream = strings.TrimSpace(s.Upstream)
	if s.Upstream == "" {
		s.Upstream = s.Origin
	}
	if strings.TrimSpace(s.ManifestPath) == "" {
		s.ManifestPath = "./manifest.json"
	}
}

func applyRegionDefaults(r *cache.Regions) {
	defaults := cache.DefaultRegions()
	if strings.TrimSpace(r.Staging) == "" {
		r.Staging = defaults.Staging
	}
	if strings.TrimSpace(r.Content) == "" {
		r.Content = defaults.Content
	}
	if strings.TrimSpace(r.ManifestRecord) == "" {
		r.ManifestRecord = defaults.ManifestRecord
	}
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

// rejectScalarRegions 拦截把 Regions 写成字符串等非表结构的配置。
func rejectScalarRegions(v *viper.Viper) error {
	if !v.InConfig("Regions") {
		return nil
	}
	if _, ok := v.Get("Regions").(map[string]interface{}); !ok {
		return newFieldError("Regions", "必须是包含 Staging/Content/ManifestRecord 的表")
	}
	return nil
}
