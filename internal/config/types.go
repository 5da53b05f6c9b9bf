package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/shellcache/internal/cache"
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

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
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

// GlobalConfig 描述进程级运行参数：监听、日志、存储与上游请求。
type GlobalConfig struct {
	ListenPort       int      `mapstructure:"ListenPort"`
	LogLevel         string   `mapstructure:"LogLevel"`
	LogFilePath      string   `mapstructure:"LogFilePath"`
	LogMaxSize       int      `mapstructure:"LogMaxSize"`
	LogMaxBackups    int      `mapstructure:"LogMaxBackups"`
	LogCompress      bool     `mapstructure:"LogCompress"`
	StoragePath      string   `mapstructure:"StoragePath"`
	StoreDriver      string   `mapstructure:"StoreDriver"`
	FetchConcurrency int      `mapstructure:"FetchConcurrency"`
	UpstreamTimeout  Duration `mapstructure:"UpstreamTimeout"`
}

// ShellConfig 决定 agent 服务的应用：客户端 origin、真实上游与 manifest 位置。
type ShellConfig struct {
	Origin        string `mapstructure:"Origin"`
	Upstream      string `mapstructure:"Upstream"`
	ManifestPath  string `mapstructure:"ManifestPath"`
	WatchManifest bool   `mapstructure:"WatchManifest"`
	SkipWaiting   bool   `mapstructure:"SkipWaiting"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig  `mapstructure:",squash"`
	Shell   ShellConfig   `mapstructure:",squash"`
	Regions cache.Regions `mapstructure:"Regions"`
}
