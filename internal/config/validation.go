package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/manifest"
)

const supportedDriverList = "file|sqlite|memory"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("Global.LogLevel", "无法识别的日志级别")
		}
	}
	switch g.StoreDriver {
	case cache.DriverFile, cache.DriverSQLite:
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "不能为空")
		}
	case cache.DriverMemory:
	default:
		return newFieldError("Global.StoreDriver", "仅支持 "+supportedDriverList)
	}
	if g.FetchConcurrency < 0 {
		return newFieldError("Global.FetchConcurrency", "不能为负数")
	}
	if g.UpstreamTimeout.DurationValue() < 0 {
		return newFieldError("Global.UpstreamTimeout", "不能为负数")
	}

	s := c.Shell
	if s.Origin == "" {
		return newFieldError("Origin", "不能为空")
	}
	if _, err := manifest.NormalizeOrigin(s.Origin); err != nil {
		return fmt.Errorf("Origin: %w", err)
	}
	if err := validateUpstream(s.Upstream); err != nil {
		return fmt.Errorf("Upstream: %w", err)
	}
	if strings.TrimSpace(s.ManifestPath) == "" {
		return newFieldError("ManifestPath", "不能为空")
	}

	if err := c.validateRegions(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateRegions() error {
	fields := map[string]string{
		"Staging":        c.Regions.Staging,
		"Content":        c.Regions.Content,
		"ManifestRecord": c.Regions.ManifestRecord,
	}
	for field, name := range fields {
		if strings.TrimSpace(name) == "" {
			return newFieldError(regionField(field), "不能为空")
		}
	}
	if err := c.Regions.Validate(); err != nil {
		return fmt.Errorf("Regions: %w", err)
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
