package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// testConfigPath 返回 testdata 下的样例配置，缺失时立即失败。
func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join("testdata", name)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("样例配置不存在: %v", err)
	}
	return path
}

// writeTempConfig 把内联 TOML 写入临时目录，便于针对单个字段构造配置。
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
