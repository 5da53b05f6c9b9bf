package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// captureOutput 在测试期间把 stdOut/stdErr 替换为内存缓冲，结束后恢复。
func captureOutput(t *testing.T) (out, errOut *bytes.Buffer) {
	t.Helper()
	out, errOut = &bytes.Buffer{}, &bytes.Buffer{}
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = out, errOut
	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
	return out, errOut
}

// configFixture 返回 internal/config/testdata 下的配置样例，测试以包目录为工作目录。
func configFixture(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join("internal", "config", "testdata", name)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("配置样例不存在: %v", err)
	}
	return path
}

// writeConfigFile 写入临时 TOML 配置并返回路径。
func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}
