package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/logging"
)

type upstreamCounter struct {
	mu   sync.Mutex
	hits map[string]int
}

func (u *upstreamCounter) count(path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[path]
}

func newShellUpstream(t *testing.T) (*httptest.Server, *upstreamCounter) {
	t.Helper()
	bodies := map[string]string{
		"/":             "<html>root</html>",
		"/index.html":   "<html>index</html>",
		"/main.dart.js": "main-v1",
		"/flutter.js":   "flutter-v1",
	}
	counter := &upstreamCounter{hits: map[string]int{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counter.mu.Lock()
		counter.hits[r.URL.Path]++
		counter.mu.Unlock()
		body, ok := bodies[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, counter
}

func writeManifest(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "manifest.json")
	content := `{
  "resources": {"/": "r1", "index.html": "i1", "main.dart.js": "m1", "flutter.js": "f1"},
  "core": ["/", "index.html"]
}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入 manifest 失败: %v", err)
	}
	return path
}

func testConfig(dir, upstream, manifestPath string) *config.Config {
	regions := cache.DefaultRegions()
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort:       5000,
			StoragePath:      filepath.Join(dir, "storage"),
			StoreDriver:      cache.DriverSQLite,
			FetchConcurrency: 2,
		},
		Shell: config.ShellConfig{
			Origin:       "https://app.example.com",
			Upstream:     upstream,
			ManifestPath: manifestPath,
			SkipWaiting:  true,
		},
		Regions: regions,
	}
}

func TestBuildServiceDeploysManifest(t *testing.T) {
	dir := t.TempDir()
	upstream, counter := newShellUpstream(t)
	cfg := testConfig(dir, upstream.URL, writeManifest(t, dir))

	svc, err := buildService(context.Background(), cfg, logging.Discard(), "test")
	if err != nil {
		t.Fatalf("构建服务失败: %v", err)
	}
	defer svc.Close()

	status := svc.runtime.Status()
	if status.Active == nil || status.Active.Resources != 4 || status.Active.Core != 2 {
		t.Fatalf("初始部署后应存在 active 版本: %+v", status)
	}
	if counter.count("/index.html") != 1 {
		t.Fatalf("core 资源应在安装时拉取一次")
	}

	resp, err := svc.app.Test(httptest.NewRequest(http.MethodGet, "/index.html", nil))
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "<html>index</html>" {
		t.Fatalf("index.html 响应异常: %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Shell-Cache-Hit") != "true" {
		t.Fatalf("core 资源应命中缓存")
	}
	if counter.count("/index.html") != 1 {
		t.Fatalf("缓存命中不应访问上游")
	}

	resp, err = svc.app.Test(httptest.NewRequest(http.MethodPost, "/-/agent/message", strings.NewReader("downloadOffline")))
	if err != nil {
		t.Fatalf("消息请求失败: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("downloadOffline 应成功，得到 %d", resp.StatusCode)
	}
	var payload struct {
		Download struct {
			Fetched []string `json:"fetched"`
		} `json:"download"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("解析消息响应失败: %v", err)
	}
	if len(payload.Download.Fetched) != 2 {
		t.Fatalf("应补齐两个非 core 资源，得到 %v", payload.Download.Fetched)
	}
}

func TestBuildServiceWithoutManifestPassesThrough(t *testing.T) {
	dir := t.TempDir()
	upstream, counter := newShellUpstream(t)
	cfg := testConfig(dir, upstream.URL, filepath.Join(dir, "absent.json"))
	cfg.Global.StoreDriver = cache.DriverMemory

	svc, err := buildService(context.Background(), cfg, logging.Discard(), "test")
	if err != nil {
		t.Fatalf("manifest 缺失不应阻止启动: %v", err)
	}
	defer svc.Close()

	if svc.runtime.Status().Active != nil {
		t.Fatalf("没有 manifest 时不应存在 active 版本")
	}
	resp, err := svc.app.Test(httptest.NewRequest(http.MethodGet, "/main.dart.js", nil))
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Shell-Cache-Route") != "passthrough" {
		t.Fatalf("应透传到上游，得到 %d %s", resp.StatusCode, resp.Header.Get("X-Shell-Cache-Route"))
	}
	if counter.count("/main.dart.js") != 1 {
		t.Fatalf("透传请求应访问上游一次")
	}
}

func TestBuildServiceRejectsBadDriver(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir, "http://127.0.0.1:1", filepath.Join(dir, "absent.json"))
	cfg.Global.StoreDriver = "redis"
	if _, err := buildService(context.Background(), cfg, logging.Discard(), "test"); err == nil {
		t.Fatalf("未知驱动应返回错误")
	}
}
