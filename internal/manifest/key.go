package manifest

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// versionQueryMarker 之后的部分是构建工具追加的缓存破坏参数，查找前需要剥离。
const versionQueryMarker = "?v="

// ErrUnmanaged 表示请求不属于 manifest 管理的资源，应交给默认网络处理。
var ErrUnmanaged = errors.New("resource is not managed")

// NormalizeOrigin 将配置中的 origin 规整为 scheme://host[:port]，不带结尾斜杠。
func NormalizeOrigin(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse origin: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("origin must be http or https: %s", raw)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("origin missing host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return "", fmt.Errorf("origin must not contain a path: %s", raw)
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}

// Normalize 将请求 URL 转换为 ResourceKey：
//   - 从字面量 "?v=" 起（含）全部截掉；
//   - URL 等于 origin、以 origin+"/#" 开头或截取后为空时映射为 RootKey；
//   - 其余情况为去掉 origin 与其后斜杠的相对路径。
//
// 非本 origin 的 URL 返回 false。
func Normalize(origin, rawURL string) (string, bool) {
	rel, ok := relativeToOrigin(origin, rawURL)
	if !ok {
		return "", false
	}
	key := rel
	if idx := strings.Index(key, versionQueryMarker); idx >= 0 {
		key = key[:idx]
	}
	if rawURL == origin || strings.HasPrefix(rawURL, origin+"/#") || key == "" {
		key = RootKey
	}
	return key, true
}

// Classify 在 Normalize 的基础上判断 key 是否受当前 manifest 管理。
func (m *Manifest) Classify(origin, rawURL string) (string, error) {
	key, ok := Normalize(origin, rawURL)
	if !ok || !m.Contains(key) {
		return "", ErrUnmanaged
	}
	return key, nil
}

// RecordKey 从已缓存请求的 URL 推导 key，供 reconcile 与离线下载使用。
// 与 Normalize 不同，这里不剥离 "?v="：带版本参数写入的条目不会匹配任何 key。
func RecordKey(origin, requestURL string) (string, bool) {
	rel, ok := relativeToOrigin(origin, requestURL)
	if !ok {
		return "", false
	}
	if rel == "" {
		return RootKey, true
	}
	return rel, true
}

// ResourceURL 返回 key 在 origin 下对应的请求 URL，是 RecordKey 的逆运算。
func ResourceURL(origin, key string) string {
	if key == RootKey {
		return origin + "/"
	}
	return origin + "/" + key
}

func relativeToOrigin(origin, rawURL string) (string, bool) {
	if !strings.HasPrefix(rawURL, origin) {
		return "", false
	}
	rest := rawURL[len(origin):]
	if rest == "" {
		return "", true
	}
	if rest[0] != '/' {
		return "", false
	}
	return rest[1:], true
}
