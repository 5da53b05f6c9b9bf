// Package version 保存构建时注入的版本信息。
package version

import "fmt"

// 通过 -ldflags "-X github.com/any-hub/shellcache/internal/version.Version=..." 注入。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Full 返回 "shellcache <version> (<commit>)"。
func Full() string {
	return fmt.Sprintf("shellcache %s (%s)", Version, Commit)
}
