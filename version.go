package main

import (
	"fmt"
	"runtime"

	"github.com/any-hub/shellcache/internal/version"
)

// printVersion 输出版本、提交号与构建平台。
func printVersion() {
	fmt.Fprintf(stdOut, "%s %s/%s %s\n", version.Full(), runtime.GOOS, runtime.GOARCH, runtime.Version())
}
