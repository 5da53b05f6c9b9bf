package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Store 负责管理按区域划分的响应缓存。每个区域是独立命名空间，
// 条目以请求 URL 为键，区域之间不会自动迁移条目。
type Store interface {
	// Open 确保区域存在，等价于打开一个命名缓存；已存在时为 no-op。
	Open(ctx context.Context, region string) error

	// Has 报告区域当前是否存在。
	Has(ctx context.Context, region string) (bool, error)

	// Drop 删除整个区域及其全部条目，区域不存在时为 no-op。
	Drop(ctx context.Context, region string) error

	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 写入（或覆盖）条目，区域不存在时隐式创建。实现必须保证单条目写入原子性。
	Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除单个条目，不存在时为 no-op。
	Remove(ctx context.Context, locator Locator) error

	// Keys 按写入顺序返回区域内所有条目的描述（不含正文）。
	Keys(ctx context.Context, region string) ([]Entry, error)

	// Close 释放底层资源。
	Close() error
}

// PutOptions 携带响应元数据。
type PutOptions struct {
	Status  int
	Header  http.Header
	ModTime time.Time
}

// Locator 唯一定位一个缓存条目（区域 + 请求 URL）。
type Locator struct {
	Region string
	URL    string
}

// Entry 描述一个缓存条目：产生它的请求以及响应的状态与头部。
type Entry struct {
	Locator   Locator     `json:"locator"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header,omitempty"`
	SizeBytes int64       `json:"size_bytes"`
	ModTime   time.Time   `json:"mod_time"`
	Seq       int64       `json:"seq"`
}

// ReadResult 组合 Entry 与正文 Reader。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// Driver names accepted by OpenStore.
const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// OpenStore 根据驱动名构建 Store，path 对 file 是目录、对 sqlite 是数据库文件。
func OpenStore(driver, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverFile:
		return NewStore(path)
	case DriverSQLite:
		return NewSQLiteStore(path)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}
}

func validateRegion(region string) error {
	if region == "" {
		return errors.New("region name required")
	}
	if strings.ContainsAny(region, `/\`) || strings.HasPrefix(region, ".") {
		return fmt.Errorf("invalid region name: %s", region)
	}
	return nil
}

func validateLocator(locator Locator) error {
	if err := validateRegion(locator.Region); err != nil {
		return err
	}
	if locator.URL == "" {
		return errors.New("request url required")
	}
	return nil
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}

func normalizeStatus(status int) int {
	if status == 0 {
		return http.StatusOK
	}
	return status
}

func bodyOrEmpty(body io.Reader) io.Reader {
	if body == nil {
		return http.NoBody
	}
	return body
}
