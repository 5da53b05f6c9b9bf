package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Regions 列出 agent 使用的三个命名区域，由配置注入而非进程级常量。
type Regions struct {
	Staging        string `mapstructure:"Staging"`
	Content        string `mapstructure:"Content"`
	ManifestRecord string `mapstructure:"ManifestRecord"`
}

// DefaultRegions 返回默认区域名。
func DefaultRegions() Regions {
	return Regions{
		Staging:        "shell-temp-cache",
		Content:        "shell-app-cache",
		ManifestRecord: "shell-app-manifest",
	}
}

// All 按 content、staging、manifest-record 的顺序返回全部区域名。
func (r Regions) All() []string {
	return []string{r.Content, r.Staging, r.ManifestRecord}
}

// Validate 要求三个区域名合法且互不相同。
func (r Regions) Validate() error {
	seen := make(map[string]struct{}, 3)
	for _, name := range r.All() {
		if err := validateRegion(name); err != nil {
			return err
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("region %s used twice", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// Region 是绑定到单个区域名的句柄，相当于一个已打开的命名缓存。
type Region struct {
	store Store
	name  string
}

// OpenRegion 确保区域存在并返回句柄。
func OpenRegion(ctx context.Context, store Store, name string) (*Region, error) {
	if store == nil {
		return nil, errors.New("cache store unavailable")
	}
	if err := store.Open(ctx, name); err != nil {
		return nil, fmt.Errorf("open region %s: %w", name, err)
	}
	return &Region{store: store, name: name}, nil
}

// Name 返回区域名。
func (r *Region) Name() string {
	return r.name
}

// Match 按请求 URL 查找条目，不存在时返回 ErrNotFound。
func (r *Region) Match(ctx context.Context, url string) (*ReadResult, error) {
	return r.store.Get(ctx, Locator{Region: r.name, URL: url})
}

// Put 写入或覆盖条目。
func (r *Region) Put(ctx context.Context, url string, body io.Reader, opts PutOptions) (*Entry, error) {
	return r.store.Put(ctx, Locator{Region: r.name, URL: url}, body, opts)
}

// Delete 删除条目。
func (r *Region) Delete(ctx context.Context, url string) error {
	return r.store.Remove(ctx, Locator{Region: r.name, URL: url})
}

// Entries 按写入顺序列出条目。
func (r *Region) Entries(ctx context.Context) ([]Entry, error) {
	return r.store.Keys(ctx, r.name)
}

// CopyRegion 将 from 中的每个条目复制到 to，覆盖同 URL 的条目，返回复制数量。
func CopyRegion(ctx context.Context, from, to *Region) (int, error) {
	entries, err := from.Entries(ctx)
	if err != nil {
		return 0, fmt.Errorf("list region %s: %w", from.name, err)
	}
	copied := 0
	for _, entry := range entries {
		if err := copyEntry(ctx, from, to, entry); err != nil {
			return copied, err
		}
		copied++
	}
	return copied, nil
}

func copyEntry(ctx context.Context, from, to *Region, entry Entry) error {
	result, err := from.Match(ctx, entry.Locator.URL)
	if err != nil {
		return fmt.Errorf("read %s from %s: %w", entry.Locator.URL, from.name, err)
	}
	defer result.Reader.Close()

	_, err = to.Put(ctx, entry.Locator.URL, result.Reader, PutOptions{
		Status:  result.Entry.Status,
		Header:  result.Entry.Header,
		ModTime: result.Entry.ModTime,
	})
	if err != nil {
		return fmt.Errorf("write %s to %s: %w", entry.Locator.URL, to.name, err)
	}
	return nil
}

// DropRegions 无条件删除所有给定区域，即使其中某个失败也会继续，返回合并后的错误。
func DropRegions(ctx context.Context, store Store, names ...string) error {
	var errs []error
	for _, name := range names {
		if err := store.Drop(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("drop region %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
