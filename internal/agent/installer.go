package agent

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/fetch"
	"github.com/any-hub/shellcache/internal/manifest"
)

// InstallError 描述导致安装失败的核心资源。
type InstallError struct {
	Key string
	Err error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install core resource %s: %v", e.Key, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// install 并发拉取全部核心资源，全部成功后才写入 staging。
// staging 中被替换的等待版本或失败安装的残留会先被清除。
func (a *Agent) install(ctx context.Context) error {
	core := a.manifest.Core
	urls := make([]string, len(core))
	responses := make([]*fetch.Response, len(core))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(a.concurrency)
	for i, key := range core {
		urls[i] = manifest.ResourceURL(a.origin, key)
		eg.Go(func() error {
			req := fetch.NewRequest(urls[i])
			req.NoCache = true
			resp, err := a.fetcher.Fetch(egCtx, req)
			if err != nil {
				return &InstallError{Key: key, Err: err}
			}
			if !resp.OK() {
				return &InstallError{Key: key, Err: fmt.Errorf("unexpected status %d", resp.Status)}
			}
			responses[i] = resp
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	if err := a.store.Drop(ctx, a.regions.Staging); err != nil {
		return &InstallError{Key: a.regions.Staging, Err: err}
	}
	staging, err := a.openRegion(ctx, a.regions.Staging)
	if err != nil {
		return &InstallError{Key: a.regions.Staging, Err: err}
	}

	now := time.Now()
	for i, resp := range responses {
		_, err := staging.Put(ctx, urls[i], bytes.NewReader(resp.Body), cache.PutOptions{
			Status:  resp.Status,
			Header:  resp.Header,
			ModTime: now,
		})
		if err != nil {
			return &InstallError{Key: core[i], Err: err}
		}
	}
	return nil
}
