package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/fetch"
	"github.com/any-hub/shellcache/internal/manifest"
)

// DownloadReport 记录一次离线预取的结果。
type DownloadReport struct {
	Missing []string          `json:"missing"`
	Fetched []string          `json:"fetched"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// DownloadOffline 拉取 manifest 中 content 尚未缓存的全部 key。
// 幂等且非事务：成功的条目保留，失败的 key 汇总到返回错误中。
func (a *Agent) DownloadOffline(ctx context.Context) (DownloadReport, error) {
	report := DownloadReport{}
	if err := a.requireActive(); err != nil {
		return report, err
	}
	content, err := a.openRegion(ctx, a.regions.Content)
	if err != nil {
		return report, err
	}
	missing, err := a.missingKeys(ctx, content)
	if err != nil {
		return report, err
	}
	report.Missing = missing
	if len(missing) == 0 {
		return report, nil
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	eg := new(errgroup.Group)
	eg.SetLimit(a.concurrency)
	for _, key := range missing {
		eg.Go(func() error {
			err := a.downloadOne(ctx, content, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if report.Failed == nil {
					report.Failed = make(map[string]string)
				}
				report.Failed[key] = err.Error()
				errs = append(errs, fmt.Errorf("download %s: %w", key, err))
				return nil
			}
			report.Fetched = append(report.Fetched, key)
			return nil
		})
	}
	_ = eg.Wait()

	sort.Strings(report.Fetched)
	a.logLifecycle("download_offline").WithField("fetched", len(report.Fetched)).
		WithField("failed", len(report.Failed)).Info("离线预取完成")
	return report, errors.Join(errs...)
}

// missingKeys 返回 manifest 中存在、但 content 中没有对应条目的 key（有序）。
func (a *Agent) missingKeys(ctx context.Context, content *cache.Region) ([]string, error) {
	entries, err := content.Entries(ctx)
	if err != nil {
		return nil, err
	}
	present := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if key, ok := manifest.RecordKey(a.origin, entry.Locator.URL); ok {
			present[key] = struct{}{}
		}
	}
	var missing []string
	for _, key := range a.manifest.Keys() {
		if _, ok := present[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing, nil
}

func (a *Agent) downloadOne(ctx context.Context, content *cache.Region, key string) error {
	url := manifest.ResourceURL(a.origin, key)
	resp, err := a.fetcher.Fetch(ctx, fetch.NewRequest(url))
	if err != nil {
		return err
	}
	if resp.Status != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.Status)
	}
	_, err = content.Put(ctx, url, bytes.NewReader(resp.Body), cache.PutOptions{
		Status:  resp.Status,
		Header:  resp.Header,
		ModTime: time.Now(),
	})
	return err
}
