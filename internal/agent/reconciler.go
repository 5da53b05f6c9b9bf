package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/manifest"
)

// recordIdentity 是 manifest-record 区域中唯一条目的请求标识。
const recordIdentity = "manifest"

// ReconcileReport 汇总一次对账的结果。
type ReconcileReport struct {
	Version  string    `json:"version"`
	FirstRun bool      `json:"first_run"`
	Kept     []string  `json:"kept,omitempty"`
	Evicted  []string  `json:"evicted,omitempty"`
	Promoted int       `json:"promoted"`
	Reset    bool      `json:"reset"`
	At       time.Time `json:"at"`
}

// ReconcileError 包装对账失败原因；Wipe 为清空区域时遇到的错误（若有）。
type ReconcileError struct {
	Stage string
	Err   error
	Wipe  error
}

func (e *ReconcileError) Error() string {
	msg := fmt.Sprintf("reconcile %s: %v", e.Stage, e.Err)
	if e.Wipe != nil {
		msg += fmt.Sprintf(" (wipe: %v)", e.Wipe)
	}
	return msg
}

func (e *ReconcileError) Unwrap() []error {
	if e.Wipe == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Wipe}
}

type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }

func stageErr(stage string, err error) error {
	return &stageError{stage: stage, err: err}
}

// Reconcile 对比上次记录的 manifest 与当前 manifest，淘汰失效条目，
// 提升 staging，最后写入新记录。任一步失败都会无条件清空三个区域。
func (a *Agent) Reconcile(ctx context.Context) (ReconcileReport, error) {
	report := ReconcileReport{Version: a.Version(), At: time.Now().UTC()}
	err := a.reconcile(ctx, &report)
	if err == nil {
		return report, nil
	}

	stage := "unknown"
	cause := err
	var se *stageError
	if errors.As(err, &se) {
		stage, cause = se.stage, se.err
	}
	wipeErr := cache.DropRegions(context.WithoutCancel(ctx), a.store, a.regions.All()...)
	report.Reset = true
	report.Kept = nil
	return report, &ReconcileError{Stage: stage, Err: cause, Wipe: wipeErr}
}

func (a *Agent) reconcile(ctx context.Context, report *ReconcileReport) error {
	content, err := a.openRegion(ctx, a.regions.Content)
	if err != nil {
		return stageErr("open content", err)
	}
	staging, err := a.openRegion(ctx, a.regions.Staging)
	if err != nil {
		return stageErr("open staging", err)
	}
	records, err := a.openRegion(ctx, a.regions.ManifestRecord)
	if err != nil {
		return stageErr("open manifest-record", err)
	}

	previous, found, err := loadRecord(ctx, records)
	if err != nil {
		return stageErr("load record", err)
	}

	if !found {
		report.FirstRun = true
		if err := a.store.Drop(ctx, a.regions.Content); err != nil {
			return stageErr("reset content", err)
		}
		if content, err = a.openRegion(ctx, a.regions.Content); err != nil {
			return stageErr("reset content", err)
		}
	} else if err := a.evictStale(ctx, content, previous, report); err != nil {
		return err
	}

	promoted, err := cache.CopyRegion(ctx, staging, content)
	report.Promoted = promoted
	if err != nil {
		return stageErr("promote staging", err)
	}
	if err := a.store.Drop(ctx, a.regions.Staging); err != nil {
		return stageErr("drop staging", err)
	}
	if err := a.saveRecord(ctx, records); err != nil {
		return stageErr("save record", err)
	}
	return nil
}

// evictStale 删除 key 已不在 manifest 中、或指纹与上次记录不一致的条目。
func (a *Agent) evictStale(ctx context.Context, content *cache.Region, previous manifest.Record, report *ReconcileReport) error {
	entries, err := content.Entries(ctx)
	if err != nil {
		return stageErr("list content", err)
	}
	for _, entry := range entries {
		url := entry.Locator.URL
		key, ok := manifest.RecordKey(a.origin, url)
		if ok && a.unchanged(key, previous) {
			report.Kept = append(report.Kept, url)
			continue
		}
		if err := content.Delete(ctx, url); err != nil {
			return stageErr("evict "+url, err)
		}
		report.Evicted = append(report.Evicted, url)
	}
	return nil
}

func (a *Agent) unchanged(key string, previous manifest.Record) bool {
	current, ok := a.manifest.Fingerprint(key)
	if !ok {
		return false
	}
	old, ok := previous[key]
	return ok && old == current
}

func loadRecord(ctx context.Context, records *cache.Region) (manifest.Record, bool, error) {
	result, err := records.Match(ctx, recordIdentity)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer result.Reader.Close()

	record, err := manifest.DecodeRecord(result.Reader)
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

func (a *Agent) saveRecord(ctx context.Context, records *cache.Region) error {
	payload, err := a.manifest.Record().Encode()
	if err != nil {
		return err
	}
	_, err = records.Put(ctx, recordIdentity, bytes.NewReader(payload), cache.PutOptions{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/json"}},
	})
	return err
}

// String 便于日志输出。
func (r ReconcileReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "version=%s kept=%d evicted=%d promoted=%d", r.Version, len(r.Kept), len(r.Evicted), r.Promoted)
	if r.FirstRun {
		b.WriteString(" first_run")
	}
	if r.Reset {
		b.WriteString(" reset")
	}
	return b.String()
}
