// Package agent 实现离线缓存代理的核心：安装、激活时的缓存对账、
// 逐请求路由、离线预取，以及把这些生命周期信号串起来的 Runtime。
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/fetch"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/manifest"
)

const defaultFetchConcurrency = 4

// Options 描述构建单个 agent 版本所需的依赖。
type Options struct {
	Origin           string
	Manifest         *manifest.Manifest
	Store            cache.Store
	Regions          cache.Regions
	Fetcher          fetch.Fetcher
	Logger           *logrus.Logger
	FetchConcurrency int
}

// Agent 是绑定到一份 manifest 的 agent 版本。同一时刻最多一个版本处于 active。
type Agent struct {
	origin      string
	manifest    *manifest.Manifest
	store       cache.Store
	regions     cache.Regions
	fetcher     fetch.Fetcher
	logger      *logrus.Logger
	concurrency int

	mu    sync.RWMutex
	state State
}

// New 校验依赖并返回处于 uninitialized 状态的 agent。
func New(opts Options) (*Agent, error) {
	origin, err := manifest.NormalizeOrigin(opts.Origin)
	if err != nil {
		return nil, err
	}
	if opts.Manifest == nil {
		return nil, errors.New("manifest is required")
	}
	if err := opts.Manifest.Validate(); err != nil {
		return nil, err
	}
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if err := opts.Regions.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	concurrency := opts.FetchConcurrency
	if concurrency <= 0 {
		concurrency = defaultFetchConcurrency
	}
	return &Agent{
		origin:      origin,
		manifest:    opts.Manifest,
		store:       opts.Store,
		regions:     opts.Regions,
		fetcher:     opts.Fetcher,
		logger:      logger,
		concurrency: concurrency,
		state:       StateUninitialized,
	}, nil
}

// Version 返回所绑定 manifest 的版本号。
func (a *Agent) Version() string {
	return a.manifest.Version
}

// Manifest 返回所绑定的 manifest。
func (a *Agent) Manifest() *manifest.Manifest {
	return a.manifest
}

// Origin 返回规整后的 origin。
func (a *Agent) Origin() string {
	return a.origin
}

// State 返回当前生命周期状态。
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Agent) transition(to State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !canTransition(a.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.state, to)
	}
	a.state = to
	return nil
}

func (a *Agent) requireActive() error {
	if a.State() != StateActive {
		return ErrNotActive
	}
	return nil
}

// Install 执行 install 信号：预热 staging。失败时版本变为 redundant，
// 当前 active 版本不受影响。
func (a *Agent) Install(ctx context.Context) error {
	if err := a.transition(StateInstalling); err != nil {
		return err
	}
	a.logLifecycle("install_start").Info("开始安装核心资源")

	if err := a.install(ctx); err != nil {
		_ = a.transition(StateRedundant)
		a.logLifecycle("install_failed").WithError(err).Warn("安装失败，版本作废")
		return err
	}
	if err := a.transition(StateInstalled); err != nil {
		return err
	}
	a.logLifecycle("install_done").WithField("core", len(a.manifest.Core)).Info("核心资源已写入 staging")
	return nil
}

// Activate 执行 activate 信号：对账缓存后进入 active。对账失败会清空全部区域，
// 但版本仍然进入 active，失败只体现在返回的报告与错误中。
func (a *Agent) Activate(ctx context.Context) (ReconcileReport, error) {
	if err := a.transition(StateReconciling); err != nil {
		return ReconcileReport{}, err
	}
	report, err := a.Reconcile(ctx)
	if terr := a.transition(StateActive); terr != nil {
		return report, terr
	}

	entry := a.logLifecycle("activate").WithFields(logrus.Fields{
		"kept":     len(report.Kept),
		"evicted":  len(report.Evicted),
		"promoted": report.Promoted,
		"reset":    report.Reset,
	})
	if err != nil {
		entry.WithError(err).Error("缓存对账失败，已清空全部区域")
	} else {
		entry.Info("缓存对账完成")
	}
	return report, err
}

// Retire 将版本标记为 redundant（被新版本取代或等待中被替换）。
func (a *Agent) Retire() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if canTransition(a.state, StateRedundant) {
		a.state = StateRedundant
	}
}

func (a *Agent) logLifecycle(action string) *logrus.Entry {
	return a.logger.WithFields(logging.LifecycleFields(action, a.Version(), a.State().String()))
}

func (a *Agent) openRegion(ctx context.Context, name string) (*cache.Region, error) {
	return cache.OpenRegion(ctx, a.store, name)
}
