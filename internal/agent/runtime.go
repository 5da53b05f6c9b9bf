package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/fetch"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/manifest"
)

// 客户端可发送的消息命令。
const (
	CommandSkipWaiting     = "skipWaiting"
	CommandDownloadOffline = "downloadOffline"
)

// ErrUnknownCommand 表示消息命令不被识别。
var ErrUnknownCommand = errors.New("unknown command")

// RuntimeOptions 是所有 agent 版本共享的依赖。
type RuntimeOptions struct {
	Origin           string
	Store            cache.Store
	Regions          cache.Regions
	Fetcher          fetch.Fetcher
	Logger           *logrus.Logger
	FetchConcurrency int
	// SkipWaiting 为 true 时新版本安装完成后立即激活，否则等待 skipWaiting 消息。
	SkipWaiting bool
}

// Runtime 承担宿主运行时的角色：把部署、请求与消息信号分发给对应的 agent 版本。
type Runtime struct {
	opts   RuntimeOptions
	logger *logrus.Logger

	// lifecycle 串行化 install/activate，保证 install 总在 activate 之前完成。
	lifecycle sync.Mutex

	mu         sync.RWMutex
	active     *Agent
	waiting    *Agent
	lastReport *ReconcileReport
	lastErr    error
}

// NewRuntime 校验共享依赖。
func NewRuntime(opts RuntimeOptions) (*Runtime, error) {
	origin, err := manifest.NormalizeOrigin(opts.Origin)
	if err != nil {
		return nil, err
	}
	opts.Origin = origin
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
	return &Runtime{opts: opts, logger: logger}, nil
}

// Deploy 部署一个新的 agent 版本。版本号与 active（或 waiting）相同时为 no-op。
// SkipWaiting 关闭时，只有替换已有 active 版本的新版本才进入 waiting。
// 安装失败返回错误且不影响当前 active 版本；对账失败只记录在 Status 中。
func (r *Runtime) Deploy(ctx context.Context, m *manifest.Manifest) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if m == nil {
		return errors.New("manifest is required")
	}
	active, waiting := r.current()
	if active != nil && active.Version() == m.Version {
		r.logger.WithFields(logging.LifecycleFields("deploy_skip", m.Version, active.State().String())).
			Debug("版本未变化，跳过部署")
		return nil
	}
	if waiting != nil && waiting.Version() == m.Version {
		return nil
	}

	next, err := New(Options{
		Origin:           r.opts.Origin,
		Manifest:         m,
		Store:            r.opts.Store,
		Regions:          r.opts.Regions,
		Fetcher:          r.opts.Fetcher,
		Logger:           r.logger,
		FetchConcurrency: r.opts.FetchConcurrency,
	})
	if err != nil {
		return err
	}
	if err := next.Install(ctx); err != nil {
		return fmt.Errorf("install version %s: %w", m.Version, err)
	}

	if waiting != nil {
		waiting.Retire()
	}
	// 没有 active 版本时无需等待：首个安装完成的版本立即激活。
	if !r.opts.SkipWaiting && active != nil {
		r.mu.Lock()
		r.waiting = next
		r.mu.Unlock()
		r.logger.WithFields(logging.LifecycleFields("waiting", next.Version(), next.State().String())).
			Info("新版本已安装，等待 skipWaiting")
		return nil
	}
	r.activate(ctx, next)
	return nil
}

// SkipWaiting 激活处于等待中的版本，没有等待版本时为 no-op。
func (r *Runtime) SkipWaiting(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	_, waiting := r.current()
	if waiting == nil {
		return nil
	}
	r.activate(ctx, waiting)
	return nil
}

// activate 调用方必须持有 lifecycle 锁。
func (r *Runtime) activate(ctx context.Context, next *Agent) {
	report, err := next.Activate(ctx)

	r.mu.Lock()
	previous := r.active
	r.active = next
	if r.waiting == next {
		r.waiting = nil
	}
	r.lastReport = &report
	r.lastErr = err
	r.mu.Unlock()

	if previous != nil && previous != next {
		previous.Retire()
	}
}

func (r *Runtime) current() (*Agent, *Agent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active, r.waiting
}

// Active 返回当前 active 版本，可能为 nil。
func (r *Runtime) Active() *Agent {
	active, _ := r.current()
	return active
}

// Fetch 将请求交给 active 版本处理；尚无 active 版本时直接走网络。
func (r *Runtime) Fetch(ctx context.Context, req *fetch.Request) (*Result, error) {
	for attempt := 0; attempt < 2; attempt++ {
		active := r.Active()
		if active == nil {
			break
		}
		result, err := active.HandleFetch(ctx, req)
		if errors.Is(err, ErrNotActive) {
			// 版本在分派期间被替换，使用新的 active 重试一次。
			continue
		}
		return result, err
	}
	return Passthrough(ctx, r.opts.Fetcher, req)
}

// MessageResult 是消息处理结果。
type MessageResult struct {
	Command  string          `json:"command"`
	Download *DownloadReport `json:"download,omitempty"`
	Status   Status          `json:"status"`
}

// Message 处理客户端发送的命令。
func (r *Runtime) Message(ctx context.Context, command string) (MessageResult, error) {
	command = strings.TrimSpace(command)
	result := MessageResult{Command: command}
	switch command {
	case CommandSkipWaiting:
		err := r.SkipWaiting(ctx)
		result.Status = r.Status()
		return result, err
	case CommandDownloadOffline:
		active := r.Active()
		if active == nil {
			result.Status = r.Status()
			return result, ErrNotActive
		}
		report, err := active.DownloadOffline(ctx)
		result.Download = &report
		result.Status = r.Status()
		return result, err
	default:
		result.Status = r.Status()
		return result, fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}
}

// AgentStatus 描述单个 agent 版本。
type AgentStatus struct {
	Version   string `json:"version"`
	State     State  `json:"state"`
	Resources int    `json:"resources"`
	Core      int    `json:"core"`
}

// Status 是 Runtime 的诊断快照。
type Status struct {
	Origin             string           `json:"origin"`
	Active             *AgentStatus     `json:"active,omitempty"`
	Waiting            *AgentStatus     `json:"waiting,omitempty"`
	LastReconcile      *ReconcileReport `json:"last_reconcile,omitempty"`
	LastReconcileError string           `json:"last_reconcile_error,omitempty"`
}

// Status 返回当前快照。
func (r *Runtime) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status := Status{
		Origin:        r.opts.Origin,
		Active:        describe(r.active),
		Waiting:       describe(r.waiting),
		LastReconcile: r.lastReport,
	}
	if r.lastErr != nil {
		status.LastReconcileError = r.lastErr.Error()
	}
	return status
}

func describe(a *Agent) *AgentStatus {
	if a == nil {
		return nil
	}
	return &AgentStatus{
		Version:   a.Version(),
		State:     a.State(),
		Resources: len(a.manifest.Resources),
		Core:      len(a.manifest.Core),
	}
}
