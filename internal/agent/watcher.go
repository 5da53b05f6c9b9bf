package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/manifest"
)

const defaultDebounce = 300 * time.Millisecond

// Deployer 接收新的 manifest，通常是 *Runtime。
type Deployer interface {
	Deploy(ctx context.Context, m *manifest.Manifest) error
}

// ManifestWatcher 监听 manifest 文件所在目录，文件稳定后重新加载并部署。
type ManifestWatcher struct {
	path     string
	deployer Deployer
	logger   *logrus.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManifestWatcher 创建 watcher，debounce<=0 时使用默认值。
func NewManifestWatcher(path string, deployer Deployer, logger *logrus.Logger, debounce time.Duration) (*ManifestWatcher, error) {
	if deployer == nil {
		return nil, errors.New("deployer is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &ManifestWatcher{
		path:     abs,
		deployer: deployer,
		logger:   logger,
		debounce: debounce,
		watcher:  fw,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start 开始监听目录（而非文件本身），以便捕获构建工具的 rename 替换写法。非阻塞。
func (w *ManifestWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.running = true
	go w.run(ctx)
	w.logger.WithFields(logrus.Fields{"action": "watch_manifest", "path": w.path}).Info("开始监听 manifest")
	return nil
}

// Stop 停止监听并等待事件循环退出。
func (w *ManifestWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		_ = w.watcher.Close()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.watcher.Close(); err != nil {
		w.logger.WithError(err).Warn("关闭 manifest watcher 失败")
	}
}

func (w *ManifestWatcher) run(ctx context.Context) {
	defer close(w.doneCh)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("manifest watcher 错误")
		case <-timer.C:
			w.reload(ctx)
		}
	}
}

func (w *ManifestWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (w *ManifestWatcher) reload(ctx context.Context) {
	fields := logrus.Fields{"action": "manifest_reload", "path": w.path}
	if _, err := os.Stat(w.path); err != nil {
		w.logger.WithFields(fields).WithError(err).Debug("manifest 暂不可用")
		return
	}
	m, err := manifest.Load(w.path)
	if err != nil {
		w.logger.WithFields(fields).WithError(err).Warn("manifest 解析失败，保持当前版本")
		return
	}
	fields["agent_version"] = m.Version
	if err := w.deployer.Deploy(ctx, m); err != nil {
		w.logger.WithFields(fields).WithError(err).Error("部署新版本失败")
		return
	}
	w.logger.WithFields(fields).Info("manifest 已重新部署")
}
