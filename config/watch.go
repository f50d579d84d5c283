package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"vn-execution-go/infrastructure/logger"
)

// Reloadable 运行中可以直接生效的配置，其余字段变化需要重启
type Reloadable struct {
	Margin         MarginConfig
	ReconcileEvery time.Duration
	Retry          RetryConfig
	Holidays       []string
}

// Reloadable 提取可热更新部分
func (c AppConfig) Reloadable() Reloadable {
	return Reloadable{
		Margin:         c.Margin,
		ReconcileEvery: c.Tracker.Interval,
		Retry:          c.Retry,
		Holidays:       c.Holidays,
	}
}

// Watcher 监听配置文件变化并热更新阈值、对账间隔和重试参数。
// 监听所在目录，兼容编辑器“写临时文件再rename”的保存方式。
type Watcher struct {
	path     string
	envFiles []string
	cooldown time.Duration
	logger   *logger.Logger
	watcher  *fsnotify.Watcher

	mu         sync.RWMutex
	current    AppConfig
	lastReload time.Time
	handlers   []func(Reloadable)

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher current为已加载的配置，作为比较基准
func NewWatcher(path string, current AppConfig, cooldown time.Duration, log *logger.Logger, envFiles ...string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		envFiles: envFiles,
		cooldown: cooldown,
		logger:   log.Named("config"),
		watcher:  fw,
		current:  current,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// OnReload 注册热更新回调
func (w *Watcher) OnReload(fn func(Reloadable)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, fn)
}

// Current 当前生效的配置
func (w *Watcher) Current() AppConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start 开始监听；ctx取消或Stop后退出
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}
	go w.loop(ctx)
	return nil
}

// Stop 停止监听并释放fsnotify资源
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	select {
	case <-w.doneCh:
	case <-time.After(time.Second):
		// 未Start时loop不存在
	}
	return w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if _, err := w.Reload(); err != nil && !errors.Is(err, errCooldown) {
				w.logger.LogError(err, map[string]interface{}{"op": "config_reload", "path": w.path})
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.LogError(err, map[string]interface{}{"op": "config_watch"})
		}
	}
}

var errCooldown = errors.New("config reload in cooldown")

// Reload 重新读取配置；校验失败时保留旧配置。返回是否有可热更新字段变化。
func (w *Watcher) Reload() (bool, error) {
	w.mu.Lock()
	if w.cooldown > 0 && !w.lastReload.IsZero() && time.Since(w.lastReload) < w.cooldown {
		w.mu.Unlock()
		return false, errCooldown
	}
	w.mu.Unlock()

	next, err := LoadWithEnvOverrides(w.path, w.envFiles...)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	w.lastReload = time.Now()
	handlers := append(([]func(Reloadable))(nil), w.handlers...)
	w.mu.Unlock()

	if restartRequired(prev, next) {
		w.logger.Warn("config changed outside reloadable fields, restart required")
	}
	r := next.Reloadable()
	if reflect.DeepEqual(prev.Reloadable(), r) {
		return false, nil
	}
	for _, h := range handlers {
		h(r)
	}
	w.logger.Info("config reloaded")
	return true, nil
}

func restartRequired(prev, next AppConfig) bool {
	a, b := prev, next
	a.Margin, b.Margin = MarginConfig{}, MarginConfig{}
	a.Tracker.Interval, b.Tracker.Interval = 0, 0
	a.Retry, b.Retry = RetryConfig{}, RetryConfig{}
	a.Holidays, b.Holidays = nil, nil
	return !reflect.DeepEqual(a, b)
}
