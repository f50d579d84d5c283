package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/multierr"

	"vn-execution-go/infrastructure/logger"
)

// Lifecycle 生命周期接口
type Lifecycle interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Health() error
}

// LifecycleManager 生命周期管理器
type LifecycleManager struct {
	components []Lifecycle
	started    int
	mu         sync.RWMutex
}

// NewLifecycleManager 创建新的生命周期管理器
func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{
		components: make([]Lifecycle, 0),
	}
}

// Register 注册组件
func (m *LifecycleManager) Register(component Lifecycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, component)
}

// StartAll 按顺序启动所有组件，失败时逆序回滚已启动的组件
func (m *LifecycleManager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, component := range m.components {
		if err := component.Start(ctx); err != nil {
			var errs error
			for j := i - 1; j >= 0; j-- {
				errs = multierr.Append(errs, m.components[j].Stop())
			}
			m.started = 0
			return multierr.Append(fmt.Errorf("start %s failed: %w", component.Name(), err), errs)
		}
		m.started = i + 1
	}
	return nil
}

// StopAll 逆序停止已启动的组件，汇总所有错误
func (m *LifecycleManager) StopAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs error
	for i := m.started - 1; i >= 0; i-- {
		if err := m.components[i].Stop(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("stop %s: %w", m.components[i].Name(), err))
		}
	}
	m.started = 0
	return errs
}

// CheckHealth 检查所有组件健康状态
func (m *LifecycleManager) CheckHealth() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs error
	for _, component := range m.components {
		if err := component.Health(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s unhealthy: %w", component.Name(), err))
		}
	}
	return errs
}

// funcComponent 用函数拼装的组件
type funcComponent struct {
	name   string
	start  func(ctx context.Context) error
	stop   func() error
	health func() error
}

func (f *funcComponent) Name() string { return f.name }

func (f *funcComponent) Start(ctx context.Context) error {
	if f.start == nil {
		return nil
	}
	return f.start(ctx)
}

func (f *funcComponent) Stop() error {
	if f.stop == nil {
		return nil
	}
	return f.stop()
}

func (f *funcComponent) Health() error {
	if f.health == nil {
		return nil
	}
	return f.health()
}

// tickerComponent 周期任务（结算清扫等）
type tickerComponent struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context)
	logger   *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	lastRun time.Time
}

func (t *tickerComponent) Name() string { return t.name }

func (t *tickerComponent) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.loop(runCtx, t.done)
	return nil
}

func (t *tickerComponent) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.run(ctx)
			t.mu.Lock()
			t.lastRun = time.Now()
			t.mu.Unlock()
		}
	}
}

func (t *tickerComponent) Stop() error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Health 超过3个周期未运行视为卡住
func (t *tickerComponent) Health() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel == nil {
		return fmt.Errorf("%s not started", t.name)
	}
	if !t.lastRun.IsZero() && time.Since(t.lastRun) > 3*t.interval {
		return fmt.Errorf("%s stalled since %s", t.name, t.lastRun.Format(time.RFC3339))
	}
	return nil
}

// systemdNotifier 向systemd汇报READY/STOPPING，非systemd环境下为空操作
type systemdNotifier struct {
	logger *logger.Logger
}

func (s systemdNotifier) notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		s.logger.LogError(err, map[string]interface{}{"op": "sd_notify", "state": state})
		return
	}
	if sent {
		s.logger.Debug("sd_notify sent")
	}
}

func (s systemdNotifier) Ready()    { s.notify(daemon.SdNotifyReady) }
func (s systemdNotifier) Stopping() { s.notify(daemon.SdNotifyStopping) }

// watchdog 若启用了WatchdogSec则按一半周期发送心跳，仅在健康时发送
func (s systemdNotifier) watchdog(ctx context.Context, healthy func() error) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := healthy(); err != nil {
				s.logger.LogError(err, map[string]interface{}{"op": "watchdog"})
				continue
			}
			s.notify(daemon.SdNotifyWatchdog)
		}
	}
}
