package alert

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// 告警级别
const (
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// Alert 告警信息
type Alert struct {
	Type      string                 // 事件类型，如 margin_warning
	Level     string                 // INFO, WARNING, ERROR, CRITICAL
	Priority  string                 // low, default, high, urgent
	Title     string                 // 标题
	Message   string                 // 告警消息
	Tags      []string               // 推送标签
	Timestamp time.Time              // 告警时间
	Fields    map[string]interface{} // 附加字段
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// Manager 告警管理器：限流后扇出到所有通道
type Manager struct {
	channels []Channel
	throttle *Throttler
	mu       sync.RWMutex
}

// Throttler 告警限流器
type Throttler struct {
	lastSent map[string]time.Time
	interval time.Duration
	now      func() time.Time
	mu       sync.Mutex
}

// NewThrottler 创建限流器
func NewThrottler(interval time.Duration) *Throttler {
	return &Throttler{
		lastSent: make(map[string]time.Time),
		interval: interval,
		now:      time.Now,
	}
}

// Allow 检查是否允许发送（限流）
func (t *Throttler) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	lastTime, exists := t.lastSent[key]
	if !exists || now.Sub(lastTime) >= t.interval {
		t.lastSent[key] = now
		return true
	}
	return false
}

// Prune 删除超过限流窗口的记录
func (t *Throttler) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	n := 0
	for k, at := range t.lastSent {
		if now.Sub(at) >= t.interval {
			delete(t.lastSent, k)
			n++
		}
	}
	return n
}

// NewManager 创建告警管理器
func NewManager(channels []Channel, throttleInterval time.Duration) *Manager {
	return &Manager{
		channels: channels,
		throttle: NewThrottler(throttleInterval),
	}
}

// ErrThrottled 告警被限流
var ErrThrottled = errors.New("alert throttled")

// SendAlert 发送告警；被限流返回ErrThrottled，全部通道失败时返回各通道错误的合集。
// 限流key包含标的，不同标的的同类告警互不影响。
func (m *Manager) SendAlert(alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	key := fmt.Sprintf("%s:%s:%v:%s", alert.Type, alert.Level, alert.Fields["symbol"], alert.Message)
	if !m.throttle.Allow(key) {
		return ErrThrottled
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs error
	delivered := 0
	for _, ch := range m.channels {
		if err := ch.Send(alert); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("channel %s failed: %w", ch.Name(), err))
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return errs
	}
	return nil
}

// AddChannel 添加告警通道
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// GetChannels 获取所有通道名称
func (m *Manager) GetChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}

// PruneThrottle 清理过期的限流记录，返回清理数量
func (m *Manager) PruneThrottle() int {
	return m.throttle.Prune()
}
