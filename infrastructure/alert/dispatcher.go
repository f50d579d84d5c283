package alert

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"vn-execution-go/infrastructure/logger"
)

// 执行/结算相关事件类型
const (
	TypeMarginWarning   = "margin_warning"
	TypeMarginDanger    = "margin_danger"
	TypeForcedSell      = "forced_sell"
	TypeOrderFailed     = "order_failed"
	TypeOrderExecuted   = "order_executed"
	TypeOrderExpired    = "order_expired"
	TypeBrokerRecovered = "broker_recovered"
	TypeRiskLimit       = "risk_limit"
	TypeCircuitBreaker  = "circuit_breaker"
)

// 推送优先级
const (
	PriorityLow     = "low"
	PriorityDefault = "default"
	PriorityHigh    = "high"
	PriorityUrgent  = "urgent"
)

var defaultPriority = map[string]string{
	TypeMarginWarning:   PriorityHigh,
	TypeMarginDanger:    PriorityUrgent,
	TypeForcedSell:      PriorityUrgent,
	TypeOrderFailed:     PriorityHigh,
	TypeOrderExecuted:   PriorityDefault,
	TypeOrderExpired:    PriorityDefault,
	TypeBrokerRecovered: PriorityLow,
	TypeRiskLimit:       PriorityDefault,
	TypeCircuitBreaker:  PriorityHigh,
}

var defaultTags = map[string][]string{
	TypeMarginWarning:  {"warning"},
	TypeMarginDanger:   {"rotating_light"},
	TypeForcedSell:     {"rotating_light", "sos"},
	TypeOrderFailed:    {"x"},
	TypeOrderExpired:   {"hourglass"},
	TypeCircuitBreaker: {"zap"},
}

// Dispatcher 通知分发接口，返回是否送达
type Dispatcher interface {
	Dispatch(alertType, priority, message string, data map[string]interface{}) bool
}

// HandlerFunc 自定义事件处理
type HandlerFunc func(alertType string, data map[string]interface{})

// RoutingDispatcher 按事件类型决定优先级/标签，经Manager发往各通道
type RoutingDispatcher struct {
	manager  *Manager
	logger   *logger.Logger
	mu       sync.RWMutex
	priority map[string]string
	handlers map[string][]HandlerFunc
}

var _ Dispatcher = (*RoutingDispatcher)(nil)

// NewRoutingDispatcher 创建分发器
func NewRoutingDispatcher(manager *Manager, log *logger.Logger) *RoutingDispatcher {
	if log == nil {
		log = logger.Nop()
	}
	priority := make(map[string]string, len(defaultPriority))
	for k, v := range defaultPriority {
		priority[k] = v
	}
	return &RoutingDispatcher{
		manager:  manager,
		logger:   log,
		priority: priority,
		handlers: make(map[string][]HandlerFunc),
	}
}

// SetPriority 覆盖某类事件的默认优先级
func (d *RoutingDispatcher) SetPriority(alertType, priority string) {
	d.mu.Lock()
	d.priority[alertType] = priority
	d.mu.Unlock()
}

// RegisterHandler 注册自定义处理函数，与默认通道同时执行
func (d *RoutingDispatcher) RegisterHandler(alertType string, fn HandlerFunc) {
	d.mu.Lock()
	d.handlers[alertType] = append(d.handlers[alertType], fn)
	d.mu.Unlock()
}

// Dispatch 分发事件；priority为空时按事件类型查表
func (d *RoutingDispatcher) Dispatch(alertType, priority, message string, data map[string]interface{}) bool {
	d.mu.RLock()
	if priority == "" {
		priority = d.priority[alertType]
	}
	handlers := append([]HandlerFunc(nil), d.handlers[alertType]...)
	d.mu.RUnlock()
	if priority == "" {
		priority = PriorityDefault
	}

	for _, h := range handlers {
		h(alertType, data)
	}

	a := Alert{
		Type:     alertType,
		Level:    levelFor(priority),
		Priority: priority,
		Title:    buildTitle(alertType, data),
		Message:  message,
		Tags:     defaultTags[alertType],
		Fields:   data,
	}
	if err := d.manager.SendAlert(a); err != nil {
		if !errors.Is(err, ErrThrottled) {
			d.logger.LogError(err, map[string]interface{}{"alert_type": alertType})
		}
		return false
	}
	return true
}

func levelFor(priority string) string {
	switch priority {
	case PriorityUrgent:
		return LevelCritical
	case PriorityHigh:
		return LevelWarning
	default:
		return LevelInfo
	}
}

func buildTitle(alertType string, data map[string]interface{}) string {
	words := strings.Split(alertType, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	title := strings.Join(words, " ")
	if sym, ok := data["symbol"]; ok && fmt.Sprint(sym) != "" {
		title = fmt.Sprintf("[%v] %s", sym, title)
	}
	return title
}

// formatBody 把消息和字段拼成多行正文，字段按键排序
func formatBody(a Alert) string {
	var b strings.Builder
	b.WriteString(a.Message)
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, a.Fields[k])
	}
	return b.String()
}
