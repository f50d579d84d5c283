package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"vn-execution-go/gateway"
	"vn-execution-go/infrastructure/alert"
	"vn-execution-go/infrastructure/logger"
)

// TrackerConfig 对账器配置
type TrackerConfig struct {
	Interval       time.Duration `yaml:"interval"`        // 每个券商的对账间隔
	ExpiryInterval time.Duration `yaml:"expiry_interval"` // 过期扫描间隔
	OrderTTL       time.Duration `yaml:"order_ttl"`       // 订单最长存活时间
	StreamBackoff  time.Duration `yaml:"stream_backoff"`  // 推送断线重连等待
}

// DefaultTrackerConfig 5秒对账，每小时扫描过期，订单24小时过期
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		Interval:       5 * time.Second,
		ExpiryInterval: time.Hour,
		OrderTTL:       24 * time.Hour,
		StreamBackoff:  2 * time.Second,
	}
}

// BrokerStats 单个券商的对账统计
type BrokerStats struct {
	Cycles          int64
	Errors          int64
	OrdersChecked   int64
	LastReconcileAt time.Time
	LastError       string
	Ready           bool
}

// TrackerStats 对账统计信息
type TrackerStats struct {
	Brokers        map[string]BrokerStats
	Expired        int64
	Fills          FillTrackerStats
	RecentFillRate float64
	Interval       time.Duration
}

// Tracker 订单跟踪器：每个券商一个独立的对账协程，同一券商的对账单飞执行
type Tracker struct {
	manager *Manager
	cfg     TrackerConfig
	logger  *logger.Logger
	fills   *FillTracker
	group   singleflight.Group
	now     func() time.Time

	mu      sync.RWMutex
	stats   map[string]*BrokerStats
	expired int64
	cancels map[string]context.CancelFunc
	cancel  context.CancelFunc
	eg      *errgroup.Group
	onCycle func(broker string, checked int, err error)
}

// NewTracker 创建订单跟踪器
func NewTracker(manager *Manager, cfg TrackerConfig, log *logger.Logger) *Tracker {
	def := DefaultTrackerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = def.ExpiryInterval
	}
	if cfg.OrderTTL <= 0 {
		cfg.OrderTTL = def.OrderTTL
	}
	if cfg.StreamBackoff <= 0 {
		cfg.StreamBackoff = def.StreamBackoff
	}
	if log == nil {
		log = logger.Nop()
	}
	t := &Tracker{
		manager: manager,
		cfg:     cfg,
		logger:  log.Named("tracker"),
		fills:   NewFillTracker(500, 5*time.Minute),
		now:     time.Now,
		stats:   make(map[string]*BrokerStats),
		cancels: make(map[string]context.CancelFunc),
	}
	manager.AddFillListener(t.fills)
	return t
}

// SetCycleHook 每轮对账结束回调（指标）
func (t *Tracker) SetCycleHook(fn func(broker string, checked int, err error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCycle = fn
}

// SetClock 替换时钟（测试用）
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// Start 为每个券商启动对账协程、推送消费协程，以及过期扫描协程
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.eg != nil {
		t.mu.Unlock()
		return errors.New("tracker already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	eg, egCtx := errgroup.WithContext(runCtx)
	t.cancel = cancel
	t.eg = eg
	t.mu.Unlock()

	for _, a := range t.manager.Router().Adapters() {
		t.startBroker(egCtx, eg, a)
	}
	eg.Go(func() error {
		t.expiryLoop(egCtx)
		return nil
	})
	t.logger.Info("tracker started")
	return nil
}

func (t *Tracker) startBroker(ctx context.Context, eg *errgroup.Group, a gateway.Adapter) {
	brokerCtx, cancel := context.WithCancel(ctx)
	name := a.Name()
	t.mu.Lock()
	t.cancels[name] = cancel
	t.mu.Unlock()

	eg.Go(func() error {
		t.reconcileLoop(brokerCtx, name)
		return nil
	})
	if s, ok := a.(gateway.Streamer); ok && a.Capabilities().Streaming {
		eg.Go(func() error {
			t.streamLoop(brokerCtx, name, s)
			return nil
		})
	}
}

// StopBroker 单独停止某个券商的对账和推送
func (t *Tracker) StopBroker(name string) {
	t.mu.Lock()
	cancel, ok := t.cancels[name]
	delete(t.cancels, name)
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

// Stop 停止所有协程并等待退出
func (t *Tracker) Stop() error {
	t.mu.Lock()
	cancel, eg := t.cancel, t.eg
	t.cancel, t.eg = nil, nil
	t.mu.Unlock()
	if eg == nil {
		return nil
	}
	cancel()
	return eg.Wait()
}

// reconcileLoop 对账循环
func (t *Tracker) reconcileLoop(ctx context.Context, broker string) {
	interval := t.interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.ReconcileBroker(ctx, broker); err != nil && ctx.Err() == nil {
				t.logger.LogError(err, map[string]interface{}{"op": "reconcile", "broker": broker})
			}
			// 热更新后的间隔在下一轮生效
			if next := t.interval(); next != interval {
				interval = next
				ticker.Reset(next)
			}
		}
	}
}

// SetInterval 调整对账间隔
func (t *Tracker) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	t.cfg.Interval = d
	t.mu.Unlock()
}

func (t *Tracker) interval() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cfg.Interval
}

func (t *Tracker) streamLoop(ctx context.Context, broker string, s gateway.Streamer) {
	reports := make(chan gateway.StatusReport, 64)
	go func() {
		for {
			err := s.Stream(ctx, reports)
			if ctx.Err() != nil {
				close(reports)
				return
			}
			t.logger.LogBroker(broker, "stream_disconnected", map[string]interface{}{"error": fmt.Sprint(err)})
			select {
			case <-ctx.Done():
				close(reports)
				return
			case <-time.After(t.cfg.StreamBackoff):
			}
		}
	}()

	for rep := range reports {
		if rep.Broker == "" {
			rep.Broker = broker
		}
		if err := t.manager.ApplyReport(ctx, rep); err != nil {
			t.logger.LogBroker(broker, "stream_report_unmatched", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (t *Tracker) expiryLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.ExpiryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.ExpireStale(ctx); err != nil && ctx.Err() == nil {
				t.logger.LogError(err, map[string]interface{}{"op": "expire"})
			}
		}
	}
}

// ReconcileBroker 执行一次券商对账；并发调用合并为同一次
func (t *Tracker) ReconcileBroker(ctx context.Context, broker string) (int, error) {
	v, err, _ := t.group.Do(broker, func() (interface{}, error) {
		n, err := t.manager.ReconcileBroker(ctx, broker)
		t.recordCycle(broker, n, err)
		return n, err
	})
	n, _ := v.(int)
	return n, err
}

func (t *Tracker) recordCycle(broker string, checked int, err error) {
	t.mu.Lock()
	st := t.statsLocked(broker)
	st.Cycles++
	st.OrdersChecked += int64(checked)
	st.LastReconcileAt = t.now()
	if err != nil {
		st.Errors++
		st.LastError = err.Error()
	}
	hook := t.onCycle
	t.mu.Unlock()
	if hook != nil {
		hook(broker, checked, err)
	}
}

func (t *Tracker) statsLocked(broker string) *BrokerStats {
	st, ok := t.stats[broker]
	if !ok {
		st = &BrokerStats{}
		t.stats[broker] = st
	}
	return st
}

// Recover 启动时逐个券商对账所有在途订单，成功后才允许该券商接收新订单
func (t *Tracker) Recover(ctx context.Context) error {
	var eg errgroup.Group
	for _, a := range t.manager.Router().Adapters() {
		name := a.Name()
		eg.Go(func() error {
			n, err := t.ReconcileBroker(ctx, name)
			if err != nil {
				return fmt.Errorf("recover %s: %w", name, err)
			}
			wasRecovering := t.manager.IsRecovering(name)
			t.manager.MarkReady(name)
			t.mu.Lock()
			t.statsLocked(name).Ready = true
			t.mu.Unlock()
			if wasRecovering && t.manager.dispatcher != nil {
				t.manager.dispatcher.Dispatch(alert.TypeBrokerRecovered, "",
					fmt.Sprintf("%s recovered, %d orders reconciled", name, n),
					map[string]interface{}{"broker": name, "orders": n})
			}
			t.logger.LogBroker(name, "recovered", map[string]interface{}{"orders": n})
			return nil
		})
	}
	return eg.Wait()
}

// ExpireStale 撤销超过存活时间的订单
func (t *Tracker) ExpireStale(ctx context.Context) ([]string, error) {
	ids, err := t.manager.ExpireOrders(ctx, t.now(), t.cfg.OrderTTL)
	t.mu.Lock()
	t.expired += int64(len(ids))
	t.mu.Unlock()
	return ids, err
}

// GetActiveOrders 所有未完结订单
func (t *Tracker) GetActiveOrders() []Order {
	return t.manager.ListOrders(Filter{ActiveOnly: true})
}

// TrackOrder 立即对单个订单对账并返回最新状态
func (t *Tracker) TrackOrder(ctx context.Context, id string) (Order, error) {
	return t.manager.ReconcileOrder(ctx, id)
}

// Stats 获取对账统计信息
func (t *Tracker) Stats() TrackerStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := TrackerStats{
		Brokers:        make(map[string]BrokerStats, len(t.stats)),
		Expired:        t.expired,
		Fills:          t.fills.GetStats(),
		RecentFillRate: t.fills.GetRecentFillRate(),
		Interval:       t.cfg.Interval,
	}
	for k, v := range t.stats {
		out.Brokers[k] = *v
	}
	return out
}

// Fills 近期成交
func (t *Tracker) Fills() *FillTracker { return t.fills }
