package monitor

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"vn-execution-go/order"
	"vn-execution-go/settlement"
)

var (
	_ order.Metrics             = (*Monitor)(nil)
	_ order.FillListener        = (*Monitor)(nil)
	_ settlement.MarginObserver = (*Monitor)(nil)
)

// Monitor Prometheus监控指标收集器，使用独立registry
type Monitor struct {
	registry *prometheus.Registry

	// 订单指标
	transitions    *prometheus.CounterVec
	submits        *prometheus.CounterVec
	submitAttempts *prometheus.HistogramVec

	// 成交指标
	fills      *prometheus.CounterVec
	fillVolume *prometheus.CounterVec
	fillValue  *prometheus.CounterVec

	// 保证金指标
	marginReserved   prometheus.Gauge
	marginCapacity   prometheus.Gauge
	marginUsed       prometheus.Gauge
	marginWarning    prometheus.Gauge
	marginForceClose prometheus.Gauge

	// 对账指标
	reconcileCycles  *prometheus.CounterVec
	reconcileErrors  *prometheus.CounterVec
	reconcileChecked *prometheus.GaugeVec

	// 风控指标
	riskRejects  *prometheus.CounterVec
	circuitTrips *prometheus.CounterVec
	settlements  prometheus.Counter
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "vnexec",
		Subsystem: "execution",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		})
	}

	return &Monitor{
		registry: reg,

		transitions: counterVec("order_transitions_total", "订单状态迁移次数", "from", "to"),
		submits:     counterVec("order_submits_total", "提交结果计数", "broker", "result"),
		submitAttempts: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "order_submit_attempts",
			Help:      "每次提交的尝试次数分布",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}, []string{"broker"}),

		fills:      counterVec("fills_total", "成交笔数", "side"),
		fillVolume: counterVec("fill_volume_total", "累计成交股数", "side"),
		fillValue:  counterVec("fill_value_vnd_total", "累计成交金额（VND）", "side"),

		marginReserved:   gauge("margin_reserved_vnd", "已占用保证金"),
		marginCapacity:   gauge("margin_capacity_vnd", "保证金容量"),
		marginUsed:       gauge("margin_used_ratio", "保证金使用率"),
		marginWarning:    gauge("margin_warning", "是否处于预警区(0/1)"),
		marginForceClose: gauge("margin_force_close", "是否处于强平区(0/1)"),

		reconcileCycles: counterVec("reconcile_cycles_total", "对账轮次", "broker"),
		reconcileErrors: counterVec("reconcile_errors_total", "对账错误次数", "broker"),
		reconcileChecked: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "reconcile_orders_checked",
			Help:      "最近一轮检查的订单数",
		}, []string{"broker"}),

		riskRejects:  counterVec("risk_rejects_total", "风控拒单次数", "reason"),
		circuitTrips: counterVec("circuit_trips_total", "熔断触发次数", "symbol"),
		settlements: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "settlements_total",
			Help:      "完成结算的买单数",
		}),
	}
}

// ObserveTransition 实现 order.Metrics
func (m *Monitor) ObserveTransition(from, to order.Status) {
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// ObserveSubmit 实现 order.Metrics
func (m *Monitor) ObserveSubmit(broker string, attempts int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.submits.WithLabelValues(broker, result).Inc()
	if attempts > 0 {
		m.submitAttempts.WithLabelValues(broker).Observe(float64(attempts))
	}
}

// OnFill 实现 order.FillListener
func (m *Monitor) OnFill(_ context.Context, o order.Order, f order.Fill) {
	m.fills.WithLabelValues(o.Side).Inc()
	m.fillVolume.WithLabelValues(o.Side).Add(float64(f.Quantity))
	value, _ := f.Price.Mul(decimal.NewFromInt(f.Quantity)).Float64()
	m.fillValue.WithLabelValues(o.Side).Add(value)
}

// ObserveMargin 实现 settlement.MarginObserver
func (m *Monitor) ObserveMargin(st settlement.MarginState) {
	reserved, _ := st.Reserved.Float64()
	capacity, _ := st.Capacity.Float64()
	used, _ := st.UsedPct.Float64()
	m.marginReserved.Set(reserved)
	m.marginCapacity.Set(capacity)
	m.marginUsed.Set(used)
	m.marginWarning.Set(boolGauge(st.Warning))
	m.marginForceClose.Set(boolGauge(st.ForceClose))
}

// ObserveReconcile 对账轮次回调，签名匹配 Tracker.SetCycleHook
func (m *Monitor) ObserveReconcile(broker string, checked int, err error) {
	m.reconcileCycles.WithLabelValues(broker).Inc()
	m.reconcileChecked.WithLabelValues(broker).Set(float64(checked))
	if err != nil {
		m.reconcileErrors.WithLabelValues(broker).Inc()
	}
}

// RecordRiskReject 风控拒单
func (m *Monitor) RecordRiskReject(reason string) {
	m.riskRejects.WithLabelValues(reason).Inc()
}

// RecordCircuitTrip 熔断触发
func (m *Monitor) RecordCircuitTrip(symbol string) {
	m.circuitTrips.WithLabelValues(symbol).Inc()
}

// RecordSettled 买单结算完成
func (m *Monitor) RecordSettled() {
	m.settlements.Inc()
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
