package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config 风控配置
type Config struct {
	Limits            Limits        `yaml:"limits"`
	MaxMarginPct      float64       `yaml:"max_margin_pct"` // 买单预占后的占用率上限，0表示只在强平线拒绝
	MinInterval       time.Duration `yaml:"min_interval"`
	CircuitOneMinute  float64       `yaml:"circuit_1m"`
	CircuitFiveMinute float64       `yaml:"circuit_5m"`
	CircuitCooldown   time.Duration `yaml:"circuit_cooldown"`
}

// DefaultConfig 默认只启用保证金和熔断（HOSE单日涨跌停7%）
func DefaultConfig() Config {
	return Config{
		MaxMarginPct:      0.95,
		CircuitOneMinute:  0.03,
		CircuitFiveMinute: 0.05,
		CircuitCooldown:   15 * time.Minute,
	}
}

// BuildGuards 方便组装常用的风控组合，返回熔断器供行情源注册。
func BuildGuards(cfg Config, marginRate decimal.Decimal, inv Inventory, clock Clock, notifier *Notifier) (MultiGuard, *CircuitBreaker) {
	var guards []Guard
	if cfg.Limits != (Limits{}) {
		guards = append(guards, NewLimitChecker(cfg.Limits, inv, clock))
	}
	guards = append(guards, MarginGuard{Rate: marginRate, MaxPct: decimal.NewFromFloat(cfg.MaxMarginPct)})

	var cb *CircuitBreaker
	if cfg.CircuitOneMinute > 0 || cfg.CircuitFiveMinute > 0 {
		cb = NewCircuitBreaker(cfg.CircuitOneMinute, cfg.CircuitFiveMinute, cfg.CircuitCooldown, clock, notifier)
		guards = append(guards, cb)
	}
	if cfg.MinInterval > 0 {
		guards = append(guards, NewLatencyGuard(cfg.MinInterval, clock))
	}
	return MultiGuard{Guards: guards}, cb
}
