package risk

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"vn-execution-go/order"
)

// Limits 配置，金额单位VND，0表示不限制。
type Limits struct {
	SingleMaxNotional float64 `yaml:"single_max_notional"`
	DailyMaxNotional  float64 `yaml:"daily_max_notional"`
	MaxPositionQty    int64   `yaml:"max_position_qty"`
}

// Inventory 提供净持仓股数。
type Inventory interface {
	NetQuantity(symbol string) int64
}

// LimitChecker 维护日累计成交额与持仓上限校验。
type LimitChecker struct {
	cfg         Limits
	inv         Inventory
	mu          sync.Mutex
	dayNotional map[string]decimal.Decimal
	day         string
	clock       Clock
}

func NewLimitChecker(cfg Limits, inv Inventory, clock Clock) *LimitChecker {
	if clock == nil {
		clock = SystemClock
	}
	return &LimitChecker{
		cfg:         cfg,
		inv:         inv,
		dayNotional: make(map[string]decimal.Decimal),
		day:         clock.Now().Format("2006-01-02"),
		clock:       clock,
	}
}

// PreOrder 校验下单前约束；只有全部通过才计入日累计。
func (lc *LimitChecker) PreOrder(req order.RiskRequest) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if day := lc.clock.Now().Format("2006-01-02"); day != lc.day {
		lc.dayNotional = make(map[string]decimal.Decimal)
		lc.day = day
	}

	notional := req.Price.Mul(decimal.NewFromInt(req.Quantity))
	if limit := decimal.NewFromFloat(lc.cfg.SingleMaxNotional); limit.IsPositive() && notional.GreaterThan(limit) {
		return fmt.Errorf("%w: %s > single %s", ErrSingleExceed, notional.StringFixed(0), limit.StringFixed(0))
	}
	day := lc.dayNotional[req.Symbol].Add(notional)
	if limit := decimal.NewFromFloat(lc.cfg.DailyMaxNotional); limit.IsPositive() && day.GreaterThan(limit) {
		return fmt.Errorf("%w: %s > daily %s", ErrDailyExceed, day.StringFixed(0), limit.StringFixed(0))
	}
	// 只限制加仓方向
	if lc.inv != nil && lc.cfg.MaxPositionQty > 0 && req.Side == order.SideBuy {
		net := lc.inv.NetQuantity(req.Symbol) + req.Quantity
		if net > lc.cfg.MaxPositionQty {
			return fmt.Errorf("%w: %d > max %d", ErrPositionExceed, net, lc.cfg.MaxPositionQty)
		}
	}
	lc.dayNotional[req.Symbol] = day
	return nil
}

// DailyNotional 当日累计成交额
func (lc *LimitChecker) DailyNotional(symbol string) decimal.Decimal {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.dayNotional[symbol]
}
