package inventory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"vn-execution-go/order"
	"vn-execution-go/settlement"
)

// Position 单个标的的净持仓
type Position struct {
	Symbol              string
	NetQuantity         int64
	AverageCost         decimal.Decimal
	RealizedPnL         decimal.Decimal
	EarliestOpenLotDate time.Time // 最早未结算买入批次的交易日
}

// LotSource 提供批次视图（结算账本）
type LotSource interface {
	Holding(symbol string, now time.Time) settlement.HoldingView
}

var _ order.FillListener = (*Tracker)(nil)

// Tracker 维护各标的净仓位，由成交驱动。
type Tracker struct {
	mu        sync.RWMutex
	positions map[string]*Position
	lots      LotSource
	now       func() time.Time
}

func NewTracker(lots LotSource) *Tracker {
	return &Tracker{
		positions: make(map[string]*Position),
		lots:      lots,
		now:       time.Now,
	}
}

// SetClock 替换时钟（测试用）
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// OnFill 根据成交数量调整仓位；卖出按平均成本结转已实现盈亏。
func (t *Tracker) OnFill(_ context.Context, o order.Order, f order.Fill) {
	t.Update(o.Symbol, o.Side, f.Quantity, f.Price)
}

// Update 买入加权平均成本，卖出成本不变
func (t *Tracker) Update(symbol, side string, qty int64, price decimal.Decimal) {
	if qty <= 0 {
		return
	}
	symbol = strings.ToUpper(symbol)
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.positionLocked(symbol)
	q := decimal.NewFromInt(qty)

	if side == order.SideBuy {
		totalValue := p.AverageCost.Mul(decimal.NewFromInt(p.NetQuantity)).Add(price.Mul(q))
		p.NetQuantity += qty
		p.AverageCost = totalValue.Div(decimal.NewFromInt(p.NetQuantity))
		return
	}
	if qty > p.NetQuantity {
		qty = p.NetQuantity
		q = decimal.NewFromInt(qty)
	}
	p.RealizedPnL = p.RealizedPnL.Add(price.Sub(p.AverageCost).Mul(q))
	p.NetQuantity -= qty
	if p.NetQuantity == 0 {
		p.AverageCost = decimal.Zero
	}
}

// Seed 导入券商已有持仓
func (t *Tracker) Seed(symbol string, qty int64, avgCost decimal.Decimal) {
	symbol = strings.ToUpper(symbol)
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.positionLocked(symbol)
	p.NetQuantity = qty
	p.AverageCost = avgCost
}

func (t *Tracker) positionLocked(symbol string) *Position {
	p, ok := t.positions[symbol]
	if !ok {
		p = &Position{Symbol: symbol}
		t.positions[symbol] = p
	}
	return p
}

// NetQuantity 实现 risk.Inventory
func (t *Tracker) NetQuantity(symbol string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.positions[strings.ToUpper(symbol)]; ok {
		return p.NetQuantity
	}
	return 0
}

// Position 仓位快照，附带账本中最早未结算批次日期
func (t *Tracker) Position(symbol string) (Position, bool) {
	symbol = strings.ToUpper(symbol)
	t.mu.RLock()
	p, ok := t.positions[symbol]
	var out Position
	if ok {
		out = *p
	}
	t.mu.RUnlock()
	if !ok {
		return Position{}, false
	}
	if t.lots != nil {
		out.EarliestOpenLotDate = t.lots.Holding(symbol, t.now()).EarliestOpenLotDate
	}
	return out, true
}

// Positions 所有非零仓位
func (t *Tracker) Positions() []Position {
	t.mu.RLock()
	symbols := make([]string, 0, len(t.positions))
	for s, p := range t.positions {
		if p.NetQuantity != 0 {
			symbols = append(symbols, s)
		}
	}
	t.mu.RUnlock()
	sort.Strings(symbols)

	out := make([]Position, 0, len(symbols))
	for _, s := range symbols {
		if p, ok := t.Position(s); ok {
			out = append(out, p)
		}
	}
	return out
}
