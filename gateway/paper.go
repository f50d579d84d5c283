package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// DefaultPaperCash 模拟账户初始资金（VND）
	DefaultPaperCash = decimal.NewFromInt(1_000_000_000)

	paperBrokerFee = decimal.NewFromFloat(0.003)
	paperSellTax   = decimal.NewFromFloat(0.001)
)

// PaperConfig 模拟券商配置
type PaperConfig struct {
	Name         string
	InitialCash  decimal.Decimal
	AssetClasses []AssetClass
	Prices       map[string]decimal.Decimal
	// ManualFills 为true时订单只挂单，由Fill手动撮合
	ManualFills bool
}

type paperOrder struct {
	req    SubmitRequest
	report StatusReport
}

type paperPosition struct {
	qty     int64
	avgCost decimal.Decimal
}

// PaperBroker 内存模拟券商：市价单按最新价立即成交，限价单可成交时按限价成交
type PaperBroker struct {
	cfg       PaperConfig
	mu        sync.Mutex
	cash      decimal.Decimal
	prices    map[string]decimal.Decimal
	positions map[string]*paperPosition
	orders    map[string]*paperOrder
	byClient  map[string]string
	now       func() time.Time
}

var _ Adapter = (*PaperBroker)(nil)

func NewPaperBroker(cfg PaperConfig) *PaperBroker {
	if cfg.Name == "" {
		cfg.Name = BrokerPaper
	}
	if cfg.InitialCash.IsZero() {
		cfg.InitialCash = DefaultPaperCash
	}
	if len(cfg.AssetClasses) == 0 {
		cfg.AssetClasses = DefaultAssetClasses(BrokerPaper)
	}
	prices := make(map[string]decimal.Decimal, len(cfg.Prices))
	for k, v := range cfg.Prices {
		prices[k] = v
	}
	return &PaperBroker{
		cfg:       cfg,
		cash:      cfg.InitialCash,
		prices:    prices,
		positions: make(map[string]*paperPosition),
		orders:    make(map[string]*paperOrder),
		byClient:  make(map[string]string),
		now:       time.Now,
	}
}

func (p *PaperBroker) Name() string { return p.cfg.Name }

// SetClock 替换时钟，回报时间按此时钟打点
func (p *PaperBroker) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

func (p *PaperBroker) Capabilities() Capabilities {
	return Capabilities{AssetClasses: p.cfg.AssetClasses}
}

// SetPrice 更新行情价，并尝试撮合挂单
func (p *PaperBroker) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
	if p.cfg.ManualFills {
		return
	}
	for _, o := range p.orders {
		if o.req.Symbol == symbol && !o.report.Status.IsClosed() {
			p.tryFillLocked(o)
		}
	}
}

// Cash 当前现金
func (p *PaperBroker) Cash() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash
}

// OrderCount 已接受的订单数（按ClientOrderID去重后）
func (p *PaperBroker) OrderCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.orders)
}

func (p *PaperBroker) SubmitOrder(ctx context.Context, req SubmitRequest) (SubmitAck, error) {
	if err := ctx.Err(); err != nil {
		return SubmitAck{}, TransientError(p.cfg.Name, "submit", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := p.byClient[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		o := p.orders[id]
		return SubmitAck{BrokerOrderID: id, Status: o.report.Status, Duplicate: true}, nil
	}
	if req.Quantity <= 0 {
		return SubmitAck{}, PermanentError(p.cfg.Name, "submit", "invalid_quantity", "quantity must be positive")
	}
	if req.OrderType == TypeMarket {
		if _, ok := p.prices[req.Symbol]; !ok {
			return SubmitAck{}, PermanentError(p.cfg.Name, "submit", "no_price", "no market price for "+req.Symbol)
		}
	}
	if req.Side == SideSell {
		pos := p.positions[req.Symbol]
		if pos == nil || pos.qty < req.Quantity {
			return SubmitAck{}, PermanentError(p.cfg.Name, "submit", "insufficient_position", req.Symbol)
		}
	}

	id := uuid.NewString()
	o := &paperOrder{
		req: req,
		report: StatusReport{
			Broker:        p.cfg.Name,
			BrokerOrderID: id,
			ClientOrderID: req.ClientOrderID,
			Status:        RemoteAccepted,
			UpdatedAt:     p.now().UTC(),
		},
	}
	p.orders[id] = o
	p.byClient[req.ClientOrderID] = id

	if !p.cfg.ManualFills {
		p.tryFillLocked(o)
	}
	return SubmitAck{BrokerOrderID: id, Status: o.report.Status}, nil
}

// tryFillLocked 按当前价撮合剩余数量
func (p *PaperBroker) tryFillLocked(o *paperOrder) {
	market, ok := p.prices[o.req.Symbol]
	price := market
	if o.req.OrderType == TypeLimit {
		price = o.req.Price
		if ok {
			if o.req.Side == SideBuy && market.GreaterThan(o.req.Price) {
				return
			}
			if o.req.Side == SideSell && market.LessThan(o.req.Price) {
				return
			}
		}
	} else if !ok {
		return
	}
	remaining := o.req.Quantity - o.report.FilledQuantity
	p.applyFillLocked(o, remaining, price)
}

// Fill 手动撮合qty股，用于模拟部分成交
func (p *PaperBroker) Fill(brokerOrderID string, qty int64, price decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[brokerOrderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.report.Status.IsClosed() {
		return PermanentError(p.cfg.Name, "fill", "closed", "order closed")
	}
	if rem := o.req.Quantity - o.report.FilledQuantity; qty > rem {
		qty = rem
	}
	p.applyFillLocked(o, qty, price)
	return nil
}

func (p *PaperBroker) applyFillLocked(o *paperOrder, qty int64, price decimal.Decimal) {
	if qty <= 0 {
		return
	}
	value := price.Mul(decimal.NewFromInt(qty))
	if o.req.Side == SideBuy {
		cost := value.Mul(decimal.NewFromInt(1).Add(paperBrokerFee))
		if cost.GreaterThan(p.cash) {
			o.report.Status = RemoteRejected
			o.report.Reason = "insufficient cash"
			o.report.UpdatedAt = p.now().UTC()
			return
		}
		p.cash = p.cash.Sub(cost)
		pos := p.positions[o.req.Symbol]
		if pos == nil {
			pos = &paperPosition{}
			p.positions[o.req.Symbol] = pos
		}
		total := pos.qty + qty
		pos.avgCost = pos.avgCost.Mul(decimal.NewFromInt(pos.qty)).Add(value).Div(decimal.NewFromInt(total))
		pos.qty = total
	} else {
		proceeds := value.Mul(decimal.NewFromInt(1).Sub(paperBrokerFee).Sub(paperSellTax))
		p.cash = p.cash.Add(proceeds)
		if pos := p.positions[o.req.Symbol]; pos != nil {
			pos.qty -= qty
			if pos.qty <= 0 {
				delete(p.positions, o.req.Symbol)
			}
		}
	}

	prevQty := decimal.NewFromInt(o.report.FilledQuantity)
	filled := o.report.FilledQuantity + qty
	o.report.AvgFillPrice = o.report.AvgFillPrice.Mul(prevQty).Add(value).Div(decimal.NewFromInt(filled))
	o.report.FilledQuantity = filled
	if filled >= o.req.Quantity {
		o.report.Status = RemoteFilled
	} else {
		o.report.Status = RemotePartiallyFilled
	}
	o.report.UpdatedAt = p.now().UTC()
}

// Deposit 增加持仓（用于导入已结算持仓的测试场景）
func (p *PaperBroker) Deposit(symbol string, qty int64, avgCost decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos := p.positions[symbol]
	if pos == nil {
		pos = &paperPosition{}
		p.positions[symbol] = pos
	}
	total := pos.qty + qty
	pos.avgCost = pos.avgCost.Mul(decimal.NewFromInt(pos.qty)).Add(avgCost.Mul(decimal.NewFromInt(qty))).Div(decimal.NewFromInt(total))
	pos.qty = total
}

func (p *PaperBroker) CancelOrder(ctx context.Context, ref OrderRef) (CancelAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.resolveLocked(ref)
	o, ok := p.orders[id]
	if !ok {
		return CancelAck{}, PermanentError(p.cfg.Name, "cancel", "not_found", ref.BrokerOrderID)
	}
	if o.report.Status.IsClosed() {
		return CancelAck{BrokerOrderID: id, Accepted: false}, nil
	}
	o.report.Status = RemoteCancelled
	o.report.UpdatedAt = p.now().UTC()
	return CancelAck{BrokerOrderID: id, Accepted: true}, nil
}

func (p *PaperBroker) GetOrderStatus(ctx context.Context, ref OrderRef) (StatusReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[p.resolveLocked(ref)]
	if !ok {
		return StatusReport{}, ErrOrderNotFound
	}
	return o.report, nil
}

func (p *PaperBroker) resolveLocked(ref OrderRef) string {
	if ref.BrokerOrderID != "" {
		return ref.BrokerOrderID
	}
	return p.byClient[ref.ClientOrderID]
}

func (p *PaperBroker) GetAccountInfo(ctx context.Context) (AccountInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	equity := p.cash
	info := AccountInfo{Broker: p.cfg.Name, AccountID: "paper", Cash: p.cash, BuyingPower: p.cash}
	for sym, pos := range p.positions {
		mark := pos.avgCost
		if px, ok := p.prices[sym]; ok {
			mark = px
		}
		equity = equity.Add(mark.Mul(decimal.NewFromInt(pos.qty)))
		info.Holdings = append(info.Holdings, Holding{Symbol: sym, Quantity: pos.qty, AvgCost: pos.avgCost})
	}
	info.TotalEquity = equity
	return info, nil
}
