package settlement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"vn-execution-go/infrastructure/alert"
	"vn-execution-go/infrastructure/logger"
)

// Config 账本参数
type Config struct {
	MarginRate     decimal.Decimal
	WarningPct     decimal.Decimal
	ForceClosePct  decimal.Decimal
	Capacity       decimal.Decimal
	ProjectionDays int
}

// DefaultConfig 保证金率30%，70%预警，95%强平
func DefaultConfig() Config {
	return Config{
		MarginRate:     decimal.NewFromFloat(0.30),
		WarningPct:     decimal.NewFromFloat(0.70),
		ForceClosePct:  decimal.NewFromFloat(0.95),
		ProjectionDays: 3,
	}
}

type orderReservation struct {
	orderID   string
	symbol    string
	remaining int64
	refPrice  decimal.Decimal
	rate      decimal.Decimal
	credit    decimal.Decimal // 卖出所得已偿还的部分
	seq       int64
	closed    bool
}

func (r *orderReservation) gross() decimal.Decimal {
	return decimal.NewFromInt(r.remaining).Mul(r.refPrice).Mul(r.rate)
}

func (r *orderReservation) amount() decimal.Decimal {
	a := r.gross().Sub(r.credit)
	if a.IsNegative() {
		return decimal.Zero
	}
	return a
}

type sellHold struct {
	symbol    string
	remaining int64
}

type dispatchCall struct {
	alertType string
	message   string
	data      map[string]interface{}
}

// actions 锁内收集、锁外执行的副作用
type actions struct {
	alerts    []dispatchCall
	proposals []ForceCloseProposal
	settled   []string
	persist   []Record
	state     *MarginState
}

// Ledger 结算账本：批次、结算记录、保证金。所有状态变更经同一把写锁串行化。
type Ledger struct {
	mu       sync.Mutex
	cfg      Config
	calendar *Calendar
	logger   *logger.Logger

	lots         map[string][]*Lot // symbol -> FIFO
	reservations map[string]*orderReservation
	sellHolds    map[string]*sellHold
	records      map[string]*Record
	events       []MarginEvent
	warnActive   bool
	forceActive  bool
	replaying    int
	reserveSeq   int64

	dispatcher alert.Dispatcher
	store      RecordStore
	forceClose ForceCloseHandler
	onSettled  SettledHandler
	observer   MarginObserver
	priceFn    func(symbol string) (decimal.Decimal, bool)
	now        func() time.Time
}

// NewLedger 创建账本
func NewLedger(cfg Config, cal *Calendar, log *logger.Logger) *Ledger {
	if cal == nil {
		cal = NewCalendar(time.UTC, nil)
	}
	if log == nil {
		log = logger.Nop()
	}
	if cfg.ProjectionDays <= 0 {
		cfg.ProjectionDays = 3
	}
	return &Ledger{
		cfg:          cfg,
		calendar:     cal,
		logger:       log.Named("settlement"),
		lots:         make(map[string][]*Lot),
		reservations: make(map[string]*orderReservation),
		sellHolds:    make(map[string]*sellHold),
		records:      make(map[string]*Record),
		now:          time.Now,
	}
}

func (l *Ledger) SetDispatcher(d alert.Dispatcher)         { l.dispatcher = d }
func (l *Ledger) SetStore(s RecordStore)                   { l.store = s }
func (l *Ledger) SetForceCloseHandler(h ForceCloseHandler) { l.forceClose = h }
func (l *Ledger) SetSettledHandler(h SettledHandler)       { l.onSettled = h }
func (l *Ledger) SetObserver(o MarginObserver)             { l.observer = o }

// SetPriceFunc 强平时按最新价估算敞口
func (l *Ledger) SetPriceFunc(fn func(symbol string) (decimal.Decimal, bool)) { l.priceFn = fn }

// Calendar 交易日历
func (l *Ledger) Calendar() *Calendar { return l.calendar }

// GetSettlementDate 成交日+2个交易日
func (l *Ledger) GetSettlementDate(trade time.Time) time.Time {
	return l.calendar.SettlementDate(trade)
}

// GetActualSettlementDate 结算日次日中午
func (l *Ledger) GetActualSettlementDate(trade time.Time) time.Time {
	return l.calendar.ActualSettlementDate(trade)
}

// SetCapacity 更新保证金额度（来自配置或券商账户）
func (l *Ledger) SetCapacity(ctx context.Context, capacity decimal.Decimal) {
	l.mu.Lock()
	l.cfg.Capacity = capacity
	acts := &actions{}
	l.evaluateLocked(acts)
	l.mu.Unlock()
	l.flush(ctx, acts)
}

// UpdateThresholds 热更新阈值和保证金率；已有占用金额不变
func (l *Ledger) UpdateThresholds(ctx context.Context, rate, warning, forceClose decimal.Decimal) {
	l.mu.Lock()
	if rate.IsPositive() {
		l.cfg.MarginRate = rate
	}
	if warning.IsPositive() {
		l.cfg.WarningPct = warning
	}
	if forceClose.IsPositive() {
		l.cfg.ForceClosePct = forceClose
	}
	acts := &actions{}
	l.evaluateLocked(acts)
	l.mu.Unlock()
	l.flush(ctx, acts)
}

// Config 当前参数
func (l *Ledger) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// SeedHolding 导入券商已结算持仓
func (l *Ledger) SeedHolding(symbol string, qty int64, avgCost decimal.Decimal) {
	if qty <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lots[symbol] = append([]*Lot{{
		ID:             "seed:" + symbol,
		Symbol:         symbol,
		Quantity:       qty,
		Remaining:      qty,
		Price:          avgCost,
		MarginReleased: true,
	}}, l.lots[symbol]...)
}

// ReserveOrder 买单验证通过时预占保证金：qty × price × rate；重复调用无效果
func (l *Ledger) ReserveOrder(ctx context.Context, orderID, symbol string, qty int64, price decimal.Decimal) decimal.Decimal {
	l.mu.Lock()
	if r, ok := l.reservations[orderID]; ok {
		l.mu.Unlock()
		return r.amount()
	}
	l.reserveSeq++
	r := &orderReservation{
		orderID:   orderID,
		symbol:    symbol,
		remaining: qty,
		refPrice:  price,
		rate:      l.cfg.MarginRate,
		seq:       l.reserveSeq,
	}
	l.reservations[orderID] = r
	amount := r.amount()
	l.recordLocked("order:"+orderID, orderID, MarginReserved, amount)
	acts := &actions{}
	l.evaluateLocked(acts)
	l.mu.Unlock()

	l.flush(ctx, acts)
	return amount
}

// ReserveSell 卖单验证：检查T+2.5可卖数量并占用，不足返回ErrSettlementLocked
func (l *Ledger) ReserveSell(orderID, symbol string, qty int64, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.sellHolds[orderID]; ok {
		return nil
	}
	view := l.holdingLocked(symbol, now)
	if view.Sellable < qty {
		return fmt.Errorf("%w: %s sellable %d < requested %d (owned %d, unsettled %d)",
			ErrSettlementLocked, symbol, view.Sellable, qty, view.Owned, view.Unsettled)
	}
	l.sellHolds[orderID] = &sellHold{symbol: symbol, remaining: qty}
	return nil
}

// IsSettlementReady 未结算数量 ≤ 持有量 − 请求量（FIFO，已扣除在途卖单）
func (l *Ledger) IsSettlementReady(symbol string, qty int64, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holdingLocked(symbol, now).Sellable >= qty
}

// Holding 标的持仓视图
func (l *Ledger) Holding(symbol string, now time.Time) HoldingView {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holdingLocked(symbol, now)
}

// Holdings 所有标的持仓视图（按代码排序）
func (l *Ledger) Holdings(now time.Time) []HoldingView {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]HoldingView, 0, len(l.lots))
	for sym := range l.lots {
		if v := l.holdingLocked(sym, now); v.Owned > 0 {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (l *Ledger) holdingLocked(symbol string, now time.Time) HoldingView {
	v := HoldingView{Symbol: symbol}
	for _, lot := range l.lots[symbol] {
		if lot.Remaining <= 0 {
			continue
		}
		v.Owned += lot.Remaining
		if !lot.SettledAt(now) {
			v.Unsettled += lot.Remaining
			if v.EarliestOpenLotDate.IsZero() {
				v.EarliestOpenLotDate = lot.TradeDate
			}
		}
	}
	for _, h := range l.sellHolds {
		if h.symbol == symbol {
			v.Held += h.remaining
		}
	}
	v.Sellable = v.Owned - v.Unsettled - v.Held
	if v.Sellable < 0 {
		v.Sellable = 0
	}
	return v
}

// GetDaysHeld 最早持有批次至今经过的交易日数
func (l *Ledger) GetDaysHeld(symbol string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, lot := range l.lots[symbol] {
		if lot.Remaining > 0 && !lot.TradeDate.IsZero() {
			return l.calendar.TradingDaysBetween(lot.TradeDate, now)
		}
	}
	return 0
}

// ApplyFill 记录成交：买入形成新批次并占用保证金，卖出按FIFO消耗已结算批次
func (l *Ledger) ApplyFill(ctx context.Context, f Fill) {
	if f.Quantity <= 0 {
		return
	}
	l.mu.Lock()
	acts := &actions{}
	if f.Side == "BUY" {
		l.applyBuyLocked(f)
	} else {
		l.applySellLocked(f)
	}
	l.evaluateLocked(acts)
	l.mu.Unlock()

	l.flush(ctx, acts)
}

func (l *Ledger) applyBuyLocked(f Fill) {
	rate := l.cfg.MarginRate
	carried := decimal.Zero
	if r, ok := l.reservations[f.OrderID]; ok && !r.closed {
		converted := decimal.NewFromInt(minInt64(f.Quantity, r.remaining)).Mul(r.refPrice).Mul(r.rate)
		// 已偿还的额度随成交转入批次
		carried = decimal.Min(r.credit, converted)
		r.credit = r.credit.Sub(carried)
		r.remaining -= minInt64(f.Quantity, r.remaining)
		rate = r.rate
		l.recordLocked("order:"+f.OrderID, f.OrderID, MarginConverted, converted.Sub(carried))
	}

	id := f.FillID
	if id == "" {
		id = uuid.NewString()
	}
	trade := f.Timestamp
	if trade.IsZero() {
		trade = l.now()
	}
	lot := &Lot{
		ID:                   id,
		OrderID:              f.OrderID,
		Symbol:               f.Symbol,
		Quantity:             f.Quantity,
		Remaining:            f.Quantity,
		Price:                f.Price,
		TradeDate:            l.calendar.Date(trade),
		SettlementDate:       l.calendar.SettlementDate(trade),
		ActualSettlementDate: l.calendar.ActualSettlementDate(trade),
		Margin:               decimal.NewFromInt(f.Quantity).Mul(f.Price).Mul(rate).Sub(carried),
	}
	if !lot.Margin.IsPositive() {
		lot.Margin = decimal.Zero
		lot.MarginReleased = true
	}
	l.lots[f.Symbol] = append(l.lots[f.Symbol], lot)
	l.recordLocked("lot:"+lot.ID, f.OrderID, MarginReserved, lot.Margin)

	l.logger.LogSettlement("lot_opened", map[string]interface{}{
		"order_id":               f.OrderID,
		"symbol":                 f.Symbol,
		"quantity":               f.Quantity,
		"price":                  f.Price.String(),
		"settlement_date":        lot.SettlementDate.Format(dateLayout),
		"actual_settlement_date": lot.ActualSettlementDate.Format(time.RFC3339),
		"margin":                 lot.Margin.String(),
	})
}

func (l *Ledger) applySellLocked(f Fill) {
	if h, ok := l.sellHolds[f.OrderID]; ok {
		h.remaining -= minInt64(f.Quantity, h.remaining)
	}
	now := f.Timestamp
	if now.IsZero() {
		now = l.now()
	}
	left := f.Quantity
	// 先消耗已结算批次，再兜底消耗未结算批次
	for pass := 0; pass < 2 && left > 0; pass++ {
		for _, lot := range l.lots[f.Symbol] {
			if left == 0 {
				break
			}
			if lot.Remaining == 0 || (pass == 0 && !lot.SettledAt(now)) {
				continue
			}
			take := minInt64(left, lot.Remaining)
			lot.Remaining -= take
			left -= take
		}
	}
	if left > 0 {
		l.logger.LogRisk("sell_exceeds_holdings", map[string]interface{}{
			"order_id": f.OrderID,
			"symbol":   f.Symbol,
			"excess":   left,
		})
	}
	sold := f.Quantity - left
	if sold > 0 {
		l.repayLocked(decimal.NewFromInt(sold).Mul(f.Price).Mul(l.cfg.MarginRate))
	}
	l.pruneLocked(f.Symbol)
}

// repayLocked 卖出所得按 成交额×保证金率 偿还占用：先未释放批次（按可卖时间），再挂单预占（按预占顺序）。
// 返回实际偿还金额，没有占用时所得不结转。
func (l *Ledger) repayLocked(amount decimal.Decimal) decimal.Decimal {
	left := amount
	var lots []*Lot
	for _, ls := range l.lots {
		for _, lot := range ls {
			if !lot.MarginReleased && lot.Margin.IsPositive() {
				lots = append(lots, lot)
			}
		}
	}
	sort.Slice(lots, func(i, j int) bool {
		if lots[i].ActualSettlementDate.Equal(lots[j].ActualSettlementDate) {
			return lots[i].ID < lots[j].ID
		}
		return lots[i].ActualSettlementDate.Before(lots[j].ActualSettlementDate)
	})
	for _, lot := range lots {
		if !left.IsPositive() {
			break
		}
		take := decimal.Min(left, lot.Margin)
		lot.Margin = lot.Margin.Sub(take)
		if !lot.Margin.IsPositive() {
			lot.MarginReleased = true
		}
		left = left.Sub(take)
		l.recordLocked("lot:"+lot.ID, lot.OrderID, MarginRepaid, take)
	}

	var open []*orderReservation
	for _, r := range l.reservations {
		if !r.closed && r.amount().IsPositive() {
			open = append(open, r)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].seq < open[j].seq })
	for _, r := range open {
		if !left.IsPositive() {
			break
		}
		take := decimal.Min(left, r.amount())
		r.credit = r.credit.Add(take)
		left = left.Sub(take)
		l.recordLocked("order:"+r.orderID, r.orderID, MarginRepaid, take)
	}
	return amount.Sub(left)
}

// CloseOrder 订单进入终态（成交完毕/撤单/失败/过期）时释放剩余预占，每单只释放一次
func (l *Ledger) CloseOrder(ctx context.Context, orderID string) (decimal.Decimal, bool) {
	l.mu.Lock()
	delete(l.sellHolds, orderID)
	r, ok := l.reservations[orderID]
	if !ok || r.closed {
		l.mu.Unlock()
		return decimal.Zero, false
	}
	amount := r.amount()
	r.closed = true
	r.remaining = 0
	l.recordLocked("order:"+orderID, orderID, MarginReleased, amount)
	acts := &actions{}
	l.evaluateLocked(acts)
	l.mu.Unlock()

	l.flush(ctx, acts)
	return amount, true
}

// CompleteBuy 买单完全成交后生成结算记录；已存在则返回原记录
func (l *Ledger) CompleteBuy(ctx context.Context, orderID, symbol string, qty int64, avgPrice decimal.Decimal, trade time.Time) Record {
	l.mu.Lock()
	if rec, ok := l.records[orderID]; ok {
		l.mu.Unlock()
		return *rec
	}
	rec := &Record{
		OrderID:              orderID,
		Symbol:               symbol,
		Quantity:             qty,
		Price:                avgPrice,
		TradeDate:            l.calendar.Date(trade),
		SettlementDate:       l.calendar.SettlementDate(trade),
		ActualSettlementDate: l.calendar.ActualSettlementDate(trade),
		Status:               RecordPending,
	}
	l.records[orderID] = rec
	acts := &actions{persist: []Record{*rec}}
	l.mu.Unlock()

	l.flush(ctx, acts)
	return *rec
}

// LoadRecords 启动时从存储恢复结算记录
func (l *Ledger) LoadRecords(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	recs, err := l.store.ListSettlements(ctx)
	if err != nil {
		return fmt.Errorf("load settlements: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range recs {
		rec := recs[i]
		l.records[rec.OrderID] = &rec
	}
	return nil
}

// Record 按订单查询结算记录
func (l *Ledger) Record(orderID string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[orderID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Records 全部结算记录（按成交日排序）
func (l *Ledger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TradeDate.Equal(out[j].TradeDate) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].TradeDate.Before(out[j].TradeDate)
	})
	return out
}

// BeginReplay 进入恢复重放：暂停阈值通知和强平建议，可嵌套
func (l *Ledger) BeginReplay() {
	l.mu.Lock()
	l.replaying++
	l.mu.Unlock()
}

// EndReplay 结束重放；最外层结束时先清扫已过T+2.5的批次，再按当前占用评估阈值
func (l *Ledger) EndReplay(ctx context.Context, now time.Time) int {
	l.mu.Lock()
	if l.replaying > 0 {
		l.replaying--
	}
	done := l.replaying == 0
	l.mu.Unlock()
	if !done {
		return 0
	}
	return l.Sweep(ctx, now)
}

// Replaying 是否处于恢复重放
func (l *Ledger) Replaying() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.replaying > 0
}

// Sweep 结算到期批次并释放其保证金，更新到期结算记录
func (l *Ledger) Sweep(ctx context.Context, now time.Time) int {
	l.mu.Lock()
	acts := &actions{}
	settledLots := 0
	for sym, lots := range l.lots {
		for _, lot := range lots {
			if lot.MarginReleased || !lot.SettledAt(now) {
				continue
			}
			lot.MarginReleased = true
			settledLots++
			l.recordLocked("lot:"+lot.ID, lot.OrderID, MarginReleased, lot.Margin)
		}
		l.pruneLocked(sym)
	}
	for id, rec := range l.records {
		if rec.Status != RecordPending || now.Before(rec.ActualSettlementDate) {
			continue
		}
		rec.Status = RecordSettled
		rec.SettledAt = now
		acts.persist = append(acts.persist, *rec)
		acts.settled = append(acts.settled, id)
	}
	l.evaluateLocked(acts)
	l.mu.Unlock()

	if settledLots > 0 || len(acts.settled) > 0 {
		l.logger.LogSettlement("sweep", map[string]interface{}{
			"lots_settled":    settledLots,
			"records_settled": len(acts.settled),
		})
	}
	l.flush(ctx, acts)
	return settledLots
}

func (l *Ledger) pruneLocked(symbol string) {
	lots := l.lots[symbol]
	kept := lots[:0]
	for _, lot := range lots {
		if lot.Remaining == 0 && lot.MarginReleased {
			continue
		}
		kept = append(kept, lot)
	}
	if len(kept) == 0 {
		delete(l.lots, symbol)
		return
	}
	l.lots[symbol] = kept
}

// MarginState 当前保证金占用
func (l *Ledger) MarginState() MarginState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.marginStateLocked()
}

func (l *Ledger) reservedLocked() decimal.Decimal {
	total := decimal.Zero
	for _, r := range l.reservations {
		if !r.closed {
			total = total.Add(r.amount())
		}
	}
	for _, lots := range l.lots {
		for _, lot := range lots {
			if !lot.MarginReleased {
				total = total.Add(lot.Margin)
			}
		}
	}
	return total
}

func (l *Ledger) marginStateLocked() MarginState {
	st := MarginState{Reserved: l.reservedLocked(), Capacity: l.cfg.Capacity, UsedPct: decimal.Zero}
	if l.cfg.Capacity.IsPositive() {
		st.UsedPct = st.Reserved.Div(l.cfg.Capacity)
		st.Warning = st.UsedPct.GreaterThanOrEqual(l.cfg.WarningPct)
		st.ForceClose = st.UsedPct.GreaterThanOrEqual(l.cfg.ForceClosePct)
	}
	return st
}

// GetMarginProjection 未来days个自然日每日可释放保证金及预计占用率；days<=0用默认值
func (l *Ledger) GetMarginProjection(now time.Time, days int) []ProjectionPoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	if days <= 0 {
		days = l.cfg.ProjectionDays
	}

	reserved := l.reservedLocked()
	today := l.calendar.Date(now)
	lower := now
	cumulative := decimal.Zero
	points := make([]ProjectionPoint, 0, days)
	for i := 1; i <= days; i++ {
		day := today.AddDate(0, 0, i)
		upper := day.AddDate(0, 0, 1)
		releasable := decimal.Zero
		for _, lots := range l.lots {
			for _, lot := range lots {
				if lot.MarginReleased {
					continue
				}
				at := lot.ActualSettlementDate
				// 首日包含已到期但尚未清扫的批次
				if (i == 1 || at.After(lower)) && at.Before(upper) {
					releasable = releasable.Add(lot.Margin)
				}
			}
		}
		cumulative = cumulative.Add(releasable)
		projected := reserved.Sub(cumulative)
		pct := decimal.Zero
		if l.cfg.Capacity.IsPositive() {
			pct = projected.Div(l.cfg.Capacity)
		}
		points = append(points, ProjectionPoint{
			Date:              day,
			Releasable:        releasable,
			ProjectedReserved: projected,
			ProjectedPct:      pct,
		})
		lower = upper
	}
	return points
}

// Events 某订单相关的保证金流水（含其批次）
func (l *Ledger) Events(orderID string) []MarginEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []MarginEvent
	for _, e := range l.events {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out
}

func (l *Ledger) recordLocked(ref, orderID string, kind MarginEventKind, amount decimal.Decimal) {
	l.events = append(l.events, MarginEvent{Ref: ref, OrderID: orderID, Kind: kind, Amount: amount, At: l.now()})
}

// evaluateLocked 检测阈值穿越：每次向上穿越只通知一次，回落后重新布防
func (l *Ledger) evaluateLocked(acts *actions) {
	st := l.marginStateLocked()
	acts.state = &st
	if l.replaying > 0 {
		return
	}

	data := map[string]interface{}{
		"reserved": st.Reserved.StringFixed(0),
		"capacity": st.Capacity.StringFixed(0),
		"used_pct": st.UsedPct.StringFixed(4),
	}
	switch {
	case st.Warning && !l.warnActive:
		l.warnActive = true
		acts.alerts = append(acts.alerts, dispatchCall{
			alertType: alert.TypeMarginWarning,
			message:   fmt.Sprintf("margin used %s%% crossed warning threshold", st.UsedPct.Mul(decimal.NewFromInt(100)).StringFixed(2)),
			data:      data,
		})
	case !st.Warning && l.warnActive:
		l.warnActive = false
	}

	switch {
	case st.ForceClose && !l.forceActive:
		l.forceActive = true
		acts.alerts = append(acts.alerts, dispatchCall{
			alertType: alert.TypeMarginDanger,
			message:   fmt.Sprintf("margin used %s%% crossed force-close threshold", st.UsedPct.Mul(decimal.NewFromInt(100)).StringFixed(2)),
			data:      data,
		})
		acts.proposals = l.forceCloseProposalsLocked(st)
	case !st.ForceClose && l.forceActive:
		l.forceActive = false
	}
}

// forceCloseProposalsLocked 按敞口从大到小选可卖持仓，直到覆盖超出预警线的部分。
// 卖出每单位成交额偿还 MarginRate 的占用（见repayLocked），所以目标成交额为 超额/MarginRate。
func (l *Ledger) forceCloseProposalsLocked(st MarginState) []ForceCloseProposal {
	now := l.now()
	excess := st.Reserved.Sub(l.cfg.WarningPct.Mul(st.Capacity))
	if !excess.IsPositive() || !l.cfg.MarginRate.IsPositive() {
		return nil
	}
	target := excess.Div(l.cfg.MarginRate)

	type candidate struct {
		symbol   string
		sellable int64
		price    decimal.Decimal
		exposure decimal.Decimal
	}
	var cands []candidate
	for sym, lots := range l.lots {
		v := l.holdingLocked(sym, now)
		if v.Sellable <= 0 {
			continue
		}
		price := lots[0].Price
		if l.priceFn != nil {
			if p, ok := l.priceFn(sym); ok {
				price = p
			}
		}
		cands = append(cands, candidate{sym, v.Sellable, price, price.Mul(decimal.NewFromInt(v.Sellable))})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].exposure.Equal(cands[j].exposure) {
			return cands[i].symbol < cands[j].symbol
		}
		return cands[i].exposure.GreaterThan(cands[j].exposure)
	})

	var out []ForceCloseProposal
	covered := decimal.Zero
	for _, c := range cands {
		if covered.GreaterThanOrEqual(target) {
			break
		}
		qty := c.sellable
		if c.price.IsPositive() {
			need := target.Sub(covered).Div(c.price).Ceil().IntPart()
			if need < qty {
				qty = need
			}
		}
		if qty <= 0 {
			continue
		}
		covered = covered.Add(c.price.Mul(decimal.NewFromInt(qty)))
		out = append(out, ForceCloseProposal{
			Symbol:   c.symbol,
			Quantity: qty,
			UsedPct:  st.UsedPct,
			Reason:   "margin_force_close",
		})
	}
	return out
}

func (l *Ledger) flush(ctx context.Context, acts *actions) {
	for _, rec := range acts.persist {
		if l.store == nil {
			break
		}
		if err := l.store.SaveSettlement(ctx, rec); err != nil {
			l.logger.LogError(err, map[string]interface{}{"op": "save_settlement", "order_id": rec.OrderID})
		}
	}
	if acts.state != nil && l.observer != nil {
		l.observer.ObserveMargin(*acts.state)
	}
	for _, a := range acts.alerts {
		l.logger.LogRisk(a.alertType, a.data)
		if l.dispatcher != nil {
			l.dispatcher.Dispatch(a.alertType, "", a.message, a.data)
		}
	}
	for _, p := range acts.proposals {
		if l.dispatcher != nil {
			l.dispatcher.Dispatch(alert.TypeForcedSell, "", fmt.Sprintf("force close %d %s", p.Quantity, p.Symbol),
				map[string]interface{}{"symbol": p.Symbol, "quantity": p.Quantity, "used_pct": p.UsedPct.StringFixed(4)})
		}
		if l.forceClose == nil {
			continue
		}
		if err := l.forceClose.HandleForceClose(ctx, p); err != nil {
			l.logger.LogError(err, map[string]interface{}{"op": "force_close", "symbol": p.Symbol})
		}
	}
	for _, id := range acts.settled {
		if l.onSettled == nil {
			continue
		}
		if err := l.onSettled.OnSettled(ctx, id); err != nil {
			l.logger.LogError(err, map[string]interface{}{"op": "on_settled", "order_id": id})
		}
	}
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
