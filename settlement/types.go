package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrSettlementLocked 可卖数量不足（未过T+2.5）
var ErrSettlementLocked = errors.New("settlement locked")

// RecordStatus 结算记录状态
type RecordStatus string

const (
	RecordPending RecordStatus = "PENDING"
	RecordSettled RecordStatus = "SETTLED"
	RecordFailed  RecordStatus = "FAILED"
)

// Record 买单完全成交后的结算记录，SETTLED后不再修改
type Record struct {
	OrderID              string
	Symbol               string
	Quantity             int64
	Price                decimal.Decimal
	TradeDate            time.Time
	SettlementDate       time.Time
	ActualSettlementDate time.Time
	Status               RecordStatus
	SettledAt            time.Time
}

// Lot 一笔买入成交形成的持仓批次
type Lot struct {
	ID                   string
	OrderID              string
	Symbol               string
	Quantity             int64
	Remaining            int64
	Price                decimal.Decimal
	TradeDate            time.Time
	SettlementDate       time.Time
	ActualSettlementDate time.Time
	Margin               decimal.Decimal
	MarginReleased       bool
}

// SettledAt 该批次在now是否已可卖
func (l *Lot) SettledAt(now time.Time) bool {
	return !now.Before(l.ActualSettlementDate)
}

// Fill 推送给账本的成交
type Fill struct {
	FillID    string
	OrderID   string
	Symbol    string
	Side      string
	Quantity  int64
	Price     decimal.Decimal
	Timestamp time.Time
}

// MarginState 保证金占用
type MarginState struct {
	Reserved   decimal.Decimal
	Capacity   decimal.Decimal
	UsedPct    decimal.Decimal
	Warning    bool
	ForceClose bool
}

// ProjectionPoint 某日的保证金预测
type ProjectionPoint struct {
	Date              time.Time
	Releasable        decimal.Decimal
	ProjectedReserved decimal.Decimal
	ProjectedPct      decimal.Decimal
}

// MarginEventKind 保证金事件类型
type MarginEventKind string

const (
	MarginReserved  MarginEventKind = "reserved"
	MarginConverted MarginEventKind = "converted" // 挂单预占转为批次占用
	MarginReleased  MarginEventKind = "released"
	MarginRepaid    MarginEventKind = "repaid" // 卖出所得偿还
)

// MarginEvent 保证金流水；Ref为 order:<id> 或 lot:<id>
type MarginEvent struct {
	Ref     string
	OrderID string
	Kind    MarginEventKind
	Amount  decimal.Decimal
	At      time.Time
}

// HoldingView 单个标的的持仓视图
type HoldingView struct {
	Symbol              string
	Owned               int64
	Unsettled           int64
	Held                int64 // 已验证未成交的卖单占用
	Sellable            int64
	EarliestOpenLotDate time.Time
}

// ForceCloseProposal 强平建议，交由订单管理器生成卖单
type ForceCloseProposal struct {
	Symbol   string
	Quantity int64
	UsedPct  decimal.Decimal
	Reason   string
}

// ForceCloseHandler 接收强平建议
type ForceCloseHandler interface {
	HandleForceClose(ctx context.Context, p ForceCloseProposal) error
}

// SettledHandler 买单结算完成回调
type SettledHandler interface {
	OnSettled(ctx context.Context, orderID string) error
}

// RecordStore 结算记录持久化
type RecordStore interface {
	SaveSettlement(ctx context.Context, r Record) error
	ListSettlements(ctx context.Context) ([]Record, error)
}

// MarginObserver 保证金变化观察者（指标）
type MarginObserver interface {
	ObserveMargin(state MarginState)
}
