package order

import (
	"context"

	"github.com/shopspring/decimal"

	"vn-execution-go/settlement"
)

// Store 订单持久化
type Store interface {
	SaveOrder(ctx context.Context, o Order) error
	SaveFill(ctx context.Context, f Fill) error
	LoadOrders(ctx context.Context) ([]Order, error)
	LoadFills(ctx context.Context, orderID string) ([]Fill, error)
}

// RiskRequest 风控审批请求
type RiskRequest struct {
	Symbol   string
	Side     string
	Quantity int64
	Price    decimal.Decimal
	Margin   settlement.MarginState
}

// RiskGate 外部风控（VaR/Kelly等），只消费是否通过
type RiskGate interface {
	Approve(ctx context.Context, req RiskRequest) (bool, string)
}

// PriceProvider 最新市价
type PriceProvider interface {
	LatestPrice(symbol string) (decimal.Decimal, bool)
}

// FillListener 接收已确认的成交（持仓、指标）
type FillListener interface {
	OnFill(ctx context.Context, o Order, f Fill)
}

// Metrics 订单指标
type Metrics interface {
	ObserveTransition(from, to Status)
	ObserveSubmit(broker string, attempts int, err error)
}

type nopMetrics struct{}

func (nopMetrics) ObserveTransition(Status, Status)  {}
func (nopMetrics) ObserveSubmit(string, int, error) {}
