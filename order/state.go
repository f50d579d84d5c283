package order

import (
	"time"

	"github.com/shopspring/decimal"

	"vn-execution-go/gateway"
)

// Status 订单生命周期状态
type Status string

const (
	StatusCreated         Status = "CREATED"
	StatusValidated       Status = "VALIDATED"
	StatusSubmitted       Status = "SUBMITTED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusRejected        Status = "REJECTED"
	StatusCancelled       Status = "CANCELLED"
	StatusFailed          Status = "FAILED"
	StatusSettled         Status = "SETTLED"
)

const (
	SideBuy  = gateway.SideBuy
	SideSell = gateway.SideSell

	TypeMarket = gateway.TypeMarket
	TypeLimit  = gateway.TypeLimit
)

// Order 订单。ID和ClientOrderID创建后不变，重试时复用同一ClientOrderID。
type Order struct {
	ID               string
	ClientOrderID    string
	Symbol           string
	Side             string
	Quantity         int64
	Type             string
	LimitPrice       decimal.Decimal
	StopPrice        decimal.Decimal
	TargetPrice      decimal.Decimal
	ReferencePrice   decimal.Decimal // 验证时用于买力和保证金计算的价格
	AssetClass       gateway.AssetClass
	BrokerName       string
	BrokerOrderID    string
	Status           Status
	FilledQuantity   int64
	AverageFillPrice decimal.Decimal
	AttemptCount     int
	LastError        string
	Origin           string // api / force_close
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Remaining 未成交数量
func (o Order) Remaining() int64 {
	if o.FilledQuantity >= o.Quantity {
		return 0
	}
	return o.Quantity - o.FilledQuantity
}

// Notional 按参考价估算的名义金额
func (o Order) Notional() decimal.Decimal {
	return o.ReferencePrice.Mul(decimal.NewFromInt(o.Quantity))
}

func (o *Order) ref() gateway.OrderRef {
	return gateway.OrderRef{BrokerOrderID: o.BrokerOrderID, ClientOrderID: o.ClientOrderID, Symbol: o.Symbol}
}

// Fill 成交记录，只追加不修改
type Fill struct {
	ID           string
	OrderID      string
	Quantity     int64
	Price        decimal.Decimal
	Timestamp    time.Time
	BrokerFillID string
}

// CreateRequest 创建订单参数
type CreateRequest struct {
	Symbol      string
	Side        string
	Quantity    int64
	Type        string
	LimitPrice  decimal.Decimal
	StopPrice   decimal.Decimal
	TargetPrice decimal.Decimal
	AssetClass  gateway.AssetClass
	Broker      string // 偏好券商，可为空
	Origin      string
}

// Filter 订单查询条件，零值字段不过滤
type Filter struct {
	Broker     string
	Symbol     string
	Statuses   []Status
	ActiveOnly bool
}

func (f Filter) match(o *Order) bool {
	if f.Broker != "" && o.BrokerName != f.Broker {
		return false
	}
	if f.Symbol != "" && o.Symbol != f.Symbol {
		return false
	}
	if f.ActiveOnly && !IsActive(o) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if o.Status == s {
			return true
		}
	}
	return false
}
