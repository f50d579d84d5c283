package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AssetClass 证券品种
type AssetClass string

const (
	AssetEquity         AssetClass = "EQUITY"
	AssetETF            AssetClass = "ETF"
	AssetBond           AssetClass = "BOND"
	AssetDerivative     AssetClass = "DERIVATIVE"
	AssetCoveredWarrant AssetClass = "COVERED_WARRANT"
)

// ParseAssetClass 解析品种字符串（不区分大小写）
func ParseAssetClass(s string) (AssetClass, error) {
	ac := AssetClass(strings.ToUpper(strings.TrimSpace(s)))
	switch ac {
	case AssetEquity, AssetETF, AssetBond, AssetDerivative, AssetCoveredWarrant:
		return ac, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedAssetClass, s)
}

const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	TypeMarket = "MARKET"
	TypeLimit  = "LIMIT"
)

// RemoteStatus 券商侧订单状态（已归一化）
type RemoteStatus string

const (
	RemotePending         RemoteStatus = "PENDING"
	RemoteAccepted        RemoteStatus = "ACCEPTED"
	RemotePartiallyFilled RemoteStatus = "PARTIALLY_FILLED"
	RemoteFilled          RemoteStatus = "FILLED"
	RemoteCancelled       RemoteStatus = "CANCELLED"
	RemoteRejected        RemoteStatus = "REJECTED"
	RemoteUnknown         RemoteStatus = "UNKNOWN"
)

// IsClosed 券商侧不会再有成交
func (s RemoteStatus) IsClosed() bool {
	return s == RemoteFilled || s == RemoteCancelled || s == RemoteRejected
}

// SubmitRequest 下单请求
type SubmitRequest struct {
	ClientOrderID string
	Symbol        string
	Side          string
	OrderType     string
	Quantity      int64
	Price         decimal.Decimal // MARKET单为零
	AssetClass    AssetClass
}

// SubmitAck 下单回执
type SubmitAck struct {
	BrokerOrderID string
	Status        RemoteStatus
	Duplicate     bool // 同一ClientOrderID已存在，券商返回原订单
}

// OrderRef 订单定位，BrokerOrderID为空时按ClientOrderID查询
type OrderRef struct {
	BrokerOrderID string
	ClientOrderID string
	Symbol        string
}

// CancelAck 撤单回执
type CancelAck struct {
	BrokerOrderID string
	Accepted      bool
}

// StatusReport 券商报告的订单状态，FilledQuantity为累计值
type StatusReport struct {
	Broker         string
	BrokerOrderID  string
	ClientOrderID  string
	Status         RemoteStatus
	FilledQuantity int64
	AvgFillPrice   decimal.Decimal
	Reason         string
	UpdatedAt      time.Time
}

// Holding 券商持仓
type Holding struct {
	Symbol   string
	Quantity int64
	AvgCost  decimal.Decimal
}

// AccountInfo 账户资金
type AccountInfo struct {
	Broker      string
	AccountID   string
	Cash        decimal.Decimal
	TotalEquity decimal.Decimal
	BuyingPower decimal.Decimal
	Holdings    []Holding
}

// Capabilities 券商能力声明
type Capabilities struct {
	AssetClasses []AssetClass
	Streaming    bool
}

// Supports 是否支持该品种
func (c Capabilities) Supports(ac AssetClass) bool {
	for _, a := range c.AssetClasses {
		if a == ac {
			return true
		}
	}
	return false
}

// Adapter 券商统一接口
type Adapter interface {
	Name() string
	Capabilities() Capabilities
	SubmitOrder(ctx context.Context, req SubmitRequest) (SubmitAck, error)
	CancelOrder(ctx context.Context, ref OrderRef) (CancelAck, error)
	GetOrderStatus(ctx context.Context, ref OrderRef) (StatusReport, error)
	GetAccountInfo(ctx context.Context) (AccountInfo, error)
}

// Streamer 支持推送订单状态的券商实现此接口；Stream阻塞直到ctx取消或连接断开
type Streamer interface {
	Stream(ctx context.Context, out chan<- StatusReport) error
}

func priceOrZero(p decimal.Decimal) decimal.Decimal {
	if p.IsNegative() {
		return decimal.Zero
	}
	return p
}
