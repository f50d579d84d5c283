package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade 标准化的成交/报价快照
type Trade struct {
	Symbol string
	Price  decimal.Decimal
	Qty    int64
	Ts     time.Time
}
