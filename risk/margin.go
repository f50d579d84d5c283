package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"vn-execution-go/order"
)

// MarginGuard 买单预占后保证金占用率不得达到MaxPct
type MarginGuard struct {
	Rate   decimal.Decimal
	MaxPct decimal.Decimal
}

func (g MarginGuard) PreOrder(req order.RiskRequest) error {
	if req.Side != order.SideBuy || !req.Margin.Capacity.IsPositive() {
		return nil
	}
	if req.Margin.ForceClose {
		return fmt.Errorf("%w: force-close threshold already crossed", ErrMarginExceed)
	}
	if !g.MaxPct.IsPositive() {
		return nil
	}
	add := req.Price.Mul(decimal.NewFromInt(req.Quantity)).Mul(g.Rate)
	pct := req.Margin.Reserved.Add(add).Div(req.Margin.Capacity)
	if pct.GreaterThanOrEqual(g.MaxPct) {
		return fmt.Errorf("%w: projected %s >= %s", ErrMarginExceed, pct.StringFixed(4), g.MaxPct.StringFixed(4))
	}
	return nil
}
