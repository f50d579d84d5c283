package inventory

import "github.com/shopspring/decimal"

// Valuation 基于当前价计算未实现盈亏。
func (t *Tracker) Valuation(symbol string, mark decimal.Decimal) (net int64, pnl decimal.Decimal) {
	p, ok := t.Position(symbol)
	if !ok {
		return 0, decimal.Zero
	}
	net = p.NetQuantity
	pnl = mark.Sub(p.AverageCost).Mul(decimal.NewFromInt(net))
	return
}
