package inventory

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"vn-execution-go/gateway"
	"vn-execution-go/infrastructure/logger"
)

// Seeder 结算账本中需要导入的持仓与保证金容量
type Seeder interface {
	SeedHolding(symbol string, qty int64, avgCost decimal.Decimal)
	SetCapacity(ctx context.Context, capacity decimal.Decimal)
}

// Sync 启动时从券商账户导入已结算持仓，并以总资产作为保证金容量。
// 存储中已有成交记录时只取容量，持仓由成交重放恢复。
type Sync struct {
	Tracker      *Tracker
	Ledger       Seeder
	Logger       *logger.Logger
	CapacityOnly bool
}

// Diff 本地与券商持仓不一致的标的
type Diff struct {
	Broker string
	Symbol string
	Local  int64
	Remote int64
}

// Seed 逐个券商读取账户信息；部分券商失败时其余照常导入
func (s *Sync) Seed(ctx context.Context, adapters []gateway.Adapter) (decimal.Decimal, error) {
	log := s.Logger
	if log == nil {
		log = logger.Nop()
	}
	capacity := decimal.Zero
	var errs error
	for _, a := range adapters {
		info, err := a.GetAccountInfo(ctx)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("account info %s: %w", a.Name(), err))
			continue
		}
		equity := info.TotalEquity
		if !equity.IsPositive() {
			equity = info.Cash
		}
		capacity = capacity.Add(equity)
		if s.CapacityOnly {
			continue
		}
		for _, h := range info.Holdings {
			if s.Tracker != nil {
				s.Tracker.Seed(h.Symbol, s.Tracker.NetQuantity(h.Symbol)+h.Quantity, h.AvgCost)
			}
			if s.Ledger != nil {
				s.Ledger.SeedHolding(h.Symbol, h.Quantity, h.AvgCost)
			}
		}
		log.LogBroker(a.Name(), "holdings_seeded", map[string]interface{}{
			"holdings": len(info.Holdings),
			"equity":   equity.StringFixed(0),
		})
	}
	if s.Ledger != nil && capacity.IsPositive() {
		s.Ledger.SetCapacity(ctx, capacity)
	}
	return capacity, errs
}

// Compare 比较本地仓位与券商持仓
func (s *Sync) Compare(ctx context.Context, a gateway.Adapter) ([]Diff, error) {
	info, err := a.GetAccountInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("account info %s: %w", a.Name(), err)
	}
	remote := make(map[string]int64, len(info.Holdings))
	for _, h := range info.Holdings {
		remote[h.Symbol] += h.Quantity
	}
	var out []Diff
	seen := make(map[string]bool)
	for _, p := range s.Tracker.Positions() {
		seen[p.Symbol] = true
		if r := remote[p.Symbol]; r != p.NetQuantity {
			out = append(out, Diff{Broker: a.Name(), Symbol: p.Symbol, Local: p.NetQuantity, Remote: r})
		}
	}
	for sym, r := range remote {
		if !seen[sym] && r != 0 {
			out = append(out, Diff{Broker: a.Name(), Symbol: sym, Remote: r})
		}
	}
	return out, nil
}
