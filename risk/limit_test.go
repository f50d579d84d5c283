package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"vn-execution-go/order"
)

type stubInv struct{ net int64 }

func (s stubInv) NetQuantity(symbol string) int64 { return s.net }

func buyReq(symbol string, qty, price int64) order.RiskRequest {
	return order.RiskRequest{Symbol: symbol, Side: order.SideBuy, Quantity: qty, Price: decimal.NewFromInt(price)}
}

func TestLimitChecker(t *testing.T) {
	now := time.Date(2024, time.January, 5, 10, 0, 0, 0, time.UTC)
	clock := ClockFunc(func() time.Time { return now })
	lc := NewLimitChecker(Limits{
		SingleMaxNotional: 20_000_000,
		DailyMaxNotional:  30_000_000,
		MaxPositionQty:    1_000,
	}, stubInv{net: 0}, clock)

	if err := lc.PreOrder(buyReq("FPT", 100, 95_000)); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if err := lc.PreOrder(buyReq("FPT", 300, 95_000)); !errors.Is(err, ErrSingleExceed) {
		t.Fatalf("expected single exceed, got %v", err)
	}

	// 9.5M已计入，再来两笔19M超过30M日限额
	if err := lc.PreOrder(buyReq("FPT", 200, 95_000)); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if err := lc.PreOrder(buyReq("FPT", 200, 95_000)); !errors.Is(err, ErrDailyExceed) {
		t.Fatalf("expected daily exceed, got %v", err)
	}
	if got := lc.DailyNotional("FPT"); !got.Equal(decimal.NewFromInt(28_500_000)) {
		t.Fatalf("rejected order counted into daily notional: %s", got)
	}

	// 次日重置
	now = now.Add(24 * time.Hour)
	if err := lc.PreOrder(buyReq("FPT", 200, 95_000)); err != nil {
		t.Fatalf("expected reset on new day: %v", err)
	}

	lc.inv = stubInv{net: 950}
	if err := lc.PreOrder(buyReq("HPG", 100, 25_000)); !errors.Is(err, ErrPositionExceed) {
		t.Fatalf("expected position exceed, got %v", err)
	}
	sell := buyReq("HPG", 100, 25_000)
	sell.Side = order.SideSell
	if err := lc.PreOrder(sell); err != nil {
		t.Fatalf("sell should reduce position: %v", err)
	}
}

func TestMarginGuard(t *testing.T) {
	g := MarginGuard{Rate: decimal.NewFromFloat(0.3), MaxPct: decimal.NewFromFloat(0.95)}
	req := buyReq("FPT", 100, 95_000)
	req.Margin.Capacity = decimal.NewFromInt(4_000_000)

	if err := g.PreOrder(req); err != nil {
		t.Fatalf("2.85M of 4M should pass: %v", err)
	}
	req.Margin.Reserved = decimal.NewFromInt(1_000_000)
	if err := g.PreOrder(req); !errors.Is(err, ErrMarginExceed) {
		t.Fatalf("expected margin exceed, got %v", err)
	}
	req.Side = order.SideSell
	if err := g.PreOrder(req); err != nil {
		t.Fatalf("sell never blocked by margin: %v", err)
	}
}

func TestLatencyGuard(t *testing.T) {
	now := time.Date(2024, time.January, 5, 10, 0, 0, 0, time.UTC)
	g := NewLatencyGuard(time.Second, ClockFunc(func() time.Time { return now }))
	if err := g.PreOrder(buyReq("FPT", 100, 1)); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if err := g.PreOrder(buyReq("FPT", 100, 1)); err != ErrTooFrequent {
		t.Fatalf("expected too frequent, got %v", err)
	}
	if err := g.PreOrder(buyReq("HPG", 100, 1)); err != nil {
		t.Fatalf("other symbol unaffected: %v", err)
	}
	now = now.Add(time.Second)
	if err := g.PreOrder(buyReq("FPT", 100, 1)); err != nil {
		t.Fatalf("interval passed: %v", err)
	}
}
