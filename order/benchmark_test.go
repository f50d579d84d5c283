package order

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"vn-execution-go/gateway"
	"vn-execution-go/settlement"
)

func newBenchManager(b *testing.B) *Manager {
	b.Helper()
	paper := gateway.NewPaperBroker(gateway.PaperConfig{Prices: map[string]decimal.Decimal{"FPT": dec(95000)}})
	cfg := settlement.DefaultConfig()
	cfg.Capacity = dec(1_000_000_000_000_000)
	ledger := settlement.NewLedger(cfg, settlement.NewCalendar(ict, nil), nil)
	return NewManager(Config{DefaultBroker: gateway.BrokerPaper}, gateway.NewRouter(paper), ledger, nil)
}

func BenchmarkOrderLifecycle(b *testing.B) {
	m := newBenchManager(b)
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		o, err := m.CreateOrder(ctx, CreateRequest{Symbol: "FPT", Side: SideBuy, Quantity: 100, Type: TypeLimit, LimitPrice: dec(95000)})
		if err != nil {
			b.Fatal(err)
		}
		if err := m.ValidateOrder(ctx, o.ID); err != nil {
			b.Fatal(err)
		}
		if _, err := m.SubmitOrder(ctx, o.ID); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkStateMachineValidate(b *testing.B) {
	sm := NewStateMachine()
	pairs := [][2]Status{
		{StatusCreated, StatusValidated},
		{StatusValidated, StatusSubmitted},
		{StatusSubmitted, StatusPartiallyFilled},
		{StatusPartiallyFilled, StatusFilled},
		{StatusFilled, StatusSettled},
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p := pairs[i%len(pairs)]
		_ = sm.ValidateTransition(p[0], p[1])
	}
}

func BenchmarkListOrders(b *testing.B) {
	m := newBenchManager(b)
	ctx := context.Background()
	for i := 0; i < 2000; i++ {
		if _, err := m.CreateOrder(ctx, CreateRequest{Symbol: "FPT", Side: SideBuy, Quantity: 100, Type: TypeLimit, LimitPrice: dec(95000)}); err != nil {
			b.Fatal(err)
		}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.ListOrders(Filter{Statuses: []Status{StatusCreated}})
	}
}
