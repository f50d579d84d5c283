package inventory

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vn-execution-go/gateway"
)

type accountAdapter struct {
	name string
	info gateway.AccountInfo
	err  error
}

func (a *accountAdapter) Name() string                       { return a.name }
func (a *accountAdapter) Capabilities() gateway.Capabilities { return gateway.Capabilities{} }
func (a *accountAdapter) SubmitOrder(context.Context, gateway.SubmitRequest) (gateway.SubmitAck, error) {
	return gateway.SubmitAck{}, nil
}
func (a *accountAdapter) CancelOrder(context.Context, gateway.OrderRef) (gateway.CancelAck, error) {
	return gateway.CancelAck{}, nil
}
func (a *accountAdapter) GetOrderStatus(context.Context, gateway.OrderRef) (gateway.StatusReport, error) {
	return gateway.StatusReport{}, nil
}
func (a *accountAdapter) GetAccountInfo(context.Context) (gateway.AccountInfo, error) {
	return a.info, a.err
}

type seedRecorder struct {
	holdings map[string]int64
	capacity decimal.Decimal
}

func (s *seedRecorder) SeedHolding(symbol string, qty int64, _ decimal.Decimal) {
	if s.holdings == nil {
		s.holdings = make(map[string]int64)
	}
	s.holdings[symbol] += qty
}

func (s *seedRecorder) SetCapacity(_ context.Context, c decimal.Decimal) { s.capacity = c }

func TestSyncSeedsHoldingsAndCapacity(t *testing.T) {
	ssi := &accountAdapter{name: "ssi", info: gateway.AccountInfo{
		TotalEquity: d(100_000_000),
		Holdings:    []gateway.Holding{{Symbol: "FPT", Quantity: 200, AvgCost: d(90000)}},
	}}
	tcbs := &accountAdapter{name: "tcbs", info: gateway.AccountInfo{
		Cash:     d(20_000_000),
		Holdings: []gateway.Holding{{Symbol: "FPT", Quantity: 100, AvgCost: d(90000)}},
	}}
	down := &accountAdapter{name: "hsc", err: errors.New("timeout")}

	tr := NewTracker(nil)
	led := &seedRecorder{}
	s := &Sync{Tracker: tr, Ledger: led}

	capacity, err := s.Seed(context.Background(), []gateway.Adapter{ssi, tcbs, down})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hsc")
	assert.True(t, capacity.Equal(d(120_000_000)))
	assert.True(t, led.capacity.Equal(d(120_000_000)))
	assert.EqualValues(t, 300, led.holdings["FPT"])
	assert.EqualValues(t, 300, tr.NetQuantity("FPT"))
}

func TestSyncCompareReportsDrift(t *testing.T) {
	tr := NewTracker(nil)
	tr.Seed("FPT", 100, d(90000))
	tr.Seed("HPG", 500, d(25000))
	a := &accountAdapter{name: "ssi", info: gateway.AccountInfo{Holdings: []gateway.Holding{
		{Symbol: "FPT", Quantity: 100},
		{Symbol: "VNM", Quantity: 200},
	}}}

	diffs, err := (&Sync{Tracker: tr}).Compare(context.Background(), a)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Diff{
		{Broker: "ssi", Symbol: "HPG", Local: 500, Remote: 0},
		{Broker: "ssi", Symbol: "VNM", Local: 0, Remote: 200},
	}, diffs)
}

func TestSyncCapacityOnlySkipsHoldings(t *testing.T) {
	a := &accountAdapter{name: "ssi", info: gateway.AccountInfo{
		TotalEquity: d(50_000_000),
		Holdings:    []gateway.Holding{{Symbol: "FPT", Quantity: 200}},
	}}
	tr := NewTracker(nil)
	led := &seedRecorder{}

	capacity, err := (&Sync{Tracker: tr, Ledger: led, CapacityOnly: true}).Seed(context.Background(), []gateway.Adapter{a})
	require.NoError(t, err)
	assert.True(t, capacity.Equal(d(50_000_000)))
	assert.Empty(t, led.holdings)
	assert.Zero(t, tr.NetQuantity("FPT"))
}
