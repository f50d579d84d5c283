package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vn-execution-go/infrastructure/alert"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newTestLedger(capacity int64) (*Ledger, *alert.Recorder) {
	cfg := DefaultConfig()
	cfg.Capacity = d(capacity)
	l := NewLedger(cfg, NewCalendar(ict, nil), nil)
	rec := alert.NewRecorder()
	l.SetDispatcher(rec)
	return l, rec
}

type settledSpy struct {
	mu  sync.Mutex
	ids []string
}

func (s *settledSpy) OnSettled(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
	return nil
}

type forceSpy struct {
	mu        sync.Mutex
	ledger    *Ledger
	proposals []ForceCloseProposal
	seen      MarginState
}

func (f *forceSpy) HandleForceClose(_ context.Context, p ForceCloseProposal) error {
	// 回调中再次访问账本不能死锁
	st := f.ledger.MarginState()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proposals = append(f.proposals, p)
	f.seen = st
	return nil
}

type memRecords struct {
	mu   sync.Mutex
	recs map[string]Record
	fail bool
}

func (m *memRecords) SaveSettlement(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("disk full")
	}
	m.recs[r.OrderID] = r
	return nil
}

func (m *memRecords) ListSettlements(context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r)
	}
	return out, nil
}

func TestMarginWarningFiresOncePerCrossing(t *testing.T) {
	l, rec := newTestLedger(4_000_000)
	ctx := context.Background()

	// FPT 100 @ 95,000 × 30% = 2,850,000 -> 71.25%
	amount := l.ReserveOrder(ctx, "o1", "FPT", 100, d(95000))
	assert.True(t, amount.Equal(d(2_850_000)), "amount=%s", amount)

	st := l.MarginState()
	assert.True(t, st.UsedPct.Equal(decimal.RequireFromString("0.7125")), "pct=%s", st.UsedPct)
	assert.True(t, st.Warning)
	assert.False(t, st.ForceClose)
	assert.Equal(t, 1, rec.Count(alert.TypeMarginWarning))

	// 仍在阈值之上，不再重复通知
	l.ReserveOrder(ctx, "o2", "VNM", 10, d(1000))
	assert.Equal(t, 1, rec.Count(alert.TypeMarginWarning))

	// 重复预占同一订单无效果
	l.ReserveOrder(ctx, "o1", "FPT", 100, d(95000))
	assert.True(t, l.MarginState().Reserved.Equal(d(2_853_000)))

	// 回落后重新布防
	l.CloseOrder(ctx, "o1")
	l.CloseOrder(ctx, "o2")
	assert.False(t, l.MarginState().Warning)
	l.ReserveOrder(ctx, "o3", "FPT", 100, d(95000))
	assert.Equal(t, 2, rec.Count(alert.TypeMarginWarning))
	assert.Equal(t, 0, rec.Count(alert.TypeMarginDanger))
}

func TestFillConvertsProvisionalReservation(t *testing.T) {
	l, _ := newTestLedger(100_000_000)
	ctx := context.Background()

	l.ReserveOrder(ctx, "o1", "FPT", 100, d(95000))
	l.ApplyFill(ctx, Fill{FillID: "f1", OrderID: "o1", Symbol: "FPT", Side: "BUY", Quantity: 40, Price: d(94000), Timestamp: at(2024, time.January, 5, 10, 0)})

	// 60×95,000×0.3 + 40×94,000×0.3
	assert.True(t, l.MarginState().Reserved.Equal(d(1_710_000+1_128_000)), "reserved=%s", l.MarginState().Reserved)

	released, ok := l.CloseOrder(ctx, "o1")
	require.True(t, ok)
	assert.True(t, released.Equal(d(1_710_000)))
	_, ok = l.CloseOrder(ctx, "o1")
	assert.False(t, ok)
	assert.True(t, l.MarginState().Reserved.Equal(d(1_128_000)))

	var kinds []string
	for _, e := range l.Events("o1") {
		kinds = append(kinds, e.Ref+"/"+string(e.Kind))
	}
	assert.Equal(t, []string{"order:o1/reserved", "order:o1/converted", "lot:f1/reserved", "order:o1/released"}, kinds)
}

func TestCloseOrderReleasesExactlyOnceConcurrently(t *testing.T) {
	l, _ := newTestLedger(100_000_000)
	ctx := context.Background()
	l.ReserveOrder(ctx, "o1", "FPT", 100, d(95000))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := l.CloseOrder(ctx, "o1"); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	released := 0
	for _, e := range l.Events("o1") {
		if e.Kind == MarginReleased {
			released++
		}
	}
	assert.Equal(t, 1, released)
	assert.True(t, l.MarginState().Reserved.IsZero())
}

func TestSellableQuantityFollowsCutoff(t *testing.T) {
	l, _ := newTestLedger(100_000_000)
	ctx := context.Background()
	l.ApplyFill(ctx, Fill{FillID: "f1", OrderID: "b1", Symbol: "FPT", Side: "BUY", Quantity: 40, Price: d(94000), Timestamp: at(2024, time.January, 5, 10, 0)})

	before := at(2024, time.January, 10, 11, 59)
	noon := at(2024, time.January, 10, 12, 0)
	assert.False(t, l.IsSettlementReady("FPT", 40, before))
	assert.True(t, l.IsSettlementReady("FPT", 40, noon))
	assert.Equal(t, 3, l.GetDaysHeld("FPT", noon))

	err := l.ReserveSell("s0", "FPT", 10, before)
	assert.ErrorIs(t, err, ErrSettlementLocked)

	require.NoError(t, l.ReserveSell("s1", "FPT", 30, noon))
	view := l.Holding("FPT", noon)
	assert.EqualValues(t, 40, view.Owned)
	assert.EqualValues(t, 30, view.Held)
	assert.EqualValues(t, 10, view.Sellable)
	assert.ErrorIs(t, l.ReserveSell("s2", "FPT", 20, noon), ErrSettlementLocked)

	l.ApplyFill(ctx, Fill{FillID: "f2", OrderID: "s1", Symbol: "FPT", Side: "SELL", Quantity: 30, Price: d(99000), Timestamp: noon})
	l.CloseOrder(ctx, "s1")
	view = l.Holding("FPT", noon)
	assert.EqualValues(t, 10, view.Owned)
	assert.EqualValues(t, 0, view.Held)
	assert.EqualValues(t, 10, view.Sellable)
}

func TestSweepSettlesLotsAndRecords(t *testing.T) {
	l, _ := newTestLedger(100_000_000)
	ctx := context.Background()
	spy := &settledSpy{}
	store := &memRecords{recs: map[string]Record{}}
	l.SetSettledHandler(spy)
	l.SetStore(store)

	trade := at(2024, time.January, 5, 10, 0)
	l.ReserveOrder(ctx, "b1", "FPT", 100, d(95000))
	l.ApplyFill(ctx, Fill{FillID: "f1", OrderID: "b1", Symbol: "FPT", Side: "BUY", Quantity: 100, Price: d(95000), Timestamp: trade})
	l.CloseOrder(ctx, "b1")
	rec := l.CompleteBuy(ctx, "b1", "FPT", 100, d(95000), trade)
	assert.Equal(t, RecordPending, rec.Status)
	assert.Equal(t, at(2024, time.January, 10, 12, 0), rec.ActualSettlementDate)

	// 幂等
	again := l.CompleteBuy(ctx, "b1", "FPT", 100, d(1), trade.Add(time.Hour))
	assert.True(t, again.Price.Equal(d(95000)))

	assert.Equal(t, 0, l.Sweep(ctx, at(2024, time.January, 10, 11, 59)))
	assert.True(t, l.MarginState().Reserved.Equal(d(2_850_000)))

	assert.Equal(t, 1, l.Sweep(ctx, at(2024, time.January, 10, 12, 0)))
	assert.True(t, l.MarginState().Reserved.IsZero())
	assert.Equal(t, []string{"b1"}, spy.ids)

	got, ok := l.Record("b1")
	require.True(t, ok)
	assert.Equal(t, RecordSettled, got.Status)
	assert.Equal(t, RecordSettled, store.recs["b1"].Status)

	assert.Equal(t, 0, l.Sweep(ctx, at(2024, time.January, 11, 12, 0)))
	assert.Len(t, spy.ids, 1)
}

func TestLoadRecordsRestoresPending(t *testing.T) {
	store := &memRecords{recs: map[string]Record{
		"b1": {OrderID: "b1", Symbol: "FPT", Quantity: 100, Status: RecordPending, ActualSettlementDate: at(2024, time.January, 10, 12, 0)},
	}}
	l, _ := newTestLedger(1_000_000)
	spy := &settledSpy{}
	l.SetStore(store)
	l.SetSettledHandler(spy)
	require.NoError(t, l.LoadRecords(context.Background()))
	assert.Len(t, l.Records(), 1)

	l.Sweep(context.Background(), at(2024, time.January, 11, 9, 0))
	assert.Equal(t, []string{"b1"}, spy.ids)
}

func TestMarginProjection(t *testing.T) {
	l, _ := newTestLedger(10_000_000)
	ctx := context.Background()
	l.ApplyFill(ctx, Fill{FillID: "a", OrderID: "b1", Symbol: "FPT", Side: "BUY", Quantity: 100, Price: d(10000), Timestamp: at(2024, time.January, 5, 10, 0)})
	l.ApplyFill(ctx, Fill{FillID: "b", OrderID: "b2", Symbol: "VNM", Side: "BUY", Quantity: 200, Price: d(10000), Timestamp: at(2024, time.January, 8, 8, 0)})

	points := l.GetMarginProjection(at(2024, time.January, 8, 9, 0), 0)
	require.Len(t, points, 3)

	assert.Equal(t, at(2024, time.January, 9, 0, 0), points[0].Date)
	assert.True(t, points[0].Releasable.IsZero())
	assert.True(t, points[0].ProjectedPct.Equal(decimal.RequireFromString("0.09")), "pct=%s", points[0].ProjectedPct)

	assert.True(t, points[1].Releasable.Equal(d(300_000)))
	assert.True(t, points[1].ProjectedPct.Equal(decimal.RequireFromString("0.06")))

	assert.True(t, points[2].Releasable.Equal(d(600_000)))
	assert.True(t, points[2].ProjectedReserved.IsZero())
}

func TestForceCloseProposalsLargestExposureFirst(t *testing.T) {
	l, rec := newTestLedger(1_000_000)
	spy := &forceSpy{ledger: l}
	l.SetForceCloseHandler(spy)
	l.SeedHolding("FPT", 1000, d(90000))
	l.SeedHolding("VNM", 500, d(70000))

	// 1000 × 3,200 × 0.3 = 960,000 -> 96%
	l.ReserveOrder(context.Background(), "o1", "HPG", 1000, d(3200))

	assert.Equal(t, 1, rec.Count(alert.TypeMarginWarning))
	assert.Equal(t, 1, rec.Count(alert.TypeMarginDanger))
	assert.Equal(t, 1, rec.Count(alert.TypeForcedSell))

	spy.mu.Lock()
	defer spy.mu.Unlock()
	require.Len(t, spy.proposals, 1)
	assert.Equal(t, "FPT", spy.proposals[0].Symbol)
	assert.EqualValues(t, 10, spy.proposals[0].Quantity)
	assert.True(t, spy.seen.ForceClose)
}

func TestHoldingsSortedAndPruned(t *testing.T) {
	l, _ := newTestLedger(1_000_000)
	now := at(2024, time.January, 10, 12, 0)
	l.SeedHolding("VNM", 100, d(70000))
	l.SeedHolding("FPT", 50, d(90000))
	l.ApplyFill(context.Background(), Fill{OrderID: "s1", Symbol: "VNM", Side: "SELL", Quantity: 100, Price: d(71000), Timestamp: now})

	views := l.Holdings(now)
	require.Len(t, views, 1)
	assert.Equal(t, "FPT", views[0].Symbol)
	assert.EqualValues(t, 50, views[0].Sellable)
}

func TestReplaySuppressesThresholdsUntilEnd(t *testing.T) {
	l, rec := newTestLedger(10_000_000)
	spy := &forceSpy{ledger: l}
	l.SetForceCloseHandler(spy)
	ctx := context.Background()
	l.SeedHolding("VNM", 1000, d(70000))

	l.BeginReplay()
	l.BeginReplay()
	// 已过T+2.5的旧批次：1000 × 95,000 × 0.3 = 28,500,000
	l.ApplyFill(ctx, Fill{FillID: "old", OrderID: "b1", Symbol: "FPT", Side: "BUY", Quantity: 1000, Price: d(95000), Timestamp: at(2024, time.January, 5, 10, 0)})
	// 未结算批次：300 × 100,000 × 0.3 = 9,000,000 -> 90%
	l.ApplyFill(ctx, Fill{FillID: "new", OrderID: "b2", Symbol: "HPG", Side: "BUY", Quantity: 300, Price: d(100000), Timestamp: at(2024, time.February, 1, 10, 0)})
	assert.Zero(t, rec.Count(alert.TypeMarginWarning))
	assert.Zero(t, rec.Count(alert.TypeMarginDanger))

	now := at(2024, time.February, 1, 14, 0)
	assert.Equal(t, 0, l.EndReplay(ctx, now))
	assert.True(t, l.Replaying())
	assert.Zero(t, rec.Count(alert.TypeMarginWarning))

	assert.Equal(t, 1, l.EndReplay(ctx, now))
	assert.False(t, l.Replaying())
	assert.True(t, l.MarginState().Reserved.Equal(d(9_000_000)), "reserved=%s", l.MarginState().Reserved)
	assert.Equal(t, 1, rec.Count(alert.TypeMarginWarning))
	assert.Zero(t, rec.Count(alert.TypeMarginDanger))

	spy.mu.Lock()
	defer spy.mu.Unlock()
	assert.Empty(t, spy.proposals)
}

func TestSellRepaysOutstandingMargin(t *testing.T) {
	l, _ := newTestLedger(100_000_000)
	ctx := context.Background()
	noon := at(2024, time.January, 10, 12, 0)
	l.SeedHolding("VNM", 1000, d(70000))

	// 未结算批次 1,710,000，挂单预占 960,000
	l.ApplyFill(ctx, Fill{FillID: "f1", OrderID: "b1", Symbol: "FPT", Side: "BUY", Quantity: 60, Price: d(95000), Timestamp: at(2024, time.January, 9, 10, 0)})
	l.ReserveOrder(ctx, "b2", "HPG", 1000, d(3200))
	require.True(t, l.MarginState().Reserved.Equal(d(2_670_000)))

	// 卖出 100 × 70,000 × 0.3 = 2,100,000：先还清批次，余下390,000抵挂单
	require.NoError(t, l.ReserveSell("s1", "VNM", 100, noon))
	l.ApplyFill(ctx, Fill{FillID: "f2", OrderID: "s1", Symbol: "VNM", Side: "SELL", Quantity: 100, Price: d(70000), Timestamp: noon})
	assert.True(t, l.MarginState().Reserved.Equal(d(570_000)), "reserved=%s", l.MarginState().Reserved)

	// 挂单成交时已偿还部分随之转入批次
	l.ApplyFill(ctx, Fill{FillID: "f3", OrderID: "b2", Symbol: "HPG", Side: "BUY", Quantity: 1000, Price: d(3200), Timestamp: noon})
	assert.True(t, l.MarginState().Reserved.Equal(d(570_000)), "reserved=%s", l.MarginState().Reserved)
	released, ok := l.CloseOrder(ctx, "b2")
	assert.True(t, ok)
	assert.True(t, released.IsZero())

	// 偿还不会重复释放：清扫时批次b1已无占用
	assert.Equal(t, 0, l.Sweep(ctx, at(2024, time.January, 11, 12, 0)))

	var repaid int
	for _, e := range append(l.Events("b1"), l.Events("b2")...) {
		if e.Kind == MarginRepaid {
			repaid++
		}
	}
	assert.Equal(t, 2, repaid)
}
