package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vn-execution-go/gateway"
	"vn-execution-go/order"
	"vn-execution-go/settlement"
)

type fullStore interface {
	OrderStore
	SettlementStore
	Close() error
}

func stores(t *testing.T) map[string]fullStore {
	t.Helper()
	sqlStore, err := Open(context.Background(), Config{
		Driver: DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "vnx.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })

	var events []string
	return map[string]fullStore{
		"memory": NewMemory(func(e string, _ map[string]interface{}) { events = append(events, e) }),
		"sqlite": sqlStore,
	}
}

var ict = time.FixedZone("ICT", 7*3600)

func sampleOrder(updated time.Time) order.Order {
	created := time.Date(2024, time.January, 5, 10, 0, 0, 0, ict)
	return order.Order{
		ID:             "o1",
		ClientOrderID:  "vnx0123456789abcdef",
		Symbol:         "FPT",
		Side:           order.SideBuy,
		Quantity:       100,
		Type:           order.TypeLimit,
		LimitPrice:     decimal.NewFromInt(95000),
		ReferencePrice: decimal.NewFromInt(95000),
		AssetClass:     gateway.AssetEquity,
		BrokerName:     "ssi",
		Status:         order.StatusValidated,
		AttemptCount:   1,
		CreatedAt:      created,
		UpdatedAt:      updated,
	}
}

func TestOrderUpsertKeepsNewestSnapshot(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			t0 := time.Date(2024, time.January, 5, 10, 0, 0, 0, ict)

			require.NoError(t, s.SaveOrder(ctx, sampleOrder(t0)))

			newer := sampleOrder(t0.Add(time.Second))
			newer.Status = order.StatusPartiallyFilled
			newer.BrokerOrderID = "B-1"
			newer.FilledQuantity = 40
			newer.AverageFillPrice = decimal.RequireFromString("95100.5")
			newer.AttemptCount = 2
			require.NoError(t, s.SaveOrder(ctx, newer))

			// 迟到的旧快照被忽略
			stale := sampleOrder(t0.Add(500 * time.Millisecond))
			require.NoError(t, s.SaveOrder(ctx, stale))

			orders, err := s.LoadOrders(ctx)
			require.NoError(t, err)
			require.Len(t, orders, 1)
			got := orders[0]
			assert.Equal(t, order.StatusPartiallyFilled, got.Status)
			assert.Equal(t, "B-1", got.BrokerOrderID)
			assert.EqualValues(t, 40, got.FilledQuantity)
			assert.Equal(t, 2, got.AttemptCount)
			assert.True(t, got.AverageFillPrice.Equal(decimal.RequireFromString("95100.5")))
			assert.True(t, got.LimitPrice.Equal(decimal.NewFromInt(95000)))
			assert.Equal(t, gateway.AssetEquity, got.AssetClass)
			assert.True(t, got.CreatedAt.Equal(t0))
			assert.True(t, got.UpdatedAt.Equal(t0.Add(time.Second)))
		})
	}
}

func TestFillsAreAppendOnly(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ts := time.Date(2024, time.January, 5, 10, 5, 0, 0, ict)
			f1 := order.Fill{ID: "f1", OrderID: "o1", Quantity: 40, Price: decimal.NewFromInt(95000), Timestamp: ts, BrokerFillID: "B-1:40"}
			f2 := order.Fill{ID: "f2", OrderID: "o1", Quantity: 60, Price: decimal.NewFromInt(97000), Timestamp: ts.Add(time.Minute), BrokerFillID: "B-1:100"}

			require.NoError(t, s.SaveFill(ctx, f2))
			require.NoError(t, s.SaveFill(ctx, f1))
			require.NoError(t, s.SaveFill(ctx, f1))

			fills, err := s.LoadFills(ctx, "o1")
			require.NoError(t, err)
			require.Len(t, fills, 2)
			assert.Equal(t, "f1", fills[0].ID)
			assert.True(t, fills[1].Price.Equal(decimal.NewFromInt(97000)))
			assert.True(t, fills[0].Timestamp.Equal(ts))

			none, err := s.LoadFills(ctx, "missing")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestSettledRecordIsImmutable(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := settlement.Record{
				OrderID:              "o1",
				Symbol:               "FPT",
				Quantity:             100,
				Price:                decimal.NewFromInt(95000),
				TradeDate:            time.Date(2024, time.January, 5, 0, 0, 0, 0, ict),
				SettlementDate:       time.Date(2024, time.January, 9, 0, 0, 0, 0, ict),
				ActualSettlementDate: time.Date(2024, time.January, 10, 12, 0, 0, 0, ict),
				Status:               settlement.RecordPending,
			}
			require.NoError(t, s.SaveSettlement(ctx, rec))

			settled := rec
			settled.Status = settlement.RecordSettled
			settled.SettledAt = time.Date(2024, time.January, 10, 12, 1, 0, 0, ict)
			require.NoError(t, s.SaveSettlement(ctx, settled))

			failed := rec
			failed.Status = settlement.RecordFailed
			require.NoError(t, s.SaveSettlement(ctx, failed))

			recs, err := s.ListSettlements(ctx)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, settlement.RecordSettled, recs[0].Status)
			assert.True(t, recs[0].SettledAt.Equal(settled.SettledAt))
			assert.True(t, recs[0].ActualSettlementDate.After(recs[0].SettlementDate))
		})
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mysql", DSN: "x"})
	assert.Error(t, err)
}

func TestSQLStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "vnx.db")
	s, err := Open(ctx, Config{Driver: DriverSQLite, DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, s.SaveOrder(ctx, sampleOrder(time.Date(2024, time.January, 5, 10, 0, 0, 0, ict))))
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Driver: DriverSQLite, DSN: dsn})
	require.NoError(t, err)
	defer s.Close()
	orders, err := s.LoadOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "vnx0123456789abcdef", orders[0].ClientOrderID)
}
