package settlement

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func BenchmarkSettlementDate(b *testing.B) {
	h, err := NewStaticHolidays("2024-01-01", "2024-02-08", "2024-02-09", "2024-02-12", "2024-02-13", "2024-02-14", "2024-04-18", "2024-04-30", "2024-05-01")
	if err != nil {
		b.Fatal(err)
	}
	cal := NewCalendar(ict, h)
	start := at(2024, time.January, 2, 10, 0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cal.ActualSettlementDate(start.AddDate(0, 0, i%180))
	}
}

func BenchmarkHoldingWithManyLots(b *testing.B) {
	l, _ := newTestLedger(1_000_000_000_000)
	ctx := context.Background()
	start := at(2024, time.January, 2, 10, 0)
	for i := 0; i < 1000; i++ {
		l.ApplyFill(ctx, Fill{
			FillID: fmt.Sprintf("f%d", i), OrderID: fmt.Sprintf("b%d", i), Symbol: "FPT", Side: "BUY",
			Quantity: 100, Price: d(95000), Timestamp: start.Add(time.Duration(i) * time.Hour),
		})
	}
	now := start.AddDate(0, 1, 0)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		l.Holding("FPT", now)
	}
}

func BenchmarkReserveAndClose(b *testing.B) {
	l, _ := newTestLedger(1_000_000_000_000)
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		id := fmt.Sprintf("o%d", i)
		l.ReserveOrder(ctx, id, "FPT", 100, d(95000))
		l.CloseOrder(ctx, id)
	}
}

func BenchmarkReserveAndCloseParallel(b *testing.B) {
	l, _ := newTestLedger(1_000_000_000_000)
	ctx := context.Background()

	var seq int64
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			id := fmt.Sprintf("p%d", atomic.AddInt64(&seq, 1))
			l.ReserveOrder(ctx, id, "HPG", 100, d(25000))
			l.CloseOrder(ctx, id)
		}
	})
}
