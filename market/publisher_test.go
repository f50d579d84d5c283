package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestPublisher(t *testing.T) {
	p := NewPublisher()
	ch := p.SubscribeTrade()
	var got []string
	p.AddListener(ListenerFunc(func(symbol string, price decimal.Decimal, _ time.Time) {
		got = append(got, symbol+"@"+price.String())
	}))

	p.PublishTrade(Trade{Symbol: "FPT", Price: decimal.NewFromInt(95000), Qty: 100})
	if tr := <-ch; tr.Symbol != "FPT" || tr.Qty != 100 {
		t.Fatalf("unexpected trade %+v", tr)
	}
	if len(got) != 1 || got[0] != "FPT@95000" {
		t.Fatalf("listener not called: %v", got)
	}

	// 慢消费者不阻塞发布
	for i := 0; i < 100; i++ {
		p.PublishTrade(Trade{Symbol: "HPG", Price: decimal.NewFromInt(25000)})
	}
	if len(got) != 101 {
		t.Fatalf("expected 101 listener calls, got %d", len(got))
	}
}
