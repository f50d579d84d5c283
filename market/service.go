package market

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type quote struct {
	price decimal.Decimal
	at    time.Time
}

// PriceBook 维护各标的最新价并广播；实现 order.PriceProvider
type PriceBook struct {
	pub          *Publisher
	maxStaleness time.Duration
	now          func() time.Time

	mu     sync.RWMutex
	quotes map[string]quote
}

// NewPriceBook maxStaleness<=0 表示价格永不过期
func NewPriceBook(pub *Publisher, maxStaleness time.Duration) *PriceBook {
	if pub == nil {
		pub = NewPublisher()
	}
	return &PriceBook{
		pub:          pub,
		maxStaleness: maxStaleness,
		now:          time.Now,
		quotes:       make(map[string]quote),
	}
}

// SetClock 替换时钟（测试用）
func (b *PriceBook) SetClock(now func() time.Time) { b.now = now }

// Publisher 事件分发器
func (b *PriceBook) Publisher() *Publisher { return b.pub }

// OnTrade 更新并广播；早于当前价的回报忽略
func (b *PriceBook) OnTrade(symbol string, price decimal.Decimal, qty int64, ts time.Time) bool {
	symbol = strings.ToUpper(symbol)
	if !price.IsPositive() {
		return false
	}
	if ts.IsZero() {
		ts = b.now()
	}
	b.mu.Lock()
	if q, ok := b.quotes[symbol]; ok && ts.Before(q.at) {
		b.mu.Unlock()
		return false
	}
	b.quotes[symbol] = quote{price: price, at: ts}
	b.mu.Unlock()

	b.pub.PublishTrade(Trade{Symbol: symbol, Price: price, Qty: qty, Ts: ts})
	return true
}

// LatestPrice 最新价；无数据或超过maxStaleness返回false
func (b *PriceBook) LatestPrice(symbol string) (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[strings.ToUpper(symbol)]
	if !ok {
		return decimal.Zero, false
	}
	if b.maxStaleness > 0 && b.now().Sub(q.at) > b.maxStaleness {
		return q.price, false
	}
	return q.price, true
}

// Staleness 返回距离上次更新的时间间隔；如无数据返回一年。
func (b *PriceBook) Staleness(symbol string) time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[strings.ToUpper(symbol)]
	if !ok {
		return time.Hour * 24 * 365
	}
	return b.now().Sub(q.at)
}

// Symbols 已有报价的标的
func (b *PriceBook) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.quotes))
	for s := range b.quotes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
