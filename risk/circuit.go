package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"vn-execution-go/order"
)

// Tick 依赖 minimal 行情信息。
type Tick struct {
	Symbol string
	Price  float64
	Ts     time.Time
}

type windows struct {
	w1m       []Tick
	w5m       []Tick
	openUntil time.Time
}

// CircuitBreaker 基于近期涨跌幅按标的触发熔断，熔断期间拒绝该标的买单。
type CircuitBreaker struct {
	// 阈值：1m、5m 相对涨跌幅
	OneMinuteThresh  float64
	FiveMinuteThresh float64
	Cooldown         time.Duration

	mu       sync.Mutex
	symbols  map[string]*windows
	clock    Clock
	notifier *Notifier
	onTrip   func(symbol string)
}

func NewCircuitBreaker(one, five float64, cooldown time.Duration, clock Clock, notifier *Notifier) *CircuitBreaker {
	if clock == nil {
		clock = SystemClock
	}
	return &CircuitBreaker{
		OneMinuteThresh:  one,
		FiveMinuteThresh: five,
		Cooldown:         cooldown,
		symbols:          make(map[string]*windows),
		clock:            clock,
		notifier:         notifier,
	}
}

// OnTick 返回 (是否触发, 触发窗口 "1m"/"5m"/"")
func (c *CircuitBreaker) OnTick(t Tick) (bool, string) {
	c.mu.Lock()
	w, ok := c.symbols[t.Symbol]
	if !ok {
		w = &windows{w1m: make([]Tick, 0, 128), w5m: make([]Tick, 0, 512)}
		c.symbols[t.Symbol] = w
	}
	w.w1m = append(w.w1m, t)
	w.w5m = append(w.w5m, t)
	trim(&w.w1m, t.Ts.Add(-1*time.Minute))
	trim(&w.w5m, t.Ts.Add(-5*time.Minute))

	span := ""
	if check(w.w1m, c.OneMinuteThresh) {
		span = "1m"
	} else if check(w.w5m, c.FiveMinuteThresh) {
		span = "5m"
	}
	if span != "" {
		w.openUntil = t.Ts.Add(c.Cooldown)
	}
	c.mu.Unlock()

	if span != "" && c.notifier != nil {
		c.notifier.NotifyCircuitTrip(t.Symbol, span, t.Price)
	}
	if span != "" && c.onTrip != nil {
		c.onTrip(t.Symbol)
	}
	return span != "", span
}

// SetTripHook 熔断触发回调（指标）
func (c *CircuitBreaker) SetTripHook(fn func(symbol string)) { c.onTrip = fn }

// OnPrice 实现 market.Listener
func (c *CircuitBreaker) OnPrice(symbol string, price decimal.Decimal, at time.Time) {
	c.OnTick(Tick{Symbol: symbol, Price: price.InexactFloat64(), Ts: at})
}

// Open 该标的当前是否处于熔断
func (c *CircuitBreaker) Open(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.symbols[symbol]
	return ok && c.clock.Now().Before(w.openUntil)
}

func (c *CircuitBreaker) PreOrder(req order.RiskRequest) error {
	if req.Side != order.SideBuy {
		return nil
	}
	if c.Open(req.Symbol) {
		return ErrCircuitOpen
	}
	return nil
}

func trim(buf *[]Tick, cutoff time.Time) {
	i := 0
	for ; i < len(*buf); i++ {
		if (*buf)[i].Ts.After(cutoff) {
			break
		}
	}
	if i > 0 {
		*buf = (*buf)[i:]
	}
}

func check(buf []Tick, thresh float64) bool {
	if thresh <= 0 || len(buf) == 0 {
		return false
	}
	first := buf[0].Price
	last := buf[len(buf)-1].Price
	if first == 0 {
		return false
	}
	change := (last - first) / first
	return change > thresh || change < -thresh
}
