package market

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Listener 同步接收最新价（熔断器、模拟券商撮合、保证金估值）
type Listener interface {
	OnPrice(symbol string, price decimal.Decimal, at time.Time)
}

// ListenerFunc 函数适配为Listener
type ListenerFunc func(symbol string, price decimal.Decimal, at time.Time)

func (f ListenerFunc) OnPrice(symbol string, price decimal.Decimal, at time.Time) { f(symbol, price, at) }

// Publisher 一个轻量事件分发器：同步回调加非阻塞channel订阅。
type Publisher struct {
	mu        sync.RWMutex
	listeners []Listener
	tradeSubs []chan Trade
}

func NewPublisher() *Publisher {
	return &Publisher{tradeSubs: make([]chan Trade, 0)}
}

// AddListener 注册同步回调
func (p *Publisher) AddListener(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// SubscribeTrade 订阅成交；慢消费者会丢消息
func (p *Publisher) SubscribeTrade() <-chan Trade {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Trade, 16)
	p.tradeSubs = append(p.tradeSubs, ch)
	return ch
}

func (p *Publisher) PublishTrade(t Trade) {
	p.mu.RLock()
	listeners := append([]Listener(nil), p.listeners...)
	subs := append([]chan Trade(nil), p.tradeSubs...)
	p.mu.RUnlock()

	for _, l := range listeners {
		l.OnPrice(t.Symbol, t.Price, t.Ts)
	}
	for _, ch := range subs {
		select {
		case ch <- t:
		default:
		}
	}
}
