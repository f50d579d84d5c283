package risk

import (
	"sync"
	"time"

	"vn-execution-go/order"
)

// LatencyGuard 限制同一标的同方向的下单频率，防止决策端快速重复下单。
type LatencyGuard struct {
	MinInterval time.Duration
	mu          sync.Mutex
	last        map[string]time.Time
	clock       Clock
}

func NewLatencyGuard(minInterval time.Duration, clock Clock) *LatencyGuard {
	if clock == nil {
		clock = SystemClock
	}
	return &LatencyGuard{
		MinInterval: minInterval,
		last:        make(map[string]time.Time),
		clock:       clock,
	}
}

func (g *LatencyGuard) PreOrder(req order.RiskRequest) error {
	if g == nil || g.MinInterval <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	key := req.Symbol + "/" + req.Side
	if prev, ok := g.last[key]; ok && now.Sub(prev) < g.MinInterval {
		return ErrTooFrequent
	}
	g.last[key] = now
	return nil
}
