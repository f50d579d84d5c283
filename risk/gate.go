package risk

import (
	"context"
	"sync"

	"vn-execution-go/infrastructure/logger"
	"vn-execution-go/order"
)

var _ order.RiskGate = (*Gate)(nil)

// GateStats 风控审批统计
type GateStats struct {
	Approved int64
	Rejected int64
	ByReason map[string]int64
}

// Gate 订单验证阶段的风控闸门：先执行本地Guard，再询问外部评分（VaR/Kelly）
type Gate struct {
	guard    Guard
	external order.RiskGate
	notifier *Notifier
	logger   *logger.Logger
	onReject func(reason string)

	mu    sync.Mutex
	stats GateStats
}

func NewGate(guard Guard, notifier *Notifier, log *logger.Logger) *Gate {
	if log == nil {
		log = logger.Nop()
	}
	return &Gate{
		guard:    guard,
		notifier: notifier,
		logger:   log.Named("risk"),
		stats:    GateStats{ByReason: make(map[string]int64)},
	}
}

// SetExternal 外部评分闸门，只消费其是否批准
func (g *Gate) SetExternal(ext order.RiskGate) { g.external = ext }

// SetRejectHook 拒单回调（指标）
func (g *Gate) SetRejectHook(fn func(reason string)) { g.onReject = fn }

// Approve 实现 order.RiskGate
func (g *Gate) Approve(ctx context.Context, req order.RiskRequest) (bool, string) {
	if g.guard != nil {
		if err := g.guard.PreOrder(req); err != nil {
			reason := ReasonFor(err)
			if g.notifier != nil {
				g.notifier.NotifyLimitExceeded(req.Symbol, err)
			}
			g.record(false, reason)
			return false, reason
		}
	}
	if g.external != nil {
		if ok, reason := g.external.Approve(ctx, req); !ok {
			if reason == "" {
				reason = "external_rejected"
			}
			g.logger.LogRisk("external_rejected", map[string]interface{}{
				"symbol": req.Symbol,
				"side":   req.Side,
				"reason": reason,
			})
			g.record(false, reason)
			return false, reason
		}
	}
	g.record(true, "")
	return true, ""
}

func (g *Gate) record(approved bool, reason string) {
	g.mu.Lock()
	if approved {
		g.stats.Approved++
		g.mu.Unlock()
		return
	}
	g.stats.Rejected++
	g.stats.ByReason[reason]++
	g.mu.Unlock()
	if g.onReject != nil {
		g.onReject(reason)
	}
}

// Stats 审批统计快照
func (g *Gate) Stats() GateStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := GateStats{Approved: g.stats.Approved, Rejected: g.stats.Rejected, ByReason: make(map[string]int64, len(g.stats.ByReason))}
	for k, v := range g.stats.ByReason {
		out.ByReason[k] = v
	}
	return out
}
