package order

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"vn-execution-go/gateway"
	"vn-execution-go/infrastructure/alert"
	"vn-execution-go/settlement"
)

// applyReportLocked 幂等应用券商回报：累计成交不增加时为空操作，终态不回退
func (m *Manager) applyReportLocked(ctx context.Context, o *Order, rep gateway.StatusReport) bool {
	if !IsActive(o) || o.Status == StatusCreated {
		return false
	}
	changed := false

	if o.BrokerOrderID == "" && rep.BrokerOrderID != "" {
		o.BrokerOrderID = rep.BrokerOrderID
		m.book.indexBroker(o)
		changed = true
	}
	if o.Status == StatusValidated {
		if o.BrokerOrderID == "" {
			return false
		}
		// 崩溃前已到达券商
		if err := m.transitionLocked(o, StatusSubmitted); err != nil {
			return false
		}
		changed = true
	}

	filled := rep.FilledQuantity
	if filled > o.Quantity {
		m.logger.LogBroker(o.BrokerName, "overfill_reported", map[string]interface{}{
			"order_id": o.ID,
			"reported": filled,
			"quantity": o.Quantity,
		})
		filled = o.Quantity
	}
	var lastFill time.Time
	if filled > o.FilledQuantity {
		lastFill = m.recordFillLocked(ctx, o, filled, rep)
		changed = true
	}

	switch {
	case o.FilledQuantity >= o.Quantity:
		if err := m.closeLocked(ctx, o, StatusFilled, lastFill); err == nil && m.dispatcher != nil {
			m.dispatcher.Dispatch(alert.TypeOrderExecuted, "",
				fmt.Sprintf("%s %d %s filled @ %s", o.Side, o.Quantity, o.Symbol, o.AverageFillPrice.StringFixed(0)),
				map[string]interface{}{"symbol": o.Symbol, "order_id": o.ID, "broker": o.BrokerName})
		}
		return true
	case rep.Status == gateway.RemoteCancelled,
		rep.Status == gateway.RemoteRejected && o.FilledQuantity > 0:
		_ = m.closeLocked(ctx, o, StatusCancelled, time.Time{})
		return true
	case rep.Status == gateway.RemoteRejected:
		o.LastError = "broker_rejected"
		if rep.Reason != "" {
			o.LastError += ": " + rep.Reason
		}
		_ = m.closeLocked(ctx, o, StatusRejected, time.Time{})
		return true
	}

	if changed {
		m.persist(ctx, o)
	}
	return changed
}

// recordFillLocked 把累计成交的增量记为新Fill，价格使加权均价与券商一致
func (m *Manager) recordFillLocked(ctx context.Context, o *Order, filled int64, rep gateway.StatusReport) time.Time {
	delta := filled - o.FilledQuantity
	prevNotional := o.AverageFillPrice.Mul(decimal.NewFromInt(o.FilledQuantity))
	price := rep.AvgFillPrice
	if rep.AvgFillPrice.IsPositive() && o.FilledQuantity > 0 {
		p := rep.AvgFillPrice.Mul(decimal.NewFromInt(filled)).Sub(prevNotional).Div(decimal.NewFromInt(delta))
		if p.IsPositive() {
			price = p
		}
	}
	if !price.IsPositive() {
		price = o.ReferencePrice
	}
	ts := rep.UpdatedAt
	if ts.IsZero() {
		ts = m.now()
	}

	fill := Fill{
		ID:           uuid.NewString(),
		OrderID:      o.ID,
		Quantity:     delta,
		Price:        price,
		Timestamp:    ts,
		BrokerFillID: fmt.Sprintf("%s:%d", o.BrokerOrderID, filled),
	}
	o.AverageFillPrice = prevNotional.Add(price.Mul(decimal.NewFromInt(delta))).Div(decimal.NewFromInt(filled))
	o.FilledQuantity = filled
	o.UpdatedAt = m.now()
	if filled < o.Quantity {
		_ = m.transitionLocked(o, StatusPartiallyFilled)
	}

	if m.store != nil {
		if err := m.store.SaveFill(ctx, fill); err != nil {
			m.logger.LogError(err, map[string]interface{}{"op": "save_fill", "order_id": o.ID})
		}
	}
	m.logger.LogFill("accepted", map[string]interface{}{
		"order_id":  o.ID,
		"symbol":    o.Symbol,
		"side":      o.Side,
		"quantity":  delta,
		"price":     price.String(),
		"cum_qty":   filled,
		"avg_price": o.AverageFillPrice.String(),
	})
	if m.ledger != nil {
		m.ledger.ApplyFill(ctx, settlement.Fill{
			FillID:    fill.ID,
			OrderID:   o.ID,
			Symbol:    o.Symbol,
			Side:      o.Side,
			Quantity:  delta,
			Price:     price,
			Timestamp: ts,
		})
	}
	m.mu.RLock()
	listeners := append([]FillListener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, l := range listeners {
		l.OnFill(ctx, *o, fill)
	}
	return ts
}

// ApplyReport 推送回报入口（websocket），按券商单号或ClientOrderID定位订单
func (m *Manager) ApplyReport(ctx context.Context, rep gateway.StatusReport) error {
	id, ok := m.book.Lookup(rep.Broker, rep.BrokerOrderID, rep.ClientOrderID)
	if !ok {
		return fmt.Errorf("%w: broker=%s broker_order_id=%s client_order_id=%s",
			ErrOrderNotFound, rep.Broker, rep.BrokerOrderID, rep.ClientOrderID)
	}
	_, err := m.withOrder(id, func(o *Order) error {
		m.applyReportLocked(ctx, o, rep)
		return nil
	})
	return err
}

// ReconcileOrder 查询券商状态并应用；VALIDATED且未到达券商的订单保持不变
func (m *Manager) ReconcileOrder(ctx context.Context, id string) (Order, error) {
	return m.withOrder(id, func(o *Order) error {
		if !IsLive(o) {
			return nil
		}
		adapter, ok := m.router.Adapter(o.BrokerName)
		if !ok {
			return fmt.Errorf("%w: %s", gateway.ErrUnknownBroker, o.BrokerName)
		}
		rep, err := adapter.GetOrderStatus(ctx, o.ref())
		if err != nil {
			if isOrderMissing(err) {
				if o.Status == StatusValidated {
					return nil
				}
				if m.noteMissingLocked(ctx, o, err) {
					return nil
				}
			}
			return fmt.Errorf("status %s at %s: %w", o.ID, o.BrokerName, err)
		}
		m.clearMissing(o.ID)
		m.applyReportLocked(ctx, o, rep)
		return nil
	})
}

func isOrderMissing(err error) bool {
	if errors.Is(err, gateway.ErrOrderNotFound) {
		return true
	}
	var gerr *gateway.Error
	return errors.As(err, &gerr) && gerr.StatusCode == http.StatusNotFound
}

// noteMissingLocked 券商连续maxMissingReports次查不到已提交订单时判定失败，
// 返回true表示订单已关闭，不再阻塞该券商的对账。
func (m *Manager) noteMissingLocked(ctx context.Context, o *Order, cause error) bool {
	m.mu.Lock()
	m.missing[o.ID]++
	n := m.missing[o.ID]
	m.mu.Unlock()
	if n < maxMissingReports {
		return false
	}
	m.clearMissing(o.ID)

	o.LastError = fmt.Sprintf("broker_order_missing: not found %d times: %v", n, cause)
	if err := m.closeLocked(ctx, o, StatusFailed, time.Time{}); err != nil {
		m.logger.LogError(err, map[string]interface{}{"order_id": o.ID, "op": "missing"})
		return false
	}
	m.logger.LogBroker(o.BrokerName, "order_missing", map[string]interface{}{
		"order_id": o.ID,
		"filled":   o.FilledQuantity,
		"checks":   n,
	})
	if m.dispatcher != nil {
		m.dispatcher.Dispatch(alert.TypeOrderFailed, "",
			fmt.Sprintf("%s %d %s missing at %s, marked failed", o.Side, o.Quantity, o.Symbol, o.BrokerName),
			map[string]interface{}{
				"symbol":   o.Symbol,
				"order_id": o.ID,
				"filled":   o.FilledQuantity,
				"error":    cause.Error(),
			})
	}
	return true
}

func (m *Manager) clearMissing(id string) {
	m.mu.Lock()
	delete(m.missing, id)
	m.mu.Unlock()
}

// ReconcileBroker 对该券商所有在途订单执行一次对账，返回检查的订单数
func (m *Manager) ReconcileBroker(ctx context.Context, broker string) (int, error) {
	var errs error
	n := 0
	for _, o := range m.book.List(Filter{Broker: broker}) {
		if !IsLive(&o) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return n, multierr.Append(errs, err)
		}
		n++
		if _, err := m.ReconcileOrder(ctx, o.ID); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return n, errs
}

// ExpireOrders 撤销创建超过ttl仍未完结的已提交订单
func (m *Manager) ExpireOrders(ctx context.Context, now time.Time, ttl time.Duration) ([]string, error) {
	var (
		expired []string
		errs    error
	)
	for _, o := range m.book.List(Filter{Statuses: []Status{StatusSubmitted, StatusPartiallyFilled}}) {
		if now.Sub(o.CreatedAt) < ttl {
			continue
		}
		after, err := m.CancelOrder(ctx, o.ID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		expired = append(expired, o.ID)
		m.logger.LogOrder("expired", o.ID, map[string]interface{}{
			"age":    now.Sub(o.CreatedAt).String(),
			"status": string(after.Status),
		})
		if m.dispatcher != nil {
			m.dispatcher.Dispatch(alert.TypeOrderExpired, "",
				fmt.Sprintf("%s %d %s expired after %s", o.Side, o.Quantity, o.Symbol, ttl),
				map[string]interface{}{"symbol": o.Symbol, "order_id": o.ID, "filled": after.FilledQuantity})
		}
	}
	return expired, errs
}

// Restore 从存储恢复订单和成交并重放到账本；有在途订单的券商标记为恢复中
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	orders, err := m.store.LoadOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("load orders: %w", err)
	}

	type replay struct {
		order Order
		fill  Fill
	}
	var fills []replay
	for i := range orders {
		o := orders[i]
		of, err := m.store.LoadFills(ctx, o.ID)
		if err != nil {
			return 0, fmt.Errorf("load fills for %s: %w", o.ID, err)
		}
		for _, f := range of {
			fills = append(fills, replay{order: o, fill: f})
		}
		cp := o
		m.book.Put(&cp)
		if IsLive(&o) {
			m.MarkRecovering(o.BrokerName)
		}
	}
	if m.ledger == nil {
		return len(orders), nil
	}

	// 重放期间不评估阈值；结束时先清扫已过T+2.5的批次
	now := m.now()
	m.ledger.BeginReplay()
	defer m.ledger.EndReplay(ctx, now)

	// 在途买单重新预占，成交按时间顺序重放
	for _, o := range orders {
		if o.Side == SideBuy && IsActive(&o) && o.Status != StatusCreated {
			m.ledger.ReserveOrder(ctx, o.ID, o.Symbol, o.Quantity, o.ReferencePrice)
		}
	}
	sort.SliceStable(fills, func(i, j int) bool { return fills[i].fill.Timestamp.Before(fills[j].fill.Timestamp) })
	lastFill := make(map[string]time.Time)
	for _, r := range fills {
		lastFill[r.order.ID] = r.fill.Timestamp
		m.ledger.ApplyFill(ctx, settlement.Fill{
			FillID:    r.fill.ID,
			OrderID:   r.order.ID,
			Symbol:    r.order.Symbol,
			Side:      r.order.Side,
			Quantity:  r.fill.Quantity,
			Price:     r.fill.Price,
			Timestamp: r.fill.Timestamp,
		})
	}
	for _, o := range orders {
		switch {
		case o.Side == SideSell && IsActive(&o) && o.Status != StatusCreated:
			if err := m.ledger.ReserveSell(o.ID, o.Symbol, o.Remaining(), now); err != nil {
				m.logger.LogError(err, map[string]interface{}{"op": "restore_sell_hold", "order_id": o.ID})
			}
		case o.Side == SideBuy && o.Status == StatusFilled:
			trade, ok := lastFill[o.ID]
			if !ok {
				trade = o.UpdatedAt
			}
			m.ledger.CompleteBuy(ctx, o.ID, o.Symbol, o.FilledQuantity, o.AverageFillPrice, trade)
		}
	}
	m.logger.LogOrder("restored", "", map[string]interface{}{
		"orders": len(orders),
		"fills":  len(fills),
	})
	return len(orders), nil
}
