package store

import (
	"context"
	"sort"
	"sync"

	"vn-execution-go/order"
	"vn-execution-go/settlement"
)

// OrderStore 订单和成交持久化
type OrderStore = order.Store

// SettlementStore 结算记录持久化
type SettlementStore = settlement.RecordStore

// EventSink 写入事件回调（日志）
type EventSink func(string, map[string]interface{})

var (
	_ OrderStore      = (*Memory)(nil)
	_ SettlementStore = (*Memory)(nil)
)

// Memory 内存存储，paper模式和测试使用。
// 订单快照按UpdatedAt去重，较旧的快照不覆盖较新的。
type Memory struct {
	mu          sync.RWMutex
	orders      map[string]order.Order
	fills       map[string][]order.Fill
	fillIDs     map[string]struct{}
	settlements map[string]settlement.Record

	sink EventSink
}

func NewMemory(sink EventSink) *Memory {
	return &Memory{
		orders:      make(map[string]order.Order),
		fills:       make(map[string][]order.Fill),
		fillIDs:     make(map[string]struct{}),
		settlements: make(map[string]settlement.Record),
		sink:        sink,
	}
}

// SaveOrder 插入或更新订单
func (m *Memory) SaveOrder(_ context.Context, o order.Order) error {
	m.mu.Lock()
	prev, ok := m.orders[o.ID]
	if ok && o.UpdatedAt.Before(prev.UpdatedAt) {
		m.mu.Unlock()
		return nil
	}
	m.orders[o.ID] = o
	m.mu.Unlock()

	m.logEvent("order_saved", map[string]interface{}{
		"order_id": o.ID,
		"status":   string(o.Status),
		"attempts": o.AttemptCount,
	})
	return nil
}

// SaveFill 追加成交；重复的fill ID忽略
func (m *Memory) SaveFill(_ context.Context, f order.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.fillIDs[f.ID]; dup {
		return nil
	}
	m.fillIDs[f.ID] = struct{}{}
	m.fills[f.OrderID] = append(m.fills[f.OrderID], f)
	return nil
}

// LoadOrders 按创建时间返回全部订单
func (m *Memory) LoadOrders(context.Context) ([]order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]order.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// LoadFills 某订单的成交，按时间排序
func (m *Memory) LoadFills(_ context.Context, orderID string) ([]order.Fill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]order.Fill(nil), m.fills[orderID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// SaveSettlement 插入或更新结算记录；SETTLED之后不再修改
func (m *Memory) SaveSettlement(_ context.Context, r settlement.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.settlements[r.OrderID]; ok && prev.Status == settlement.RecordSettled {
		return nil
	}
	m.settlements[r.OrderID] = r
	return nil
}

// ListSettlements 全部结算记录
func (m *Memory) ListSettlements(context.Context) ([]settlement.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]settlement.Record, 0, len(m.settlements))
	for _, r := range m.settlements {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

// Close 无资源需要释放
func (m *Memory) Close() error { return nil }

func (m *Memory) logEvent(event string, fields map[string]interface{}) {
	if m.sink != nil {
		m.sink(event, fields)
	}
}
