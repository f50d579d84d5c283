package order

import (
	"sort"
	"sync"
)

type entry struct {
	mu    sync.Mutex // 单订单的串行化点：成交、撤单、过期都在此锁内修改
	order *Order
}

// Book 记录订单和状态，支持按ClientOrderID/券商单号反查。
type Book struct {
	mu       sync.RWMutex
	orders   map[string]*entry
	byClient map[string]string
	byBroker map[string]string
}

func NewBook() *Book {
	return &Book{
		orders:   make(map[string]*entry),
		byClient: make(map[string]string),
		byBroker: make(map[string]string),
	}
}

// Put 登记订单（已存在则覆盖）
func (b *Book) Put(o *Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.orders[o.ID]; ok {
		e.order = o
	} else {
		b.orders[o.ID] = &entry{order: o}
	}
	b.byClient[o.ClientOrderID] = o.ID
	if o.BrokerOrderID != "" {
		b.byBroker[o.BrokerName+"/"+o.BrokerOrderID] = o.ID
	}
}

// indexBroker 提交成功后登记券商单号
func (b *Book) indexBroker(o *Order) {
	if o.BrokerOrderID == "" {
		return
	}
	b.mu.Lock()
	b.byBroker[o.BrokerName+"/"+o.BrokerOrderID] = o.ID
	b.mu.Unlock()
}

func (b *Book) entry(id string) (*entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.orders[id]
	return e, ok
}

// Lookup 按券商单号或ClientOrderID找订单ID
func (b *Book) Lookup(broker, brokerOrderID, clientOrderID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if brokerOrderID != "" {
		if id, ok := b.byBroker[broker+"/"+brokerOrderID]; ok {
			return id, true
		}
	}
	if clientOrderID != "" {
		id, ok := b.byClient[clientOrderID]
		return id, ok
	}
	return "", false
}

// Get 返回订单快照
func (b *Book) Get(id string) (Order, bool) {
	e, ok := b.entry(id)
	if !ok {
		return Order{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.order, true
}

// List 返回满足条件的订单快照（按创建时间排序）
func (b *Book) List(f Filter) []Order {
	b.mu.RLock()
	entries := make([]*entry, 0, len(b.orders))
	for _, e := range b.orders {
		entries = append(entries, e)
	}
	b.mu.RUnlock()

	res := make([]Order, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if f.match(e.order) {
			res = append(res, *e.order)
		}
		e.mu.Unlock()
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res
}
