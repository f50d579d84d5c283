package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"vn-execution-go/gateway"
	"vn-execution-go/infrastructure/alert"
	"vn-execution-go/retry"
	"vn-execution-go/settlement"
)

var ict = time.FixedZone("ICT", 7*3600)

func at(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, ict)
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakePrices map[string]decimal.Decimal

func (p fakePrices) LatestPrice(symbol string) (decimal.Decimal, bool) {
	v, ok := p[symbol]
	return v, ok
}

type memStore struct {
	mu     sync.Mutex
	orders map[string]Order
	fills  map[string][]Fill
}

func newMemStore() *memStore {
	return &memStore{orders: make(map[string]Order), fills: make(map[string][]Fill)}
}

func (s *memStore) SaveOrder(_ context.Context, o Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
	return nil
}

func (s *memStore) SaveFill(_ context.Context, f Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills[f.OrderID] = append(s.fills[f.OrderID], f)
	return nil
}

func (s *memStore) LoadOrders(context.Context) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	return out, nil
}

func (s *memStore) LoadFills(_ context.Context, id string) ([]Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Fill(nil), s.fills[id]...), nil
}

func (s *memStore) fillCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fills[id])
}

// fakeAdapter 可编排错误的券商
type fakeAdapter struct {
	mu          sync.Mutex
	name        string
	submitErrs  []error
	submits     int
	statusCalls int
	reports     map[string]*gateway.StatusReport // client order id -> report
	cash        decimal.Decimal
	statusHook  func()
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{name: name, reports: make(map[string]*gateway.StatusReport), cash: dec(1_000_000_000)}
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Capabilities() gateway.Capabilities {
	return gateway.Capabilities{AssetClasses: []gateway.AssetClass{gateway.AssetEquity}}
}

func (f *fakeAdapter) SubmitOrder(_ context.Context, req gateway.SubmitRequest) (gateway.SubmitAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		return gateway.SubmitAck{}, err
	}
	if rep, ok := f.reports[req.ClientOrderID]; ok {
		return gateway.SubmitAck{BrokerOrderID: rep.BrokerOrderID, Status: rep.Status, Duplicate: true}, nil
	}
	rep := &gateway.StatusReport{
		Broker:        f.name,
		BrokerOrderID: "B-" + req.ClientOrderID,
		ClientOrderID: req.ClientOrderID,
		Status:        gateway.RemoteAccepted,
	}
	f.reports[req.ClientOrderID] = rep
	return gateway.SubmitAck{BrokerOrderID: rep.BrokerOrderID, Status: rep.Status}, nil
}

func (f *fakeAdapter) CancelOrder(_ context.Context, ref gateway.OrderRef) (gateway.CancelAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rep := f.findLocked(ref)
	if rep == nil {
		return gateway.CancelAck{}, gateway.ErrOrderNotFound
	}
	if rep.Status.IsClosed() {
		return gateway.CancelAck{BrokerOrderID: rep.BrokerOrderID}, nil
	}
	rep.Status = gateway.RemoteCancelled
	return gateway.CancelAck{BrokerOrderID: rep.BrokerOrderID, Accepted: true}, nil
}

func (f *fakeAdapter) GetOrderStatus(_ context.Context, ref gateway.OrderRef) (gateway.StatusReport, error) {
	f.mu.Lock()
	f.statusCalls++
	hook := f.statusHook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rep := f.findLocked(ref)
	if rep == nil {
		return gateway.StatusReport{}, gateway.ErrOrderNotFound
	}
	return *rep, nil
}

func (f *fakeAdapter) GetAccountInfo(context.Context) (gateway.AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return gateway.AccountInfo{Broker: f.name, Cash: f.cash, BuyingPower: f.cash}, nil
}

func (f *fakeAdapter) findLocked(ref gateway.OrderRef) *gateway.StatusReport {
	if rep, ok := f.reports[ref.ClientOrderID]; ok {
		return rep
	}
	for _, rep := range f.reports {
		if ref.BrokerOrderID != "" && rep.BrokerOrderID == ref.BrokerOrderID {
			return rep
		}
	}
	return nil
}

// setReport 直接设置券商侧状态
func (f *fakeAdapter) setReport(clientID string, rep gateway.StatusReport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := rep
	f.reports[clientID] = &cp
}

func (f *fakeAdapter) counts() (submits, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits, f.statusCalls
}

type harness struct {
	t        *testing.T
	clock    *fakeClock
	ledger   *settlement.Ledger
	manager  *Manager
	store    *memStore
	recorder *alert.Recorder
	delays   []time.Duration
	mu       sync.Mutex
}

// newHarness 以给定券商构建管理器，时钟固定在2024-01-05（周五）10:00
func newHarness(t *testing.T, capacity int64, adapters ...gateway.Adapter) *harness {
	t.Helper()
	h := &harness{t: t, clock: &fakeClock{now: at(2024, time.January, 5, 10, 0)}, store: newMemStore(), recorder: alert.NewRecorder()}

	cfg := settlement.DefaultConfig()
	cfg.Capacity = dec(capacity)
	h.ledger = settlement.NewLedger(cfg, settlement.NewCalendar(ict, nil), nil)
	h.ledger.SetDispatcher(h.recorder)

	router := gateway.NewRouter(adapters...)
	h.manager = NewManager(Config{DefaultBroker: adapters[0].Name()}, router, h.ledger, nil)
	h.manager.SetClock(h.clock.Now)
	h.manager.SetStore(h.store)
	h.manager.SetDispatcher(h.recorder)
	h.manager.SetPolicy(retry.DefaultPolicy(gateway.IsTransient).WithSleeper(func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.delays = append(h.delays, d)
		h.mu.Unlock()
		return nil
	}))
	h.ledger.SetSettledHandler(h.manager)
	h.ledger.SetForceCloseHandler(h.manager)
	return h
}

func (h *harness) buy(symbol string, qty int64, price int64) *Order {
	h.t.Helper()
	o, err := h.manager.CreateOrder(context.Background(), CreateRequest{
		Symbol: symbol, Side: SideBuy, Quantity: qty, Type: TypeLimit, LimitPrice: dec(price),
	})
	if err != nil {
		h.t.Fatalf("create buy: %v", err)
	}
	return o
}

func (h *harness) order(id string) Order {
	h.t.Helper()
	o, err := h.manager.GetOrder(id)
	if err != nil {
		h.t.Fatalf("get order: %v", err)
	}
	return o
}

func (h *harness) marginEvents(orderID string, ref string, kind settlement.MarginEventKind) int {
	n := 0
	for _, e := range h.ledger.Events(orderID) {
		if e.Ref == ref && e.Kind == kind {
			n++
		}
	}
	return n
}
