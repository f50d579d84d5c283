package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"vn-execution-go/gateway"
	"vn-execution-go/infrastructure/alert"
	"vn-execution-go/infrastructure/logger"
	"vn-execution-go/retry"
	"vn-execution-go/settlement"
)

// Config 订单管理器参数
type Config struct {
	DefaultBroker     string             `yaml:"default_broker"`
	DefaultAssetClass gateway.AssetClass `yaml:"default_asset_class"`
	ClientIDPrefix    string             `yaml:"client_id_prefix"`
}

// Manager 维护订单生命周期：创建、验证、提交（带重试）、撤单。
// 所有对单个订单的修改都在该订单的锁内完成。
type Manager struct {
	cfg        Config
	router     *gateway.Router
	ledger     *settlement.Ledger
	risk       RiskGate
	prices     PriceProvider
	store      Store
	dispatcher alert.Dispatcher
	policy     retry.Policy
	bounds     *BoundsTable
	book       *Book
	sm         *StateMachine
	metrics    Metrics
	logger     *logger.Logger
	now        func() time.Time

	mu         sync.RWMutex
	listeners  []FillListener
	recovering map[string]bool
	missing    map[string]int // 券商连续查不到的次数
}

// maxMissingReports 券商连续查不到在途订单的次数上限
const maxMissingReports = 3

func NewManager(cfg Config, router *gateway.Router, ledger *settlement.Ledger, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.DefaultAssetClass == "" {
		cfg.DefaultAssetClass = gateway.AssetEquity
	}
	if cfg.ClientIDPrefix == "" {
		cfg.ClientIDPrefix = "vnx"
	}
	return &Manager{
		cfg:        cfg,
		router:     router,
		ledger:     ledger,
		policy:     retry.DefaultPolicy(gateway.IsTransient),
		bounds:     NewBoundsTable(nil),
		book:       NewBook(),
		sm:         NewStateMachine(),
		metrics:    nopMetrics{},
		logger:     log.Named("order"),
		now:        time.Now,
		recovering: make(map[string]bool),
		missing:    make(map[string]int),
	}
}

func (m *Manager) SetRiskGate(g RiskGate)           { m.risk = g }
func (m *Manager) SetPriceProvider(p PriceProvider) { m.prices = p }
func (m *Manager) SetStore(s Store)                 { m.store = s }
func (m *Manager) SetDispatcher(d alert.Dispatcher) { m.dispatcher = d }
func (m *Manager) SetBounds(b *BoundsTable)         { m.bounds = b }
func (m *Manager) SetClock(now func() time.Time)    { m.now = now }
func (m *Manager) Router() *gateway.Router          { return m.router }
func (m *Manager) Ledger() *settlement.Ledger       { return m.ledger }

// SetPolicy 替换重试策略，支持热更新
func (m *Manager) SetPolicy(p retry.Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = p
}

// Policy 当前重试策略
func (m *Manager) Policy() retry.Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policy
}

func (m *Manager) SetMetrics(mt Metrics) {
	if mt == nil {
		mt = nopMetrics{}
	}
	m.metrics = mt
}

// AddFillListener 注册成交监听（持仓、指标）
func (m *Manager) AddFillListener(l FillListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// MarkRecovering 券商恢复对账完成前拒绝新的提交
func (m *Manager) MarkRecovering(broker string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recovering[strings.ToLower(broker)] = true
}

// MarkReady 恢复完成
func (m *Manager) MarkReady(broker string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recovering, strings.ToLower(broker))
}

// IsRecovering 券商是否仍在恢复
func (m *Manager) IsRecovering(broker string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recovering[strings.ToLower(broker)]
}

// CreateOrder 校验输入、选择券商并登记为CREATED
func (m *Manager) CreateOrder(ctx context.Context, req CreateRequest) (*Order, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	side := strings.ToUpper(strings.TrimSpace(req.Side))
	typ := strings.ToUpper(strings.TrimSpace(req.Type))
	if typ == "" {
		typ = TypeMarket
		if req.LimitPrice.IsPositive() {
			typ = TypeLimit
		}
	}

	switch {
	case symbol == "":
		return nil, invalid("symbol", "invalid_symbol", "symbol is required")
	case side != SideBuy && side != SideSell:
		return nil, invalid("side", "invalid_side", "unknown side %q", req.Side)
	case req.Quantity <= 0:
		return nil, invalid("quantity", "invalid_quantity", "quantity must be positive, got %d", req.Quantity)
	case typ != TypeMarket && typ != TypeLimit:
		return nil, invalid("type", "invalid_type", "unknown order type %q", req.Type)
	case typ == TypeLimit && !req.LimitPrice.IsPositive():
		return nil, invalid("limit_price", "missing_limit_price", "LIMIT order requires a positive price")
	case req.StopPrice.IsNegative() || req.TargetPrice.IsNegative():
		return nil, invalid("price", "invalid_price", "stop/target price must not be negative")
	}

	ac := req.AssetClass
	if ac == "" {
		ac = m.cfg.DefaultAssetClass
	}
	broker := req.Broker
	if broker == "" {
		broker = m.cfg.DefaultBroker
	}
	adapter, err := m.router.Resolve(ac, broker)
	if err != nil {
		if errors.Is(err, gateway.ErrUnknownBroker) {
			return nil, invalid("broker", "unknown_broker", "%v", err)
		}
		return nil, &UnsupportedAssetClassError{AssetClass: ac, Broker: broker, Err: err}
	}

	now := m.now()
	o := &Order{
		ID:            uuid.NewString(),
		ClientOrderID: m.newClientOrderID(),
		Symbol:        symbol,
		Side:          side,
		Quantity:      req.Quantity,
		Type:          typ,
		StopPrice:     req.StopPrice,
		TargetPrice:   req.TargetPrice,
		AssetClass:    ac,
		BrokerName:    adapter.Name(),
		Status:        StatusCreated,
		Origin:        req.Origin,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if typ == TypeLimit {
		o.LimitPrice = req.LimitPrice
	}
	snapshot := *o
	m.book.Put(o)
	m.persist(ctx, &snapshot)

	m.logger.LogOrder("created", o.ID, map[string]interface{}{
		"client_order_id": o.ClientOrderID,
		"symbol":          o.Symbol,
		"side":            o.Side,
		"quantity":        o.Quantity,
		"type":            o.Type,
		"broker":          o.BrokerName,
	})
	return &snapshot, nil
}

func (m *Manager) newClientOrderID() string {
	return m.cfg.ClientIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// ValidateOrder 依次检查：买力/可卖数量、风控、数量限制；失败时订单保留在CREATED并记录原因码
func (m *Manager) ValidateOrder(ctx context.Context, id string) error {
	_, err := m.withOrder(id, func(o *Order) error {
		if o.Status != StatusCreated {
			return &InvalidTransitionError{From: o.Status, To: StatusValidated}
		}
		if err := m.validateLocked(ctx, o); err != nil {
			o.LastError = reasonOf(err)
			o.UpdatedAt = m.now()
			m.persist(ctx, o)
			m.logger.LogOrder("validation_rejected", o.ID, map[string]interface{}{
				"reason": o.LastError,
				"detail": err.Error(),
			})
			return err
		}
		if err := m.transitionLocked(o, StatusValidated); err != nil {
			return err
		}
		o.LastError = ""
		if o.Side == SideBuy && m.ledger != nil {
			amount := m.ledger.ReserveOrder(ctx, o.ID, o.Symbol, o.Quantity, o.ReferencePrice)
			m.logger.LogSettlement("margin_reserved", map[string]interface{}{
				"order_id": o.ID,
				"amount":   amount.String(),
			})
		}
		m.persist(ctx, o)
		return nil
	})
	return err
}

func (m *Manager) validateLocked(ctx context.Context, o *Order) error {
	adapter, ok := m.router.Adapter(o.BrokerName)
	if !ok {
		return invalid("broker", "unknown_broker", "broker %s not registered", o.BrokerName)
	}
	price, err := m.referencePrice(o)
	if err != nil {
		return err
	}
	o.ReferencePrice = price
	now := m.now()

	if o.Side == SideBuy {
		info, err := adapter.GetAccountInfo(ctx)
		if err != nil {
			return fmt.Errorf("account info from %s: %w", o.BrokerName, err)
		}
		available := info.BuyingPower
		if !available.IsPositive() {
			available = info.Cash
		}
		required := price.Mul(decimal.NewFromInt(o.Quantity))
		if available.LessThan(required) {
			return &InsufficientBuyingPowerError{Required: required, Available: available}
		}
	} else if m.ledger != nil {
		if err := m.ledger.ReserveSell(o.ID, o.Symbol, o.Quantity, now); err != nil {
			return &SettlementLockError{Symbol: o.Symbol, Requested: o.Quantity, Err: err}
		}
	}

	if m.risk != nil {
		var margin settlement.MarginState
		if m.ledger != nil {
			margin = m.ledger.MarginState()
		}
		approved, reason := m.risk.Approve(ctx, RiskRequest{
			Symbol:   o.Symbol,
			Side:     o.Side,
			Quantity: o.Quantity,
			Price:    price,
			Margin:   margin,
		})
		if !approved {
			m.releaseLocked(ctx, o)
			return &RiskRejectedError{Reason: reason}
		}
	}

	if err := m.bounds.Validate(o.BrokerName, o.AssetClass, o.Quantity); err != nil {
		m.releaseLocked(ctx, o)
		return err
	}
	return nil
}

// referencePrice 限价单用限价，市价单用最新价；卖出市价单允许无价
func (m *Manager) referencePrice(o *Order) (decimal.Decimal, error) {
	if o.Type == TypeLimit {
		return o.LimitPrice, nil
	}
	if m.prices != nil {
		if p, ok := m.prices.LatestPrice(o.Symbol); ok && p.IsPositive() {
			return p, nil
		}
	}
	if o.Side == SideSell {
		return decimal.Zero, nil
	}
	return decimal.Zero, invalid("price", "no_reference_price", "no market price for %s", o.Symbol)
}

// SubmitOrder 经重试策略提交到券商；耗尽或永久错误时订单FAILED并释放预占保证金
func (m *Manager) SubmitOrder(ctx context.Context, id string) (*Order, error) {
	snap, err := m.withOrder(id, func(o *Order) error {
		if o.Status != StatusValidated {
			return &InvalidTransitionError{From: o.Status, To: StatusSubmitted}
		}
		if m.IsRecovering(o.BrokerName) {
			return fmt.Errorf("%w: %s", ErrBrokerRecovering, o.BrokerName)
		}
		adapter, ok := m.router.Adapter(o.BrokerName)
		if !ok {
			return fmt.Errorf("%w: %s", gateway.ErrUnknownBroker, o.BrokerName)
		}
		return m.submitLocked(ctx, adapter, o)
	})
	if errors.Is(err, ErrOrderNotFound) {
		return nil, err
	}
	return &snap, err
}

func (m *Manager) submitLocked(ctx context.Context, adapter gateway.Adapter, o *Order) error {
	req := gateway.SubmitRequest{
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		OrderType:     o.Type,
		Quantity:      o.Quantity,
		Price:         o.LimitPrice,
		AssetClass:    o.AssetClass,
	}

	var ack gateway.SubmitAck
	attempts, err := m.Policy().Do(ctx, o.AttemptCount, func(actx context.Context, attempt int) error {
		// 先持久化尝试次数，重启后从这里继续
		o.AttemptCount = attempt
		o.UpdatedAt = m.now()
		m.persist(ctx, o)

		a, err := adapter.SubmitOrder(actx, req)
		if err != nil {
			m.logger.LogBroker(adapter.Name(), "submit_attempt_failed", map[string]interface{}{
				"order_id": o.ID,
				"attempt":  attempt,
				"error":    err.Error(),
			})
			return err
		}
		ack = a
		return nil
	})
	m.metrics.ObserveSubmit(o.BrokerName, attempts, err)

	if err != nil && ctx.Err() != nil {
		// 调用方放弃：订单保持VALIDATED，由对账按ClientOrderID确认
		o.LastError = "submit_interrupted"
		m.persist(ctx, o)
		return err
	}
	if err != nil && errors.Is(err, retry.ErrExhausted) {
		// 超时的尝试可能已被受理
		if rep, lerr := adapter.GetOrderStatus(ctx, o.ref()); lerr == nil && rep.BrokerOrderID != "" {
			ack = gateway.SubmitAck{BrokerOrderID: rep.BrokerOrderID, Status: rep.Status}
			err = nil
		}
	}
	if err != nil {
		m.failLocked(ctx, o, err)
		return err
	}

	o.BrokerOrderID = ack.BrokerOrderID
	if err := m.transitionLocked(o, StatusSubmitted); err != nil {
		return err
	}
	o.LastError = ""
	m.book.indexBroker(o)
	m.logger.LogOrder("submitted", o.ID, map[string]interface{}{
		"broker":          o.BrokerName,
		"broker_order_id": o.BrokerOrderID,
		"attempts":        o.AttemptCount,
		"duplicate":       ack.Duplicate,
	})
	if ack.Status == gateway.RemoteRejected {
		o.LastError = "broker_rejected"
		return m.closeLocked(ctx, o, StatusRejected, time.Time{})
	}
	m.persist(ctx, o)
	return nil
}

func (m *Manager) failLocked(ctx context.Context, o *Order, cause error) {
	code := "broker_error"
	switch {
	case errors.Is(cause, retry.ErrExhausted):
		code = "retries_exhausted"
	case gateway.IsPermanent(cause):
		code = "broker_rejected"
	}
	o.LastError = code + ": " + cause.Error()
	if err := m.closeLocked(ctx, o, StatusFailed, time.Time{}); err != nil {
		m.logger.LogError(err, map[string]interface{}{"order_id": o.ID, "op": "fail"})
		return
	}
	if m.dispatcher != nil {
		m.dispatcher.Dispatch(alert.TypeOrderFailed, "",
			fmt.Sprintf("%s %d %s via %s failed: %s", o.Side, o.Quantity, o.Symbol, o.BrokerName, code),
			map[string]interface{}{
				"symbol":   o.Symbol,
				"order_id": o.ID,
				"attempts": o.AttemptCount,
				"error":    cause.Error(),
			})
	}
}

// CancelOrder 仅允许 VALIDATED/SUBMITTED/PARTIALLY_FILLED。
// 撤单确认后重新读取券商状态并先应用成交，只有未成交部分被撤销。
func (m *Manager) CancelOrder(ctx context.Context, id string) (*Order, error) {
	snap, err := m.withOrder(id, func(o *Order) error {
		return m.cancelLocked(ctx, o)
	})
	if errors.Is(err, ErrOrderNotFound) {
		return nil, err
	}
	return &snap, err
}

func (m *Manager) cancelLocked(ctx context.Context, o *Order) error {
	if !m.sm.CanCancel(o.Status) {
		return &InvalidTransitionError{From: o.Status, To: StatusCancelled}
	}
	adapter, ok := m.router.Adapter(o.BrokerName)
	if !ok {
		return fmt.Errorf("%w: %s", gateway.ErrUnknownBroker, o.BrokerName)
	}

	if o.Status == StatusValidated {
		// 曾尝试提交的订单先按ClientOrderID确认券商侧是否存在
		if o.AttemptCount > 0 {
			if rep, err := adapter.GetOrderStatus(ctx, o.ref()); err == nil && rep.BrokerOrderID != "" {
				m.applyReportLocked(ctx, o, rep)
			}
		}
		if o.Status == StatusValidated {
			return m.closeLocked(ctx, o, StatusCancelled, time.Time{})
		}
		if !m.sm.CanCancel(o.Status) {
			return nil
		}
	}

	ref := o.ref()
	accepted := false
	_, err := m.Policy().Do(ctx, 0, func(actx context.Context, _ int) error {
		ack, err := adapter.CancelOrder(actx, ref)
		if err != nil {
			return err
		}
		accepted = ack.Accepted
		return nil
	})
	if err != nil {
		o.LastError = "cancel_failed"
		m.persist(ctx, o)
		return fmt.Errorf("cancel %s at %s: %w", o.ID, o.BrokerName, err)
	}

	rep, err := adapter.GetOrderStatus(ctx, ref)
	if err != nil {
		o.LastError = "cancel_status_unknown"
		m.persist(ctx, o)
		return fmt.Errorf("status after cancel %s: %w", o.ID, err)
	}
	m.applyReportLocked(ctx, o, rep)
	if !IsActive(o) {
		return nil
	}
	if !accepted {
		return fmt.Errorf("cancel %s refused by %s (remote %s)", o.ID, o.BrokerName, rep.Status)
	}
	return m.closeLocked(ctx, o, StatusCancelled, time.Time{})
}

// GetOrder 订单快照
func (m *Manager) GetOrder(id string) (Order, error) {
	o, ok := m.book.Get(id)
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return o, nil
}

// ListOrders 按条件列出订单
func (m *Manager) ListOrders(f Filter) []Order {
	return m.book.List(f)
}

// OnSettled 结算完成：FILLED买单进入SETTLED
func (m *Manager) OnSettled(ctx context.Context, orderID string) error {
	_, err := m.withOrder(orderID, func(o *Order) error {
		if o.Status == StatusSettled {
			return nil
		}
		if err := m.transitionLocked(o, StatusSettled); err != nil {
			return err
		}
		m.persist(ctx, o)
		return nil
	})
	return err
}

// HandleForceClose 按账本的强平建议生成市价卖单并提交
func (m *Manager) HandleForceClose(ctx context.Context, p settlement.ForceCloseProposal) error {
	qty := p.Quantity
	if m.ledger != nil {
		b := m.bounds.Lookup(m.cfg.DefaultBroker, m.cfg.DefaultAssetClass)
		sellable := m.ledger.Holding(p.Symbol, m.now()).Sellable
		if b.LotSize > 1 {
			qty = (qty + b.LotSize - 1) / b.LotSize * b.LotSize
			if qty > sellable {
				qty = sellable / b.LotSize * b.LotSize
			}
		}
	}
	if qty <= 0 {
		return fmt.Errorf("force close %s: nothing sellable", p.Symbol)
	}

	o, err := m.CreateOrder(ctx, CreateRequest{
		Symbol:   p.Symbol,
		Side:     SideSell,
		Quantity: qty,
		Type:     TypeMarket,
		Origin:   "force_close",
	})
	if err != nil {
		return fmt.Errorf("force close %s: %w", p.Symbol, err)
	}
	m.logger.LogRisk("force_close", map[string]interface{}{
		"order_id": o.ID,
		"symbol":   p.Symbol,
		"quantity": qty,
		"used_pct": p.UsedPct.StringFixed(4),
	})
	if err := m.ValidateOrder(ctx, o.ID); err != nil {
		return fmt.Errorf("force close %s: %w", p.Symbol, err)
	}
	if _, err := m.SubmitOrder(ctx, o.ID); err != nil {
		return fmt.Errorf("force close %s: %w", p.Symbol, err)
	}
	return nil
}

func (m *Manager) withOrder(id string, fn func(o *Order) error) (Order, error) {
	e, ok := m.book.entry(id)
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	err := fn(e.order)
	return *e.order, err
}

func (m *Manager) transitionLocked(o *Order, to Status) error {
	from := o.Status
	if err := m.sm.ValidateOrderTransition(o, to); err != nil {
		m.logger.LogError(err, map[string]interface{}{"order_id": o.ID})
		return err
	}
	o.Status = to
	o.UpdatedAt = m.now()
	m.metrics.ObserveTransition(from, to)
	m.logger.LogOrder("transition", o.ID, map[string]interface{}{
		"from": string(from),
		"to":   string(to),
	})
	return nil
}

// closeLocked 进入FILLED或终态：释放剩余预占，买单完全成交时生成结算记录
func (m *Manager) closeLocked(ctx context.Context, o *Order, to Status, tradeAt time.Time) error {
	if err := m.transitionLocked(o, to); err != nil {
		return err
	}
	m.releaseLocked(ctx, o)
	if to == StatusFilled && o.Side == SideBuy && m.ledger != nil {
		if tradeAt.IsZero() {
			tradeAt = m.now()
		}
		rec := m.ledger.CompleteBuy(ctx, o.ID, o.Symbol, o.FilledQuantity, o.AverageFillPrice, tradeAt)
		m.logger.LogSettlement("record_created", map[string]interface{}{
			"order_id":               o.ID,
			"settlement_date":        rec.SettlementDate.Format("2006-01-02"),
			"actual_settlement_date": rec.ActualSettlementDate.Format(time.RFC3339),
		})
	}
	m.persist(ctx, o)
	return nil
}

func (m *Manager) releaseLocked(ctx context.Context, o *Order) {
	if m.ledger == nil {
		return
	}
	if amount, ok := m.ledger.CloseOrder(ctx, o.ID); ok {
		m.logger.LogSettlement("margin_released", map[string]interface{}{
			"order_id": o.ID,
			"amount":   amount.String(),
		})
	}
}

func (m *Manager) persist(ctx context.Context, o *Order) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveOrder(ctx, *o); err != nil {
		m.logger.LogError(err, map[string]interface{}{"op": "save_order", "order_id": o.ID})
	}
}

func reasonOf(err error) string {
	if code := ReasonCode(err); code != "" {
		return code
	}
	return err.Error()
}
