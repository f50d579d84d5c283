package api

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"vn-execution-go/gateway"
	"vn-execution-go/order"
	"vn-execution-go/retry"
)

const dateLayout = "2006-01-02"

// errorBody 错误响应，code为机器可读原因码
type errorBody struct {
	Error string     `json:"error"`
	Code  string     `json:"code,omitempty"`
	Order *orderView `json:"order,omitempty"`
}

type apiError struct {
	status int
	err    error
	order  *order.Order
}

func (e *apiError) Error() string { return e.err.Error() }
func (e *apiError) Unwrap() error { return e.err }

func fail(err error, o *order.Order) error {
	return &apiError{status: statusFor(err), err: err, order: o}
}

// statusFor 业务错误到HTTP状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, order.ErrOrderNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, order.ErrValidation),
		errors.Is(err, order.ErrQuantityOutOfRange),
		errors.Is(err, order.ErrUnsupportedAssetClass),
		errors.Is(err, gateway.ErrUnknownBroker):
		return fiber.StatusBadRequest
	case errors.Is(err, order.ErrRiskRejected),
		errors.Is(err, order.ErrSettlementLock),
		errors.Is(err, order.ErrInsufficientBuyingPower):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, order.ErrInvalidTransition):
		return fiber.StatusConflict
	case errors.Is(err, order.ErrBrokerRecovering):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, retry.ErrExhausted), gateway.IsTransient(err):
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	var ae *apiError
	if errors.As(err, &ae) {
		body := errorBody{Error: ae.err.Error(), Code: order.ReasonCode(ae.err)}
		if ae.order != nil {
			v := toView(*ae.order)
			body.Order = &v
		}
		if ae.status >= fiber.StatusInternalServerError {
			s.log.LogError(ae.err, map[string]interface{}{"path": c.Path()})
		}
		return c.Status(ae.status).JSON(body)
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(errorBody{Error: fe.Message})
	}
	s.log.LogError(err, map[string]interface{}{"path": c.Path()})
	return c.Status(fiber.StatusInternalServerError).JSON(errorBody{Error: err.Error()})
}

// orderView 订单JSON
type orderView struct {
	ID               string          `json:"id"`
	ClientOrderID    string          `json:"client_order_id"`
	Symbol           string          `json:"symbol"`
	Side             string          `json:"side"`
	Type             string          `json:"type"`
	Quantity         int64           `json:"quantity"`
	LimitPrice       decimal.Decimal `json:"limit_price"`
	AssetClass       string          `json:"asset_class"`
	Broker           string          `json:"broker"`
	BrokerOrderID    string          `json:"broker_order_id,omitempty"`
	Status           string          `json:"status"`
	FilledQuantity   int64           `json:"filled_quantity"`
	AverageFillPrice decimal.Decimal `json:"average_fill_price"`
	AttemptCount     int             `json:"attempt_count"`
	LastError        string          `json:"last_error,omitempty"`
	Origin           string          `json:"origin"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func toView(o order.Order) orderView {
	return orderView{
		ID:               o.ID,
		ClientOrderID:    o.ClientOrderID,
		Symbol:           o.Symbol,
		Side:             o.Side,
		Type:             o.Type,
		Quantity:         o.Quantity,
		LimitPrice:       o.LimitPrice,
		AssetClass:       string(o.AssetClass),
		Broker:           o.BrokerName,
		BrokerOrderID:    o.BrokerOrderID,
		Status:           string(o.Status),
		FilledQuantity:   o.FilledQuantity,
		AverageFillPrice: o.AverageFillPrice,
		AttemptCount:     o.AttemptCount,
		LastError:        o.LastError,
		Origin:           o.Origin,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
}

func toViews(orders []order.Order) []orderView {
	out := make([]orderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, toView(o))
	}
	return out
}

func (s *Server) health(c *fiber.Ctx) error {
	brokers := fiber.Map{}
	for _, a := range s.deps.Manager.Router().Adapters() {
		state := "ready"
		if s.deps.Manager.IsRecovering(a.Name()) {
			state = "recovering"
		}
		brokers[a.Name()] = state
	}
	return c.JSON(fiber.Map{"status": true, "brokers": brokers})
}

type createOrderRequest struct {
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Quantity   int64           `json:"quantity"`
	Type       string          `json:"type"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	StopPrice  decimal.Decimal `json:"stop_price"`
	AssetClass string          `json:"asset_class"`
	Broker     string          `json:"broker"`
	// ValidateOnly 为true时只创建和验证，不提交
	ValidateOnly bool `json:"validate_only"`
}

// createOrder 创建、验证并提交
func (s *Server) createOrder(c *fiber.Ctx) error {
	var req createOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body: "+err.Error())
	}
	ctx := c.UserContext()
	o, err := s.deps.Manager.CreateOrder(ctx, order.CreateRequest{
		Symbol:     req.Symbol,
		Side:       strings.ToUpper(req.Side),
		Quantity:   req.Quantity,
		Type:       strings.ToUpper(req.Type),
		LimitPrice: req.LimitPrice,
		StopPrice:  req.StopPrice,
		AssetClass: gateway.AssetClass(strings.ToUpper(req.AssetClass)),
		Broker:     req.Broker,
		Origin:     "api",
	})
	if err != nil {
		return fail(err, nil)
	}
	if err := s.deps.Manager.ValidateOrder(ctx, o.ID); err != nil {
		cur, _ := s.deps.Manager.GetOrder(o.ID)
		return fail(err, &cur)
	}
	if req.ValidateOnly {
		cur, err := s.deps.Manager.GetOrder(o.ID)
		if err != nil {
			return fail(err, nil)
		}
		return c.Status(fiber.StatusCreated).JSON(toView(cur))
	}
	submitted, err := s.deps.Manager.SubmitOrder(ctx, o.ID)
	if err != nil {
		return fail(err, submitted)
	}
	return c.Status(fiber.StatusCreated).JSON(toView(*submitted))
}

func (s *Server) listOrders(c *fiber.Ctx) error {
	f := order.Filter{
		Broker:     c.Query("broker"),
		Symbol:     strings.ToUpper(c.Query("symbol")),
		ActiveOnly: c.Query("active") == "true",
	}
	if st := c.Query("status"); st != "" {
		for _, v := range strings.Split(st, ",") {
			f.Statuses = append(f.Statuses, order.Status(strings.ToUpper(strings.TrimSpace(v))))
		}
	}
	return c.JSON(toViews(s.deps.Manager.ListOrders(f)))
}

func (s *Server) activeOrders(c *fiber.Ctx) error {
	return c.JSON(toViews(s.deps.Tracker.GetActiveOrders()))
}

type fillView struct {
	OrderID   string          `json:"order_id"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Quantity  int64           `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// recentFills 最近N分钟成交，默认5分钟
func (s *Server) recentFills(c *fiber.Ctx) error {
	minutes := c.QueryInt("minutes", 5)
	if minutes <= 0 || minutes > 60 {
		return fiber.NewError(fiber.StatusBadRequest, "minutes must be within [1,60]")
	}
	fills := s.deps.Tracker.Fills().GetRecentFills(time.Duration(minutes) * time.Minute)
	out := make([]fillView, 0, len(fills))
	for _, f := range fills {
		out = append(out, fillView{
			OrderID: f.OrderID, Symbol: f.Symbol, Side: f.Side,
			Quantity: f.Quantity, Price: f.Price, Timestamp: f.Timestamp,
		})
	}
	return c.JSON(fiber.Map{
		"fills":        out,
		"rate_per_min": s.deps.Tracker.Stats().RecentFillRate,
	})
}

// trackOrder 查询前先向券商对账一次
func (s *Server) trackOrder(c *fiber.Ctx) error {
	o, err := s.deps.Tracker.TrackOrder(c.UserContext(), c.Params("id"))
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			return fail(err, nil)
		}
		// 券商不可达时返回本地状态
		cur, gerr := s.deps.Manager.GetOrder(c.Params("id"))
		if gerr != nil {
			return fail(gerr, nil)
		}
		s.log.LogOrder("track_fallback", cur.ID, map[string]interface{}{"error": err.Error()})
		return c.JSON(toView(cur))
	}
	return c.JSON(toView(o))
}

func (s *Server) cancelOrder(c *fiber.Ctx) error {
	o, err := s.deps.Manager.CancelOrder(c.UserContext(), c.Params("id"))
	if err != nil {
		return fail(err, o)
	}
	return c.JSON(toView(*o))
}

func (s *Server) settlementDate(c *fiber.Ctx) error {
	trade := s.deps.Now()
	if v := c.Query("trade_date"); v != "" {
		d, err := time.ParseInLocation(dateLayout, v, s.deps.Ledger.Calendar().Location())
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "trade_date must be YYYY-MM-DD")
		}
		trade = d
	}
	return c.JSON(fiber.Map{
		"trade_date":             trade.In(s.deps.Ledger.Calendar().Location()).Format(dateLayout),
		"settlement_date":        s.deps.Ledger.GetSettlementDate(trade).Format(dateLayout),
		"actual_settlement_date": s.deps.Ledger.GetActualSettlementDate(trade),
	})
}

func (s *Server) settlementReady(c *fiber.Ctx) error {
	symbol := strings.ToUpper(c.Query("symbol"))
	if symbol == "" {
		return fiber.NewError(fiber.StatusBadRequest, "symbol is required")
	}
	qty, err := strconv.ParseInt(c.Query("quantity", "0"), 10, 64)
	if err != nil || qty < 0 {
		return fiber.NewError(fiber.StatusBadRequest, "quantity must be a non-negative integer")
	}
	now := s.deps.Now()
	view := s.deps.Ledger.Holding(symbol, now)
	return c.JSON(fiber.Map{
		"symbol":    symbol,
		"quantity":  qty,
		"ready":     s.deps.Ledger.IsSettlementReady(symbol, qty, now),
		"owned":     view.Owned,
		"unsettled": view.Unsettled,
		"held":      view.Held,
		"sellable":  view.Sellable,
		"days_held": s.deps.Ledger.GetDaysHeld(symbol, now),
	})
}

func (s *Server) holdings(c *fiber.Ctx) error {
	return c.JSON(s.deps.Ledger.Holdings(s.deps.Now()))
}

func (s *Server) margin(c *fiber.Ctx) error {
	st := s.deps.Ledger.MarginState()
	return c.JSON(fiber.Map{
		"reserved":    st.Reserved,
		"capacity":    st.Capacity,
		"used_pct":    st.UsedPct,
		"warning":     st.Warning,
		"force_close": st.ForceClose,
	})
}

func (s *Server) marginProjection(c *fiber.Ctx) error {
	days := c.QueryInt("days", 0)
	if days < 0 || days > 30 {
		return fiber.NewError(fiber.StatusBadRequest, "days must be within [0,30]")
	}
	points := s.deps.Ledger.GetMarginProjection(s.deps.Now(), days)
	out := make([]fiber.Map, 0, len(points))
	for _, p := range points {
		out = append(out, fiber.Map{
			"date":               p.Date.Format(dateLayout),
			"releasable":         p.Releasable,
			"projected_reserved": p.ProjectedReserved,
			"projected_pct":      p.ProjectedPct,
		})
	}
	return c.JSON(out)
}

func (s *Server) positions(c *fiber.Ctx) error {
	if s.deps.Inventory == nil {
		return c.JSON([]fiber.Map{})
	}
	ps := s.deps.Inventory.Positions()
	out := make([]fiber.Map, 0, len(ps))
	for _, p := range ps {
		m := fiber.Map{
			"symbol":       p.Symbol,
			"net_quantity": p.NetQuantity,
			"average_cost": p.AverageCost,
			"realized_pnl": p.RealizedPnL,
		}
		if !p.EarliestOpenLotDate.IsZero() {
			m["earliest_open_lot_date"] = p.EarliestOpenLotDate.Format(dateLayout)
		}
		if s.deps.Prices != nil {
			if mark, ok := s.deps.Prices.LatestPrice(p.Symbol); ok {
				_, pnl := s.deps.Inventory.Valuation(p.Symbol, mark)
				m["mark"] = mark
				m["unrealized_pnl"] = pnl
			}
		}
		out = append(out, m)
	}
	return c.JSON(out)
}

func (s *Server) riskStats(c *fiber.Ctx) error {
	if s.deps.Gate == nil {
		return c.JSON(fiber.Map{})
	}
	st := s.deps.Gate.Stats()
	return c.JSON(fiber.Map{
		"approved":  st.Approved,
		"rejected":  st.Rejected,
		"by_reason": st.ByReason,
	})
}

// executionQuality 成交滑点和事后价格走势，可按symbol过滤
func (s *Server) executionQuality(c *fiber.Ctx) error {
	if s.deps.Quality == nil {
		return c.Status(fiber.StatusNotFound).JSON(errorBody{Error: "execution quality tracking disabled", Code: "not_found"})
	}
	return c.JSON(s.deps.Quality.StatsFor(c.Query("symbol")))
}

type priceRequest struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
}

// postPrice 外部行情推送（成交价）
func (s *Server) postPrice(c *fiber.Ctx) error {
	if s.deps.Prices == nil {
		return fiber.NewError(fiber.StatusNotImplemented, "price feed disabled")
	}
	var req priceRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body: "+err.Error())
	}
	if req.Symbol == "" || !req.Price.IsPositive() {
		return fiber.NewError(fiber.StatusBadRequest, "symbol and positive price are required")
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = s.deps.Now()
	}
	accepted := s.deps.Prices.OnTrade(req.Symbol, req.Price, req.Quantity, req.Timestamp)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"accepted": accepted})
}
