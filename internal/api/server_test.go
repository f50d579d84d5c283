package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vn-execution-go/gateway"
	"vn-execution-go/infrastructure/monitor"
	"vn-execution-go/inventory"
	"vn-execution-go/market"
	"vn-execution-go/order"
	"vn-execution-go/posttrade"
	"vn-execution-go/settlement"
)

var ict = time.FixedZone("ICT", 7*3600)

type fixture struct {
	server  *Server
	manager *order.Manager
	ledger  *settlement.Ledger
	prices  *market.PriceBook
	paper   *gateway.PaperBroker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	paper := gateway.NewPaperBroker(gateway.PaperConfig{
		Prices: map[string]decimal.Decimal{"FPT": decimal.NewFromInt(95000)},
	})
	cfg := settlement.DefaultConfig()
	cfg.Capacity = decimal.NewFromInt(100_000_000)
	ledger := settlement.NewLedger(cfg, settlement.NewCalendar(ict, nil), nil)

	manager := order.NewManager(order.Config{DefaultBroker: gateway.BrokerPaper}, gateway.NewRouter(paper), ledger, nil)
	tracker := order.NewTracker(manager, order.TrackerConfig{}, nil)
	inv := inventory.NewTracker(ledger)
	manager.AddFillListener(inv)
	mon := monitor.New(monitor.DefaultConfig())
	manager.SetMetrics(mon)
	prices := market.NewPriceBook(market.NewPublisher(), time.Minute)
	quality := posttrade.NewAnalyzer(posttrade.DefaultConfig(), prices.LatestPrice)
	manager.AddFillListener(quality)

	s := NewServer(Deps{
		Manager: manager, Tracker: tracker, Ledger: ledger,
		Prices: prices, Inventory: inv, Monitor: mon, Quality: quality,
	})
	return &fixture{server: s, manager: manager, ledger: ledger, prices: prices, paper: paper}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.server.App().Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func decodeOrder(t *testing.T, raw []byte) orderView {
	t.Helper()
	var v orderView
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

func TestCreateTrackAndListOrders(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/orders", map[string]interface{}{
		"symbol": "fpt", "side": "buy", "quantity": 100, "type": "limit", "limit_price": 95000,
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	created := decodeOrder(t, body)
	assert.Equal(t, "FPT", created.Symbol)
	assert.Equal(t, string(order.StatusSubmitted), created.Status)
	assert.Equal(t, "api", created.Origin)
	assert.Equal(t, 1, created.AttemptCount)

	// 查询时对账，paper已按限价成交
	code, body = f.do(t, http.MethodGet, "/orders/"+created.ID, nil)
	require.Equal(t, http.StatusOK, code)
	tracked := decodeOrder(t, body)
	assert.Equal(t, string(order.StatusFilled), tracked.Status)
	assert.EqualValues(t, 100, tracked.FilledQuantity)

	code, body = f.do(t, http.MethodGet, "/orders?status=filled", nil)
	require.Equal(t, http.StatusOK, code)
	var list []orderView
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)

	code, body = f.do(t, http.MethodGet, "/orders/active", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, "[]", string(body))

	code, body = f.do(t, http.MethodGet, "/positions", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"net_quantity":100`)

	code, body = f.do(t, http.MethodGet, "/orders/fills?minutes=10", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"order_id":"`+created.ID+`"`)

	code, body = f.do(t, http.MethodGet, "/execution/quality?symbol=FPT", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"total_fills":1`)
	assert.Contains(t, string(body), `"paper":{"fills":1,"avg_slippage_bps":0}`)
}

func TestCreateOrderErrors(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/orders", map[string]interface{}{
		"symbol": "FPT", "side": "buy", "quantity": 0, "type": "limit", "limit_price": 95000,
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, string(body), `"code":"invalid_quantity"`)

	// 没有持仓的卖单在验证阶段被锁定，订单仍为CREATED
	code, body = f.do(t, http.MethodPost, "/orders", map[string]interface{}{
		"symbol": "FPT", "side": "sell", "quantity": 100, "type": "limit", "limit_price": 95000,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	var eb errorBody
	require.NoError(t, json.Unmarshal(body, &eb))
	assert.Equal(t, "settlement_locked", eb.Code)
	require.NotNil(t, eb.Order)
	assert.Equal(t, string(order.StatusCreated), eb.Order.Status)

	code, _ = f.do(t, http.MethodGet, "/orders/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)

	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.server.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestValidateOnlyAndCancel(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/orders", map[string]interface{}{
		"symbol": "FPT", "side": "BUY", "quantity": 100, "type": "LIMIT", "limit_price": "95000", "validate_only": true,
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	o := decodeOrder(t, body)
	assert.Equal(t, string(order.StatusValidated), o.Status)
	assert.True(t, f.ledger.MarginState().Reserved.Equal(decimal.NewFromInt(2_850_000)))

	code, body = f.do(t, http.MethodDelete, "/orders/"+o.ID, nil)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, string(order.StatusCancelled), decodeOrder(t, body).Status)
	assert.True(t, f.ledger.MarginState().Reserved.IsZero())

	code, body = f.do(t, http.MethodDelete, "/orders/"+o.ID, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, string(body), "invalid_transition")
}

func TestSettlementEndpoints(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/settlement/date?trade_date=2024-01-05", nil)
	require.Equal(t, http.StatusOK, code)
	var sd map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &sd))
	assert.Equal(t, "2024-01-09", sd["settlement_date"])
	assert.Equal(t, "2024-01-10T12:00:00+07:00", sd["actual_settlement_date"])

	code, _ = f.do(t, http.MethodGet, "/settlement/date?trade_date=05/01/2024", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	f.ledger.SeedHolding("VNM", 500, decimal.NewFromInt(70000))
	code, body = f.do(t, http.MethodGet, "/settlement/ready?symbol=vnm&quantity=300", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"ready":true`)
	assert.Contains(t, string(body), `"sellable":500`)

	code, _ = f.do(t, http.MethodGet, "/settlement/ready?quantity=300", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestMarginEndpoints(t *testing.T) {
	f := newFixture(t)
	f.ledger.ReserveOrder(context.Background(), "o1", "FPT", 100, decimal.NewFromInt(95000))

	code, body := f.do(t, http.MethodGet, "/margin", nil)
	require.Equal(t, http.StatusOK, code)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &m))
	assert.Equal(t, "2850000", m["reserved"])
	assert.Equal(t, false, m["warning"])

	code, body = f.do(t, http.MethodGet, "/margin/projection?days=3", nil)
	require.Equal(t, http.StatusOK, code)
	var pts []map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &pts))
	assert.Len(t, pts, 3)

	code, _ = f.do(t, http.MethodGet, "/margin/projection?days=90", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPriceFeedAndMetrics(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/prices", map[string]interface{}{"symbol": "hpg", "price": 25000, "quantity": 1000})
	require.Equal(t, http.StatusAccepted, code)
	assert.JSONEq(t, `{"accepted":true}`, string(body))
	p, ok := f.prices.LatestPrice("HPG")
	require.True(t, ok)
	assert.True(t, p.Equal(decimal.NewFromInt(25000)))

	code, _ = f.do(t, http.MethodPost, "/prices", map[string]interface{}{"symbol": "HPG", "price": -1})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"paper":"ready"`)

	code, body = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "http_requests_total")
}
