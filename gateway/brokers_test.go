package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCBSAdapterSideCodeAndStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"access_token":"jwt-1"}`)
	})
	mux.HandleFunc("/order", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer jwt-1", r.Header.Get("Authorization"))
		if r.Method == http.MethodGet {
			assert.Equal(t, "coid-7", r.URL.Query().Get("refId"))
			io.WriteString(w, `{"orderId":"T-7","refId":"coid-7","orderStatus":"MATCHED_PARTIAL","matchedVolume":300,"matchedPrice":25000}`)
			return
		}
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "S", body["side"])
		assert.Equal(t, "VNM", body["code"])
		assert.Equal(t, "coid-7", body["refId"])
		io.WriteString(w, `{"orderId":"T-7","orderStatus":"WAIT_MATCH"}`)
	})
	mux.HandleFunc("/order/T-7", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	a := NewTCBSAdapter(BrokerConfig{BaseURL: ts.URL, Username: "u", Password: "p"}, ts.Client(), nil)
	ctx := context.Background()

	ack, err := a.SubmitOrder(ctx, SubmitRequest{ClientOrderID: "coid-7", Symbol: "VNM", Side: SideSell, OrderType: TypeLimit, Quantity: 500, Price: decimal.NewFromInt(25000)})
	require.NoError(t, err)
	assert.Equal(t, "T-7", ack.BrokerOrderID)
	assert.Equal(t, RemoteAccepted, ack.Status)

	rep, err := a.GetOrderStatus(ctx, OrderRef{ClientOrderID: "coid-7"})
	require.NoError(t, err)
	assert.Equal(t, RemotePartiallyFilled, rep.Status)
	assert.EqualValues(t, 300, rep.FilledQuantity)

	cack, err := a.CancelOrder(ctx, OrderRef{BrokerOrderID: "T-7"})
	require.NoError(t, err)
	assert.True(t, cack.Accepted)

	assert.True(t, a.Capabilities().Supports(AssetBond))
	assert.False(t, a.Capabilities().Supports(AssetDerivative))
	assert.False(t, a.Capabilities().Streaming)
}

func TestHSCAdapterTokenHeaderAndCodes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "C001", body["customerId"])
		assert.Equal(t, "1234", body["pin"])
		io.WriteString(w, `{"accessToken":"h-tok","expiresIn":600}`)
	})
	mux.HandleFunc("/trading/order", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Token h-tok", r.Header.Get("Authorization"))
		assert.Equal(t, "C001", r.Header.Get("X-Customer-Id"))
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "BUY", body["action"])
		assert.EqualValues(t, 10, body["volume"])
		io.WriteString(w, `{"orderNo":"H-1","orderStatus":"W"}`)
	})
	mux.HandleFunc("/trading/order/H-1", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"orderNo":"H-1","clientRef":"c1","orderStatus":"M","matchedVolume":10,"avgMatchedPrice":1250}`)
	})
	mux.HandleFunc("/portfolio/balance", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"availableBalance":100,"totalPortfolioValue":300,"purchasingPower":"250.5"}`)
	})
	mux.HandleFunc("/portfolio/holdings", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"holdings":[{"stockCode":"HPG","quantity":1000,"avgCostPrice":27000}]}`)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	a := NewHSCAdapter(BrokerConfig{BaseURL: ts.URL, CustomerID: "C001", PIN: "1234"}, ts.Client(), nil)
	ctx := context.Background()

	ack, err := a.SubmitOrder(ctx, SubmitRequest{ClientOrderID: "c1", Symbol: "VN30F2412", Side: SideBuy, OrderType: TypeMarket, Quantity: 10, AssetClass: AssetDerivative})
	require.NoError(t, err)
	assert.Equal(t, "H-1", ack.BrokerOrderID)
	assert.Equal(t, RemoteAccepted, ack.Status)

	rep, err := a.GetOrderStatus(ctx, OrderRef{BrokerOrderID: "H-1"})
	require.NoError(t, err)
	assert.Equal(t, RemoteFilled, rep.Status)
	assert.Equal(t, "c1", rep.ClientOrderID)

	info, err := a.GetAccountInfo(ctx)
	require.NoError(t, err)
	assert.True(t, info.BuyingPower.Equal(decimal.RequireFromString("250.5")))
	assert.Equal(t, "HPG", info.Holdings[0].Symbol)
}

func TestVNDirectAdapterStatusByClientID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"token":"s-1"}`)
	})
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ACC9", r.Header.Get("X-Account"))
		if r.URL.Query().Get("clientOrderId") == "none" {
			io.WriteString(w, `{"data":[]}`)
			return
		}
		io.WriteString(w, `{"data":[{"orderId":"V-1","clientOrderId":"c1","status":"Filled","matchedQuantity":100,"avgMatchedPrice":95000}]}`)
	})
	mux.HandleFunc("/orders/V-1/cancel", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	a := NewVNDirectAdapter(BrokerConfig{BaseURL: ts.URL, AccountID: "ACC9"}, ts.Client(), nil)
	ctx := context.Background()

	rep, err := a.GetOrderStatus(ctx, OrderRef{ClientOrderID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, RemoteFilled, rep.Status)
	assert.Equal(t, "V-1", rep.BrokerOrderID)

	_, err = a.GetOrderStatus(ctx, OrderRef{ClientOrderID: "none"})
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = a.CancelOrder(ctx, OrderRef{BrokerOrderID: "V-1"})
	assert.NoError(t, err)
}

func TestBuildAdapter(t *testing.T) {
	for _, name := range []string{"SSI", "vndirect", "tcbs", "hsc", "paper"} {
		a, err := BuildAdapter(BrokerConfig{Name: name}, nil, nil)
		require.NoError(t, err, name)
		assert.NotEmpty(t, a.Capabilities().AssetClasses, name)
	}
	_, err := BuildAdapter(BrokerConfig{Name: "mbs"}, nil, nil)
	assert.ErrorIs(t, err, ErrUnknownBroker)
}

func TestParseAssetClass(t *testing.T) {
	ac, err := ParseAssetClass(" covered_warrant ")
	require.NoError(t, err)
	assert.Equal(t, AssetCoveredWarrant, ac)

	_, err = ParseAssetClass("crypto")
	assert.ErrorIs(t, err, ErrUnsupportedAssetClass)
}
