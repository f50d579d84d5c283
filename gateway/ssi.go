package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"vn-execution-go/infrastructure/logger"
)

const (
	SSIDefaultBaseURL   = "https://iboard-query.ssi.com.vn"
	SSIDefaultStreamURL = "wss://iboard-stream.ssi.com.vn/orders"
)

// SSIAdapter SSI iBoard接口：OAuth2 client-credentials，REST + websocket推送
type SSIAdapter struct {
	cfg    BrokerConfig
	rest   *RESTClient
	tokens *tokenCache
	logger *logger.Logger
}

var (
	_ Adapter  = (*SSIAdapter)(nil)
	_ Streamer = (*SSIAdapter)(nil)
)

func NewSSIAdapter(cfg BrokerConfig, httpCli *http.Client, log *logger.Logger) *SSIAdapter {
	cfg.Name = BrokerSSI
	if cfg.BaseURL == "" {
		cfg.BaseURL = SSIDefaultBaseURL
	}
	if cfg.StreamURL == "" {
		cfg.StreamURL = SSIDefaultStreamURL
	}
	a := &SSIAdapter{cfg: cfg, rest: cfg.restClient(httpCli, log), logger: log}
	a.tokens = newTokenCache(a.login)
	a.rest.OnUnauthorized = a.tokens.Invalidate
	return a
}

func (a *SSIAdapter) Name() string { return BrokerSSI }

func (a *SSIAdapter) Capabilities() Capabilities {
	return Capabilities{AssetClasses: a.cfg.assetClasses(), Streaming: true}
}

func (a *SSIAdapter) login(ctx context.Context) (string, time.Duration, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	err := a.rest.Do(ctx, Request{
		Op:     "login",
		Method: http.MethodPost,
		Path:   "/oauth/token",
		Body: map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     a.cfg.ClientID,
			"client_secret": a.cfg.ClientSecret,
		},
	}, &resp)
	if err != nil {
		return "", 0, err
	}
	if resp.AccessToken == "" {
		return "", 0, PermanentError(BrokerSSI, "login", "auth", "empty access token")
	}
	return resp.AccessToken, time.Duration(resp.ExpiresIn) * time.Second, nil
}

func (a *SSIAdapter) headers(ctx context.Context) (map[string]string, error) {
	token, err := a.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"Authorization": "Bearer " + token,
		"X-Account-Id":  a.cfg.AccountID,
	}, nil
}

type ssiOrder struct {
	OrderID        string          `json:"orderId"`
	ClientOrderID  string          `json:"clientOrderId"`
	Status         string          `json:"status"`
	FilledQuantity int64           `json:"filledQuantity"`
	AvgPrice       decimal.Decimal `json:"avgPrice"`
	Reason         string          `json:"reason"`
	UpdatedAt      int64           `json:"updatedAt"`
}

func (o ssiOrder) report() StatusReport {
	return StatusReport{
		Broker:         BrokerSSI,
		BrokerOrderID:  o.OrderID,
		ClientOrderID:  o.ClientOrderID,
		Status:         normalizeStatus(o.Status, nil),
		FilledQuantity: o.FilledQuantity,
		AvgFillPrice:   o.AvgPrice,
		Reason:         o.Reason,
		UpdatedAt:      millisToTime(o.UpdatedAt),
	}
}

func (a *SSIAdapter) SubmitOrder(ctx context.Context, req SubmitRequest) (SubmitAck, error) {
	headers, err := a.headers(ctx)
	if err != nil {
		return SubmitAck{}, err
	}
	var resp struct {
		ssiOrder
		Duplicate bool `json:"duplicate"`
	}
	err = a.rest.Do(ctx, Request{
		Op:      "submit",
		Method:  http.MethodPost,
		Path:    "/api/order/place",
		Headers: headers,
		Body: map[string]interface{}{
			"accountNo":     a.cfg.AccountID,
			"symbol":        req.Symbol,
			"side":          req.Side,
			"quantity":      req.Quantity,
			"orderType":     req.OrderType,
			"price":         priceOrZero(req.Price).InexactFloat64(),
			"clientOrderId": req.ClientOrderID,
		},
	}, &resp)
	if err != nil {
		return SubmitAck{}, err
	}
	st := normalizeStatus(resp.Status, nil)
	if st == RemoteRejected {
		return SubmitAck{}, PermanentError(BrokerSSI, "submit", "rejected", resp.Reason)
	}
	if resp.OrderID == "" {
		return SubmitAck{}, PermanentError(BrokerSSI, "submit", "decode", "empty orderId")
	}
	return SubmitAck{BrokerOrderID: resp.OrderID, Status: st, Duplicate: resp.Duplicate}, nil
}

func (a *SSIAdapter) CancelOrder(ctx context.Context, ref OrderRef) (CancelAck, error) {
	headers, err := a.headers(ctx)
	if err != nil {
		return CancelAck{}, err
	}
	var resp struct {
		OrderID  string `json:"orderId"`
		Accepted bool   `json:"accepted"`
	}
	err = a.rest.Do(ctx, Request{
		Op:      "cancel",
		Method:  http.MethodPost,
		Path:    "/api/order/cancel",
		Headers: headers,
		Body:    map[string]string{"accountNo": a.cfg.AccountID, "orderId": ref.BrokerOrderID},
	}, &resp)
	if err != nil {
		return CancelAck{}, err
	}
	return CancelAck{BrokerOrderID: ref.BrokerOrderID, Accepted: resp.Accepted}, nil
}

func (a *SSIAdapter) GetOrderStatus(ctx context.Context, ref OrderRef) (StatusReport, error) {
	headers, err := a.headers(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	q := url.Values{"accountNo": {a.cfg.AccountID}}
	if ref.BrokerOrderID != "" {
		q.Set("orderId", ref.BrokerOrderID)
	} else {
		q.Set("clientOrderId", ref.ClientOrderID)
	}
	var resp ssiOrder
	err = a.rest.Do(ctx, Request{
		Op:      "status",
		Method:  http.MethodGet,
		Path:    "/api/order/status",
		Query:   q,
		Headers: headers,
	}, &resp)
	if err != nil {
		if isNotFound(err) {
			return StatusReport{}, ErrOrderNotFound
		}
		return StatusReport{}, err
	}
	return resp.report(), nil
}

func (a *SSIAdapter) GetAccountInfo(ctx context.Context) (AccountInfo, error) {
	headers, err := a.headers(ctx)
	if err != nil {
		return AccountInfo{}, err
	}
	q := url.Values{"accountNo": {a.cfg.AccountID}}

	var bal struct {
		Cash        decimal.Decimal `json:"cash"`
		TotalEquity decimal.Decimal `json:"totalEquity"`
		BuyingPower decimal.Decimal `json:"buyingPower"`
	}
	if err := a.rest.Do(ctx, Request{Op: "balance", Method: http.MethodGet, Path: "/api/portfolio/balance", Query: q, Headers: headers}, &bal); err != nil {
		return AccountInfo{}, err
	}

	var pos struct {
		Positions []struct {
			Symbol   string          `json:"symbol"`
			Quantity int64           `json:"quantity"`
			AvgCost  decimal.Decimal `json:"avgCost"`
		} `json:"positions"`
	}
	if err := a.rest.Do(ctx, Request{Op: "positions", Method: http.MethodGet, Path: "/api/portfolio/positions", Query: q, Headers: headers}, &pos); err != nil {
		return AccountInfo{}, err
	}

	info := AccountInfo{
		Broker:      BrokerSSI,
		AccountID:   a.cfg.AccountID,
		Cash:        bal.Cash,
		TotalEquity: bal.TotalEquity,
		BuyingPower: bal.BuyingPower,
	}
	for _, p := range pos.Positions {
		info.Holdings = append(info.Holdings, Holding{Symbol: p.Symbol, Quantity: p.Quantity, AvgCost: p.AvgCost})
	}
	return info, nil
}

// Stream 订阅SSI订单推送
func (a *SSIAdapter) Stream(ctx context.Context, out chan<- StatusReport) error {
	s := &wsStream{
		broker: BrokerSSI,
		url:    a.cfg.StreamURL,
		logger: a.logger,
		header: func(ctx context.Context) (http.Header, error) {
			token, err := a.tokens.Token(ctx)
			if err != nil {
				return nil, err
			}
			return http.Header{"Authorization": {"Bearer " + token}}, nil
		},
		subscribe: func(ctx context.Context) (interface{}, error) {
			return map[string]string{"action": "subscribe", "channel": "orders", "accountNo": a.cfg.AccountID}, nil
		},
		decode: func(msg []byte) (StatusReport, bool, error) {
			var env struct {
				Type string   `json:"type"`
				Data ssiOrder `json:"data"`
			}
			if err := json.Unmarshal(msg, &env); err != nil {
				return StatusReport{}, false, err
			}
			if env.Type != "order" {
				return StatusReport{}, false, nil
			}
			return env.Data.report(), true, nil
		},
	}
	return s.run(ctx, out)
}
