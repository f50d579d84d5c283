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
	VNDirectDefaultBaseURL   = "https://trade.vndirect.com.vn/api/v2"
	VNDirectDefaultStreamURL = "wss://trade.vndirect.com.vn/ws/orders"
)

// VNDirectAdapter VNDirect交易接口：用户名密码会话，REST + websocket推送
type VNDirectAdapter struct {
	cfg    BrokerConfig
	rest   *RESTClient
	tokens *tokenCache
	logger *logger.Logger
}

var (
	_ Adapter  = (*VNDirectAdapter)(nil)
	_ Streamer = (*VNDirectAdapter)(nil)
)

func NewVNDirectAdapter(cfg BrokerConfig, httpCli *http.Client, log *logger.Logger) *VNDirectAdapter {
	cfg.Name = BrokerVNDirect
	if cfg.BaseURL == "" {
		cfg.BaseURL = VNDirectDefaultBaseURL
	}
	if cfg.StreamURL == "" {
		cfg.StreamURL = VNDirectDefaultStreamURL
	}
	a := &VNDirectAdapter{cfg: cfg, rest: cfg.restClient(httpCli, log), logger: log}
	a.tokens = newTokenCache(a.login)
	a.rest.OnUnauthorized = a.tokens.Invalidate
	return a
}

func (a *VNDirectAdapter) Name() string { return BrokerVNDirect }

func (a *VNDirectAdapter) Capabilities() Capabilities {
	return Capabilities{AssetClasses: a.cfg.assetClasses(), Streaming: true}
}

func (a *VNDirectAdapter) login(ctx context.Context) (string, time.Duration, error) {
	var resp struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expiresIn"`
	}
	err := a.rest.Do(ctx, Request{
		Op:     "login",
		Method: http.MethodPost,
		Path:   "/auth/login",
		Body:   map[string]string{"username": a.cfg.Username, "password": a.cfg.Password},
	}, &resp)
	if err != nil {
		return "", 0, err
	}
	if resp.Token == "" {
		return "", 0, PermanentError(BrokerVNDirect, "login", "auth", "empty session token")
	}
	return resp.Token, time.Duration(resp.ExpiresIn) * time.Second, nil
}

func (a *VNDirectAdapter) headers(ctx context.Context) (map[string]string, error) {
	token, err := a.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"Authorization": "Bearer " + token,
		"X-Account":     a.cfg.AccountID,
	}, nil
}

type vndOrder struct {
	OrderID         string          `json:"orderId"`
	ClientOrderID   string          `json:"clientOrderId"`
	Status          string          `json:"status"`
	MatchedQuantity int64           `json:"matchedQuantity"`
	AvgMatchedPrice decimal.Decimal `json:"avgMatchedPrice"`
	RejectReason    string          `json:"rejectReason"`
	LastModified    int64           `json:"lastModified"`
}

func (o vndOrder) report() StatusReport {
	return StatusReport{
		Broker:         BrokerVNDirect,
		BrokerOrderID:  o.OrderID,
		ClientOrderID:  o.ClientOrderID,
		Status:         normalizeStatus(o.Status, nil),
		FilledQuantity: o.MatchedQuantity,
		AvgFillPrice:   o.AvgMatchedPrice,
		Reason:         o.RejectReason,
		UpdatedAt:      millisToTime(o.LastModified),
	}
}

func (a *VNDirectAdapter) SubmitOrder(ctx context.Context, req SubmitRequest) (SubmitAck, error) {
	headers, err := a.headers(ctx)
	if err != nil {
		return SubmitAck{}, err
	}
	var resp struct {
		vndOrder
		Duplicate bool `json:"duplicate"`
	}
	err = a.rest.Do(ctx, Request{
		Op:      "submit",
		Method:  http.MethodPost,
		Path:    "/orders",
		Headers: headers,
		Body: map[string]interface{}{
			"accountId":     a.cfg.AccountID,
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
		return SubmitAck{}, PermanentError(BrokerVNDirect, "submit", "rejected", resp.RejectReason)
	}
	if resp.OrderID == "" {
		return SubmitAck{}, PermanentError(BrokerVNDirect, "submit", "decode", "empty orderId")
	}
	return SubmitAck{BrokerOrderID: resp.OrderID, Status: st, Duplicate: resp.Duplicate}, nil
}

func (a *VNDirectAdapter) CancelOrder(ctx context.Context, ref OrderRef) (CancelAck, error) {
	headers, err := a.headers(ctx)
	if err != nil {
		return CancelAck{}, err
	}
	err = a.rest.Do(ctx, Request{
		Op:      "cancel",
		Method:  http.MethodPut,
		Path:    "/orders/" + url.PathEscape(ref.BrokerOrderID) + "/cancel",
		Headers: headers,
	}, nil)
	if err != nil {
		return CancelAck{}, err
	}
	return CancelAck{BrokerOrderID: ref.BrokerOrderID, Accepted: true}, nil
}

func (a *VNDirectAdapter) GetOrderStatus(ctx context.Context, ref OrderRef) (StatusReport, error) {
	headers, err := a.headers(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	if ref.BrokerOrderID != "" {
		var resp struct {
			Data vndOrder `json:"data"`
		}
		err = a.rest.Do(ctx, Request{
			Op:      "status",
			Method:  http.MethodGet,
			Path:    "/orders/" + url.PathEscape(ref.BrokerOrderID),
			Headers: headers,
		}, &resp)
		if err != nil {
			if isNotFound(err) {
				return StatusReport{}, ErrOrderNotFound
			}
			return StatusReport{}, err
		}
		return resp.Data.report(), nil
	}

	var resp struct {
		Data []vndOrder `json:"data"`
	}
	err = a.rest.Do(ctx, Request{
		Op:      "status",
		Method:  http.MethodGet,
		Path:    "/orders",
		Query:   url.Values{"clientOrderId": {ref.ClientOrderID}},
		Headers: headers,
	}, &resp)
	if err != nil {
		return StatusReport{}, err
	}
	if len(resp.Data) == 0 {
		return StatusReport{}, ErrOrderNotFound
	}
	return resp.Data[0].report(), nil
}

func (a *VNDirectAdapter) GetAccountInfo(ctx context.Context) (AccountInfo, error) {
	headers, err := a.headers(ctx)
	if err != nil {
		return AccountInfo{}, err
	}
	var bal struct {
		Data struct {
			CashBalance     decimal.Decimal `json:"cashBalance"`
			TotalAssets     decimal.Decimal `json:"totalAssets"`
			PurchasingPower decimal.Decimal `json:"purchasingPower"`
		} `json:"data"`
	}
	if err := a.rest.Do(ctx, Request{Op: "balance", Method: http.MethodGet, Path: "/portfolio/balance", Headers: headers}, &bal); err != nil {
		return AccountInfo{}, err
	}
	var pos struct {
		Data []struct {
			Symbol   string          `json:"symbol"`
			Quantity int64           `json:"quantity"`
			AvgCost  decimal.Decimal `json:"avgCost"`
		} `json:"data"`
	}
	if err := a.rest.Do(ctx, Request{Op: "positions", Method: http.MethodGet, Path: "/portfolio/positions", Headers: headers}, &pos); err != nil {
		return AccountInfo{}, err
	}

	info := AccountInfo{
		Broker:      BrokerVNDirect,
		AccountID:   a.cfg.AccountID,
		Cash:        bal.Data.CashBalance,
		TotalEquity: bal.Data.TotalAssets,
		BuyingPower: bal.Data.PurchasingPower,
	}
	for _, p := range pos.Data {
		info.Holdings = append(info.Holdings, Holding{Symbol: p.Symbol, Quantity: p.Quantity, AvgCost: p.AvgCost})
	}
	return info, nil
}

// Stream 订阅VNDirect订单推送，会话token放在订阅消息中
func (a *VNDirectAdapter) Stream(ctx context.Context, out chan<- StatusReport) error {
	s := &wsStream{
		broker: BrokerVNDirect,
		url:    a.cfg.StreamURL,
		logger: a.logger,
		subscribe: func(ctx context.Context) (interface{}, error) {
			token, err := a.tokens.Token(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"type":    "sub",
				"topic":   "order",
				"account": a.cfg.AccountID,
				"token":   token,
			}, nil
		},
		decode: func(msg []byte) (StatusReport, bool, error) {
			var env struct {
				Topic string   `json:"topic"`
				Data  vndOrder `json:"data"`
			}
			if err := json.Unmarshal(msg, &env); err != nil {
				return StatusReport{}, false, err
			}
			if env.Topic != "order" || env.Data.OrderID == "" {
				return StatusReport{}, false, nil
			}
			return env.Data.report(), true, nil
		},
	}
	return s.run(ctx, out)
}
