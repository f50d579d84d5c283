package gateway

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"vn-execution-go/infrastructure/logger"
)

const HSCDefaultBaseURL = "https://etrading.hsc.com.vn/api/v1"

// HSC订单状态代码
var hscStatus = map[string]RemoteStatus{
	"W":  RemoteAccepted,
	"PM": RemotePartiallyFilled,
	"M":  RemoteFilled,
	"C":  RemoteCancelled,
	"R":  RemoteRejected,
}

// HSCAdapter HSC eTrading接口：客户号+PIN换取token，仅REST
type HSCAdapter struct {
	cfg    BrokerConfig
	rest   *RESTClient
	tokens *tokenCache
}

var _ Adapter = (*HSCAdapter)(nil)

func NewHSCAdapter(cfg BrokerConfig, httpCli *http.Client, log *logger.Logger) *HSCAdapter {
	cfg.Name = BrokerHSC
	if cfg.BaseURL == "" {
		cfg.BaseURL = HSCDefaultBaseURL
	}
	a := &HSCAdapter{cfg: cfg, rest: cfg.restClient(httpCli, log)}
	a.tokens = newTokenCache(a.login)
	a.rest.OnUnauthorized = a.tokens.Invalidate
	return a
}

func (a *HSCAdapter) Name() string { return BrokerHSC }

func (a *HSCAdapter) Capabilities() Capabilities {
	return Capabilities{AssetClasses: a.cfg.assetClasses()}
}

func (a *HSCAdapter) login(ctx context.Context) (string, time.Duration, error) {
	var resp struct {
		AccessToken string `json:"accessToken"`
		Token       string `json:"token"`
		ExpiresIn   int64  `json:"expiresIn"`
	}
	err := a.rest.Do(ctx, Request{
		Op:     "login",
		Method: http.MethodPost,
		Path:   "/auth/token",
		Body:   map[string]string{"customerId": a.cfg.CustomerID, "pin": a.cfg.PIN},
	}, &resp)
	if err != nil {
		return "", 0, err
	}
	token := resp.AccessToken
	if token == "" {
		token = resp.Token
	}
	if token == "" {
		return "", 0, PermanentError(BrokerHSC, "login", "auth", "empty token")
	}
	return token, time.Duration(resp.ExpiresIn) * time.Second, nil
}

func (a *HSCAdapter) headers(ctx context.Context) (map[string]string, error) {
	token, err := a.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"Authorization": "Token " + token,
		"X-Customer-Id": a.cfg.CustomerID,
	}, nil
}

type hscOrder struct {
	OrderNo         string          `json:"orderNo"`
	ClientRef       string          `json:"clientRef"`
	OrderStatus     string          `json:"orderStatus"`
	MatchedVolume   int64           `json:"matchedVolume"`
	AvgMatchedPrice decimal.Decimal `json:"avgMatchedPrice"`
	RejectReason    string          `json:"rejectReason"`
}

func (o hscOrder) report() StatusReport {
	return StatusReport{
		Broker:         BrokerHSC,
		BrokerOrderID:  o.OrderNo,
		ClientOrderID:  o.ClientRef,
		Status:         normalizeStatus(o.OrderStatus, hscStatus),
		FilledQuantity: o.MatchedVolume,
		AvgFillPrice:   o.AvgMatchedPrice,
		Reason:         o.RejectReason,
	}
}

func (a *HSCAdapter) SubmitOrder(ctx context.Context, req SubmitRequest) (SubmitAck, error) {
	headers, err := a.headers(ctx)
	if err != nil {
		return SubmitAck{}, err
	}
	var resp hscOrder
	err = a.rest.Do(ctx, Request{
		Op:      "submit",
		Method:  http.MethodPost,
		Path:    "/trading/order",
		Headers: headers,
		Body: map[string]interface{}{
			"accountNo": a.cfg.AccountID,
			"symbol":    req.Symbol,
			"action":    req.Side,
			"volume":    req.Quantity,
			"orderType": req.OrderType,
			"price":     priceOrZero(req.Price).InexactFloat64(),
			"clientRef": req.ClientOrderID,
		},
	}, &resp)
	if err != nil {
		return SubmitAck{}, err
	}
	st := normalizeStatus(resp.OrderStatus, hscStatus)
	if st == RemoteRejected {
		return SubmitAck{}, PermanentError(BrokerHSC, "submit", "rejected", resp.RejectReason)
	}
	if resp.OrderNo == "" {
		return SubmitAck{}, PermanentError(BrokerHSC, "submit", "decode", "empty orderNo")
	}
	return SubmitAck{BrokerOrderID: resp.OrderNo, Status: st}, nil
}

func (a *HSCAdapter) CancelOrder(ctx context.Context, ref OrderRef) (CancelAck, error) {
	headers, err := a.headers(ctx)
	if err != nil {
		return CancelAck{}, err
	}
	err = a.rest.Do(ctx, Request{
		Op:      "cancel",
		Method:  http.MethodPost,
		Path:    "/trading/order/" + url.PathEscape(ref.BrokerOrderID) + "/cancel",
		Headers: headers,
	}, nil)
	if err != nil {
		return CancelAck{}, err
	}
	return CancelAck{BrokerOrderID: ref.BrokerOrderID, Accepted: true}, nil
}

func (a *HSCAdapter) GetOrderStatus(ctx context.Context, ref OrderRef) (StatusReport, error) {
	headers, err := a.headers(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	r := Request{Op: "status", Method: http.MethodGet, Headers: headers}
	if ref.BrokerOrderID != "" {
		r.Path = "/trading/order/" + url.PathEscape(ref.BrokerOrderID)
	} else {
		r.Path = "/trading/order"
		r.Query = url.Values{"clientRef": {ref.ClientOrderID}}
	}
	var resp hscOrder
	if err := a.rest.Do(ctx, r, &resp); err != nil {
		if isNotFound(err) {
			return StatusReport{}, ErrOrderNotFound
		}
		return StatusReport{}, err
	}
	if resp.OrderNo == "" {
		return StatusReport{}, ErrOrderNotFound
	}
	return resp.report(), nil
}

func (a *HSCAdapter) GetAccountInfo(ctx context.Context) (AccountInfo, error) {
	headers, err := a.headers(ctx)
	if err != nil {
		return AccountInfo{}, err
	}
	var bal struct {
		AvailableBalance    decimal.Decimal `json:"availableBalance"`
		TotalPortfolioValue decimal.Decimal `json:"totalPortfolioValue"`
		PurchasingPower     decimal.Decimal `json:"purchasingPower"`
	}
	if err := a.rest.Do(ctx, Request{Op: "balance", Method: http.MethodGet, Path: "/portfolio/balance", Headers: headers}, &bal); err != nil {
		return AccountInfo{}, err
	}
	var hold struct {
		Holdings []struct {
			StockCode    string          `json:"stockCode"`
			Quantity     int64           `json:"quantity"`
			AvgCostPrice decimal.Decimal `json:"avgCostPrice"`
		} `json:"holdings"`
	}
	if err := a.rest.Do(ctx, Request{Op: "positions", Method: http.MethodGet, Path: "/portfolio/holdings", Headers: headers}, &hold); err != nil {
		return AccountInfo{}, err
	}

	info := AccountInfo{
		Broker:      BrokerHSC,
		AccountID:   a.cfg.AccountID,
		Cash:        bal.AvailableBalance,
		TotalEquity: bal.TotalPortfolioValue,
		BuyingPower: bal.PurchasingPower,
	}
	for _, h := range hold.Holdings {
		info.Holdings = append(info.Holdings, Holding{Symbol: h.StockCode, Quantity: h.Quantity, AvgCost: h.AvgCostPrice})
	}
	return info, nil
}
