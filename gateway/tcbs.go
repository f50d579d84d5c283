package gateway

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"vn-execution-go/infrastructure/logger"
)

const TCBSDefaultBaseURL = "https://apipublic.tcbs.com.vn/trade/v1"

var tcbsStatus = map[string]RemoteStatus{
	"MATCHED_PARTIAL": RemotePartiallyFilled,
	"WAIT_MATCH":      RemoteAccepted,
}

// TCBSAdapter TCBS交易接口：JWT，仅REST
type TCBSAdapter struct {
	cfg    BrokerConfig
	rest   *RESTClient
	tokens *tokenCache
}

var _ Adapter = (*TCBSAdapter)(nil)

func NewTCBSAdapter(cfg BrokerConfig, httpCli *http.Client, log *logger.Logger) *TCBSAdapter {
	cfg.Name = BrokerTCBS
	if cfg.BaseURL == "" {
		cfg.BaseURL = TCBSDefaultBaseURL
	}
	a := &TCBSAdapter{cfg: cfg, rest: cfg.restClient(httpCli, log)}
	a.tokens = newTokenCache(a.login)
	a.rest.OnUnauthorized = a.tokens.Invalidate
	return a
}

func (a *TCBSAdapter) Name() string { return BrokerTCBS }

func (a *TCBSAdapter) Capabilities() Capabilities {
	return Capabilities{AssetClasses: a.cfg.assetClasses()}
}

func (a *TCBSAdapter) login(ctx context.Context) (string, time.Duration, error) {
	var resp struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expiresIn"`
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
	token := resp.Token
	if token == "" {
		token = resp.AccessToken
	}
	if token == "" {
		return "", 0, PermanentError(BrokerTCBS, "login", "auth", "empty jwt")
	}
	return token, time.Duration(resp.ExpiresIn) * time.Second, nil
}

func (a *TCBSAdapter) headers(ctx context.Context) (map[string]string, error) {
	token, err := a.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{"Authorization": "Bearer " + token}, nil
}

type tcbsOrder struct {
	OrderID       string          `json:"orderId"`
	RefID         string          `json:"refId"`
	OrderStatus   string          `json:"orderStatus"`
	MatchedVolume int64           `json:"matchedVolume"`
	MatchedPrice  decimal.Decimal `json:"matchedPrice"`
	ErrorMessage  string          `json:"errorMessage"`
}

func (o tcbsOrder) report() StatusReport {
	return StatusReport{
		Broker:         BrokerTCBS,
		BrokerOrderID:  o.OrderID,
		ClientOrderID:  o.RefID,
		Status:         normalizeStatus(o.OrderStatus, tcbsStatus),
		FilledQuantity: o.MatchedVolume,
		AvgFillPrice:   o.MatchedPrice,
		Reason:         o.ErrorMessage,
	}
}

func tcbsSide(side string) string {
	if side == SideBuy {
		return "B"
	}
	return "S"
}

func (a *TCBSAdapter) SubmitOrder(ctx context.Context, req SubmitRequest) (SubmitAck, error) {
	headers, err := a.headers(ctx)
	if err != nil {
		return SubmitAck{}, err
	}
	var resp tcbsOrder
	err = a.rest.Do(ctx, Request{
		Op:      "submit",
		Method:  http.MethodPost,
		Path:    "/order",
		Headers: headers,
		Body: map[string]interface{}{
			"accountNo": a.cfg.AccountID,
			"code":      req.Symbol,
			"type":      req.OrderType,
			"side":      tcbsSide(req.Side),
			"quantity":  req.Quantity,
			"price":     priceOrZero(req.Price).InexactFloat64(),
			"refId":     req.ClientOrderID,
		},
	}, &resp)
	if err != nil {
		return SubmitAck{}, err
	}
	st := normalizeStatus(resp.OrderStatus, tcbsStatus)
	if st == RemoteRejected {
		return SubmitAck{}, PermanentError(BrokerTCBS, "submit", "rejected", resp.ErrorMessage)
	}
	if resp.OrderID == "" {
		return SubmitAck{}, PermanentError(BrokerTCBS, "submit", "decode", "empty orderId")
	}
	return SubmitAck{BrokerOrderID: resp.OrderID, Status: st}, nil
}

func (a *TCBSAdapter) CancelOrder(ctx context.Context, ref OrderRef) (CancelAck, error) {
	headers, err := a.headers(ctx)
	if err != nil {
		return CancelAck{}, err
	}
	err = a.rest.Do(ctx, Request{
		Op:      "cancel",
		Method:  http.MethodDelete,
		Path:    "/order/" + url.PathEscape(ref.BrokerOrderID),
		Headers: headers,
	}, nil)
	if err != nil {
		return CancelAck{}, err
	}
	return CancelAck{BrokerOrderID: ref.BrokerOrderID, Accepted: true}, nil
}

func (a *TCBSAdapter) GetOrderStatus(ctx context.Context, ref OrderRef) (StatusReport, error) {
	headers, err := a.headers(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	r := Request{Op: "status", Method: http.MethodGet, Headers: headers}
	if ref.BrokerOrderID != "" {
		r.Path = "/order/" + url.PathEscape(ref.BrokerOrderID)
	} else {
		r.Path = "/order"
		r.Query = url.Values{"refId": {ref.ClientOrderID}}
	}
	var resp tcbsOrder
	if err := a.rest.Do(ctx, r, &resp); err != nil {
		if isNotFound(err) {
			return StatusReport{}, ErrOrderNotFound
		}
		return StatusReport{}, err
	}
	if resp.OrderID == "" {
		return StatusReport{}, ErrOrderNotFound
	}
	return resp.report(), nil
}

func (a *TCBSAdapter) GetAccountInfo(ctx context.Context) (AccountInfo, error) {
	headers, err := a.headers(ctx)
	if err != nil {
		return AccountInfo{}, err
	}
	var bal struct {
		Cash        decimal.Decimal `json:"cash"`
		NAV         decimal.Decimal `json:"nav"`
		BuyingPower decimal.Decimal `json:"buyingPower"`
	}
	if err := a.rest.Do(ctx, Request{Op: "balance", Method: http.MethodGet, Path: "/balance", Headers: headers}, &bal); err != nil {
		return AccountInfo{}, err
	}
	var pf struct {
		List []struct {
			Ticker   string          `json:"ticker"`
			Volume   int64           `json:"volume"`
			AvgPrice decimal.Decimal `json:"avgPrice"`
		} `json:"list"`
	}
	if err := a.rest.Do(ctx, Request{Op: "positions", Method: http.MethodGet, Path: "/portfolio", Headers: headers}, &pf); err != nil {
		return AccountInfo{}, err
	}

	info := AccountInfo{
		Broker:      BrokerTCBS,
		AccountID:   a.cfg.AccountID,
		Cash:        bal.Cash,
		TotalEquity: bal.NAV,
		BuyingPower: bal.BuyingPower,
	}
	for _, item := range pf.List {
		info.Holdings = append(info.Holdings, Holding{Symbol: item.Ticker, Quantity: item.Volume, AvgCost: item.AvgPrice})
	}
	return info, nil
}
