package gateway

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"vn-execution-go/infrastructure/logger"
)

const (
	BrokerSSI      = "ssi"
	BrokerVNDirect = "vndirect"
	BrokerTCBS     = "tcbs"
	BrokerHSC      = "hsc"
	BrokerPaper    = "paper"
)

// BrokerConfig 单个券商的连接配置，字段按券商认证方式取用
type BrokerConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	BaseURL       string        `yaml:"baseURL"`
	StreamURL     string        `yaml:"streamURL"`
	AccountID     string        `yaml:"accountID"`
	ClientID      string        `yaml:"clientID"`     // SSI consumer id
	ClientSecret  string        `yaml:"clientSecret"` // SSI consumer secret
	Username      string        `yaml:"username"`     // VNDirect/TCBS
	Password      string        `yaml:"password"`
	CustomerID    string        `yaml:"customerID"` // HSC
	PIN           string        `yaml:"pin"`
	AssetClasses  []AssetClass  `yaml:"assetClasses"`
	RatePerSecond float64       `yaml:"ratePerSecond"`
	Burst         int           `yaml:"burst"`
	Timeout       time.Duration `yaml:"timeout"`
	InitialCash   float64       `yaml:"initialCash"` // 仅paper
}

// DefaultAssetClasses 各券商默认支持的品种
func DefaultAssetClasses(broker string) []AssetClass {
	switch broker {
	case BrokerSSI:
		return []AssetClass{AssetEquity, AssetETF, AssetDerivative, AssetCoveredWarrant}
	case BrokerVNDirect:
		return []AssetClass{AssetEquity, AssetETF, AssetCoveredWarrant}
	case BrokerTCBS:
		return []AssetClass{AssetEquity, AssetETF, AssetBond}
	case BrokerHSC:
		return []AssetClass{AssetEquity, AssetETF, AssetDerivative}
	case BrokerPaper:
		return []AssetClass{AssetEquity, AssetETF, AssetBond, AssetDerivative, AssetCoveredWarrant}
	}
	return nil
}

func (c BrokerConfig) assetClasses() []AssetClass {
	if len(c.AssetClasses) > 0 {
		return c.AssetClasses
	}
	return DefaultAssetClasses(c.Name)
}

func (c BrokerConfig) restClient(httpCli *http.Client, log *logger.Logger) *RESTClient {
	if httpCli == nil {
		httpCli = NewDefaultHTTPClient()
		if c.Timeout > 0 {
			httpCli.Timeout = c.Timeout
		}
	}
	rate, burst := c.RatePerSecond, c.Burst
	if rate <= 0 {
		rate = 10
	}
	if burst <= 0 {
		burst = 5
	}
	return &RESTClient{
		Broker:     c.Name,
		BaseURL:    c.BaseURL,
		HTTPClient: httpCli,
		Limiter:    NewTokenBucketLimiter(rate, burst),
		Logger:     log,
	}
}

// BuildAdapter 按名称构建券商适配器；httpCli为空时每个券商各自新建
func BuildAdapter(cfg BrokerConfig, httpCli *http.Client, log *logger.Logger) (Adapter, error) {
	if log == nil {
		log = logger.Nop()
	}
	cfg.Name = strings.ToLower(cfg.Name)
	switch cfg.Name {
	case BrokerSSI:
		return NewSSIAdapter(cfg, httpCli, log), nil
	case BrokerVNDirect:
		return NewVNDirectAdapter(cfg, httpCli, log), nil
	case BrokerTCBS:
		return NewTCBSAdapter(cfg, httpCli, log), nil
	case BrokerHSC:
		return NewHSCAdapter(cfg, httpCli, log), nil
	case BrokerPaper:
		cash := decimal.NewFromFloat(cfg.InitialCash)
		if cfg.InitialCash <= 0 {
			cash = DefaultPaperCash
		}
		return NewPaperBroker(PaperConfig{Name: BrokerPaper, InitialCash: cash, AssetClasses: cfg.assetClasses()}), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownBroker, cfg.Name)
}

// normalizeStatus 把券商状态字符串映射为RemoteStatus，extra为券商特有代码
func normalizeStatus(raw string, extra map[string]RemoteStatus) RemoteStatus {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if st, ok := extra[s]; ok {
		return st
	}
	switch s {
	case "PENDING", "NEW", "PENDING_NEW":
		return RemotePending
	case "ACCEPTED", "OPEN", "QUEUED", "WAITING":
		return RemoteAccepted
	case "PARTIALLY_FILLED", "PARTIAL", "PARTIALLYFILLED", "PARTIALLY_MATCHED":
		return RemotePartiallyFilled
	case "FILLED", "MATCHED", "FULLY_FILLED":
		return RemoteFilled
	case "CANCELLED", "CANCELED", "EXPIRED":
		return RemoteCancelled
	case "REJECTED", "DENIED":
		return RemoteRejected
	}
	return RemoteUnknown
}

func millisToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
