package config

import (
	"fmt"
	"strings"

	"vn-execution-go/gateway"
	"vn-execution-go/internal/store"
)

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }

func invalid(format string, args ...interface{}) error {
	return ErrInvalid(fmt.Sprintf(format, args...))
}

// Validate 检查必填字段和取值范围
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return invalid("env is required")
	}
	if cfg.Mode != ModePaper && cfg.Mode != ModeLive {
		return invalid("mode must be paper or live, got %q", cfg.Mode)
	}
	if _, err := cfg.Location(); err != nil {
		return invalid("timezone %q: %v", cfg.Timezone, err)
	}
	if err := validateBrokers(cfg); err != nil {
		return err
	}
	if err := ValidateMargin(cfg.Margin); err != nil {
		return err
	}
	if err := ValidateRetry(cfg.Retry); err != nil {
		return err
	}
	if cfg.Tracker.Interval < 0 || cfg.Tracker.OrderTTL < 0 {
		return invalid("tracker intervals must be >= 0")
	}
	if cfg.Risk.MaxMarginPct < 0 || cfg.Risk.MaxMarginPct > 1 {
		return invalid("risk.max_margin_pct must be within [0,1]")
	}
	if cfg.Risk.CircuitOneMinute < 0 || cfg.Risk.CircuitFiveMinute < 0 {
		return invalid("risk circuit thresholds must be >= 0")
	}
	l := cfg.Risk.Limits
	if l.SingleMaxNotional < 0 || l.DailyMaxNotional < 0 || l.MaxPositionQty < 0 {
		return invalid("risk limits must be >= 0")
	}
	for _, b := range cfg.Bounds {
		if b.MinQty < 0 || b.MaxQty < 0 || b.LotSize < 0 {
			return invalid("bounds %s/%s must be >= 0", b.Broker, b.AssetClass)
		}
		if b.MaxQty > 0 && b.MinQty > b.MaxQty {
			return invalid("bounds %s/%s min_qty > max_qty", b.Broker, b.AssetClass)
		}
	}
	switch cfg.Store.Driver {
	case "", store.DriverSQLite, store.DriverPostgres:
	default:
		return invalid("store.driver %q not supported", cfg.Store.Driver)
	}
	if cfg.Store.Driver != "" && cfg.Store.DSN == "" {
		return invalid("store.dsn is required (or VNX_STORE_DSN)")
	}
	return nil
}

func validateBrokers(cfg AppConfig) error {
	enabled := make(map[string]bool)
	for _, b := range cfg.Brokers {
		if !b.Enabled {
			continue
		}
		name := strings.ToLower(b.Name)
		enabled[name] = true
		if cfg.Mode == ModeLive && name == gateway.BrokerPaper {
			return invalid("paper broker is not allowed in live mode")
		}
		if name != gateway.BrokerPaper && b.BaseURL == "" {
			return invalid("broker %s baseURL is required", name)
		}
		switch name {
		case gateway.BrokerSSI:
			if b.ClientID == "" || b.ClientSecret == "" {
				return invalid("broker ssi clientID/clientSecret is required (or VNX_SSI_* env)")
			}
		case gateway.BrokerVNDirect, gateway.BrokerTCBS:
			if b.Username == "" || b.Password == "" {
				return invalid("broker %s username/password is required", name)
			}
		case gateway.BrokerHSC:
			if b.CustomerID == "" || b.PIN == "" {
				return invalid("broker hsc customerID/pin is required")
			}
		}
	}
	if len(enabled) == 0 {
		return invalid("at least one broker must be enabled")
	}
	for _, r := range cfg.Routing {
		if !enabled[strings.ToLower(r.Broker)] {
			return invalid("route %s -> %s references a disabled broker", r.AssetClass, r.Broker)
		}
	}
	if d := strings.ToLower(cfg.Order.DefaultBroker); d != "" && !enabled[d] {
		return invalid("order.default_broker %s is not enabled", d)
	}
	return nil
}

// ValidateMargin 比例在(0,1]且预警线低于强平线
func ValidateMargin(m MarginConfig) error {
	if m.Rate <= 0 || m.Rate > 1 {
		return invalid("margin.rate must be within (0,1], got %v", m.Rate)
	}
	if m.WarningPct <= 0 || m.ForceClosePct > 1 || m.WarningPct >= m.ForceClosePct {
		return invalid("margin thresholds must satisfy 0 < warning_pct < force_close_pct <= 1")
	}
	if m.Capacity < 0 {
		return invalid("margin.capacity must be >= 0")
	}
	return nil
}

// ValidateRetry 重试参数
func ValidateRetry(r RetryConfig) error {
	if r.MaxAttempts < 0 || r.MaxAttempts > 10 {
		return invalid("retry.max_attempts must be within [0,10]")
	}
	if r.BaseDelay < 0 || r.MaxDelay < 0 || r.AttemptTimeout < 0 {
		return invalid("retry delays must be >= 0")
	}
	if r.MaxDelay > 0 && r.BaseDelay > r.MaxDelay {
		return invalid("retry.base_delay must be <= retry.max_delay")
	}
	return nil
}
