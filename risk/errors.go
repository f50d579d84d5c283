package risk

import "errors"

var (
	ErrSingleExceed   = errors.New("single order notional exceed")
	ErrDailyExceed    = errors.New("daily notional exceed")
	ErrPositionExceed = errors.New("position limit exceed")
	ErrMarginExceed   = errors.New("margin limit exceed")
	ErrCircuitOpen    = errors.New("circuit breaker open")
	ErrTooFrequent    = errors.New("order too frequent")
)

// ReasonFor 把风控错误映射为订单LastError使用的原因码
func ReasonFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSingleExceed):
		return "single_notional_exceeded"
	case errors.Is(err, ErrDailyExceed):
		return "daily_notional_exceeded"
	case errors.Is(err, ErrPositionExceed):
		return "position_limit_exceeded"
	case errors.Is(err, ErrMarginExceed):
		return "margin_limit_exceeded"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrTooFrequent):
		return "too_frequent"
	}
	return err.Error()
}
