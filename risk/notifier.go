package risk

import (
	"fmt"

	"vn-execution-go/infrastructure/alert"
	"vn-execution-go/infrastructure/logger"
)

type Notifier struct {
	dispatcher alert.Dispatcher
	logger     *logger.Logger
}

func NewNotifier(d alert.Dispatcher, log *logger.Logger) *Notifier {
	if log == nil {
		log = logger.Nop()
	}
	return &Notifier{dispatcher: d, logger: log}
}

func (n *Notifier) NotifyLimitExceeded(symbol string, err error) {
	fields := map[string]interface{}{"symbol": symbol, "reason": ReasonFor(err)}
	if err != nil {
		fields["error"] = err.Error()
	}
	n.logger.LogRisk("limit_exceeded", fields)
	if n.dispatcher != nil {
		n.dispatcher.Dispatch(alert.TypeRiskLimit, "", fmt.Sprintf("risk limit %s: %v", symbol, err), fields)
	}
}

func (n *Notifier) NotifyCircuitTrip(symbol, span string, price float64) {
	fields := map[string]interface{}{"symbol": symbol, "span": span, "price": price}
	n.logger.LogRisk("circuit_trip", fields)
	if n.dispatcher != nil {
		n.dispatcher.Dispatch(alert.TypeCircuitBreaker, "", fmt.Sprintf("circuit breaker %s (%s) @ %.0f", symbol, span, price), fields)
	}
}
