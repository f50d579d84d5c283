package monitor

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vn-execution-go/order"
	"vn-execution-go/settlement"
)

func TestOrderMetrics(t *testing.T) {
	m := New(DefaultConfig())

	m.ObserveTransition(order.StatusCreated, order.StatusValidated)
	m.ObserveTransition(order.StatusCreated, order.StatusValidated)
	m.ObserveSubmit("ssi", 3, nil)
	m.ObserveSubmit("ssi", 5, errors.New("exhausted"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("CREATED", "VALIDATED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.submits.WithLabelValues("ssi", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.submits.WithLabelValues("ssi", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.submitAttempts))
}

func TestFillAndMarginMetrics(t *testing.T) {
	m := New(DefaultConfig())
	m.OnFill(context.Background(), order.Order{Side: order.SideBuy}, order.Fill{Quantity: 100, Price: decimal.NewFromInt(95000)})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.fills.WithLabelValues("BUY")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.fillVolume.WithLabelValues("BUY")))
	assert.Equal(t, 9_500_000.0, testutil.ToFloat64(m.fillValue.WithLabelValues("BUY")))

	m.ObserveMargin(settlement.MarginState{
		Reserved: decimal.NewFromInt(2_850_000),
		Capacity: decimal.NewFromInt(3_000_000),
		UsedPct:  decimal.RequireFromString("0.95"),
		Warning:  true, ForceClose: true,
	})
	assert.Equal(t, 2_850_000.0, testutil.ToFloat64(m.marginReserved))
	assert.Equal(t, 0.95, testutil.ToFloat64(m.marginUsed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.marginForceClose))
}

func TestReconcileAndRiskMetrics(t *testing.T) {
	m := New(DefaultConfig())
	m.ObserveReconcile("ssi", 4, nil)
	m.ObserveReconcile("ssi", 2, errors.New("timeout"))
	m.RecordRiskReject("daily_notional_exceeded")
	m.RecordCircuitTrip("FPT")
	m.RecordSettled()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.reconcileCycles.WithLabelValues("ssi")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconcileErrors.WithLabelValues("ssi")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.reconcileChecked.WithLabelValues("ssi")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.riskRejects.WithLabelValues("daily_notional_exceeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.circuitTrips.WithLabelValues("FPT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.settlements))
}

func TestHandlerExposesPrivateRegistry(t *testing.T) {
	m := New(DefaultConfig())
	m.RecordSettled()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "vnexec_execution_settlements_total 1"))
	assert.False(t, strings.Contains(body, "go_goroutines"))
}
