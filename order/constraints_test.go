package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vn-execution-go/gateway"
)

func TestQuantityBounds(t *testing.T) {
	tests := []struct {
		name string
		qty  int64
		ok   bool
	}{
		{"整手", 100, true},
		{"多手", 2500, true},
		{"低于最小", 50, false},
		{"非整手", 150, false},
		{"超过上限", 500_100, false},
	}
	b := DefaultBounds()[gateway.AssetEquity]
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.Validate(tt.qty)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrQuantityOutOfRange)
			assert.Equal(t, "quantity_out_of_range", ReasonCode(err))
		})
	}
}

func TestBoundsTableBrokerOverride(t *testing.T) {
	tbl := NewBoundsTable(nil)
	assert.NoError(t, tbl.Validate("tcbs", gateway.AssetDerivative, 10))
	assert.Error(t, tbl.Validate("tcbs", gateway.AssetDerivative, 501))

	tbl.Set("TCBS", gateway.AssetEquity, QuantityBounds{MinQty: 1, LotSize: 1})
	assert.NoError(t, tbl.Validate("tcbs", gateway.AssetEquity, 7))
	assert.Error(t, tbl.Validate("ssi", gateway.AssetEquity, 7))
}

func TestBookLookup(t *testing.T) {
	b := NewBook()
	o := &Order{ID: "1", ClientOrderID: "c1", BrokerName: "ssi", Symbol: "FPT", Status: StatusCreated}
	b.Put(o)

	id, ok := b.Lookup("ssi", "", "c1")
	require.True(t, ok)
	assert.Equal(t, "1", id)

	o.BrokerOrderID = "B1"
	b.indexBroker(o)
	id, ok = b.Lookup("ssi", "B1", "")
	require.True(t, ok)
	assert.Equal(t, "1", id)
	_, ok = b.Lookup("vndirect", "B1", "")
	assert.False(t, ok)

	got, ok := b.Get("1")
	require.True(t, ok)
	assert.Equal(t, "FPT", got.Symbol)
	assert.Len(t, b.List(Filter{ActiveOnly: true}), 1)
	assert.Empty(t, b.List(Filter{Statuses: []Status{StatusFilled}}))
}
