package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRouter(t *testing.T) *Router {
	r := NewRouter(
		NewSSIAdapter(BrokerConfig{}, nil, nil),
		NewVNDirectAdapter(BrokerConfig{}, nil, nil),
		NewTCBSAdapter(BrokerConfig{}, nil, nil),
		NewHSCAdapter(BrokerConfig{}, nil, nil),
	)
	require.NoError(t, r.AddRoute(Route{AssetClass: AssetEquity, Broker: "vndirect"}))
	require.NoError(t, r.AddRoute(Route{AssetClass: AssetDerivative, Broker: "hsc"}))
	return r
}

func TestRouterResolve(t *testing.T) {
	r := testRouter(t)

	tests := []struct {
		name       string
		assetClass AssetClass
		preference string
		want       string
		wantErr    error
	}{
		{"默认路由", AssetEquity, "", BrokerVNDirect, nil},
		{"偏好券商", AssetEquity, "SSI", BrokerSSI, nil},
		{"衍生品默认", AssetDerivative, "", BrokerHSC, nil},
		{"债券仅TCBS", AssetBond, "", BrokerTCBS, nil},
		{"偏好券商不支持", AssetDerivative, "tcbs", "", ErrUnsupportedAssetClass},
		{"未知券商", AssetEquity, "mbs", "", ErrUnknownBroker},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := r.Resolve(tt.assetClass, tt.preference)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, a.Name())
		})
	}
}

func TestRouterAddRouteValidates(t *testing.T) {
	r := testRouter(t)
	assert.ErrorIs(t, r.AddRoute(Route{AssetClass: AssetBond, Broker: "ssi"}), ErrUnsupportedAssetClass)
	assert.ErrorIs(t, r.AddRoute(Route{AssetClass: AssetBond, Broker: "nope"}), ErrUnknownBroker)
	assert.Len(t, r.Adapters(), 4)
}
