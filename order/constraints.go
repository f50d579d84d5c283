package order

import (
	"strings"
	"sync"

	"vn-execution-go/gateway"
)

// QuantityBounds 单笔委托数量限制，0表示不限制
type QuantityBounds struct {
	MinQty  int64 `yaml:"min_qty"`
	MaxQty  int64 `yaml:"max_qty"`
	LotSize int64 `yaml:"lot_size"`
}

// Validate 检查数量是否满足最小/最大和整手要求
func (b QuantityBounds) Validate(qty int64) error {
	if b.MinQty > 0 && qty < b.MinQty {
		return &QuantityOutOfRangeError{Quantity: qty, Bounds: b}
	}
	if b.MaxQty > 0 && qty > b.MaxQty {
		return &QuantityOutOfRangeError{Quantity: qty, Bounds: b}
	}
	if b.LotSize > 1 && qty%b.LotSize != 0 {
		return &QuantityOutOfRangeError{Quantity: qty, Bounds: b}
	}
	return nil
}

// DefaultBounds HOSE整手100股，单笔不超过50万股；衍生品按合约
func DefaultBounds() map[gateway.AssetClass]QuantityBounds {
	return map[gateway.AssetClass]QuantityBounds{
		gateway.AssetEquity:         {MinQty: 100, MaxQty: 500_000, LotSize: 100},
		gateway.AssetETF:            {MinQty: 100, MaxQty: 500_000, LotSize: 100},
		gateway.AssetCoveredWarrant: {MinQty: 100, MaxQty: 500_000, LotSize: 100},
		gateway.AssetBond:           {MinQty: 1, MaxQty: 100_000, LotSize: 1},
		gateway.AssetDerivative:     {MinQty: 1, MaxQty: 500, LotSize: 1},
	}
}

type boundsKey struct {
	broker string
	asset  gateway.AssetClass
}

// BoundsTable 按 (券商, 品种) 查找数量限制，未配置券商时退回品种默认值
type BoundsTable struct {
	mu       sync.RWMutex
	defaults map[gateway.AssetClass]QuantityBounds
	brokers  map[boundsKey]QuantityBounds
}

func NewBoundsTable(defaults map[gateway.AssetClass]QuantityBounds) *BoundsTable {
	if defaults == nil {
		defaults = DefaultBounds()
	}
	return &BoundsTable{defaults: defaults, brokers: make(map[boundsKey]QuantityBounds)}
}

// Set 设置某券商某品种的限制
func (t *BoundsTable) Set(broker string, ac gateway.AssetClass, b QuantityBounds) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.brokers[boundsKey{strings.ToLower(broker), ac}] = b
}

// Lookup 返回适用的限制
func (t *BoundsTable) Lookup(broker string, ac gateway.AssetClass) QuantityBounds {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if b, ok := t.brokers[boundsKey{strings.ToLower(broker), ac}]; ok {
		return b
	}
	return t.defaults[ac]
}

// Validate 按券商和品种检查数量
func (t *BoundsTable) Validate(broker string, ac gateway.AssetClass, qty int64) error {
	return t.Lookup(broker, ac).Validate(qty)
}
