package risk

import "vn-execution-go/order"

// Guard 是通用接口，限额、保证金、熔断、频率都可实现。
type Guard interface {
	PreOrder(req order.RiskRequest) error
}

// MultiGuard 顺序执行多个 Guard，只要有一个返回错误则中止。
type MultiGuard struct {
	Guards []Guard
}

func (m MultiGuard) PreOrder(req order.RiskRequest) error {
	for _, g := range m.Guards {
		if g == nil {
			continue
		}
		if err := g.PreOrder(req); err != nil {
			return err
		}
	}
	return nil
}
