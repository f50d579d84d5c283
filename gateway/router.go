package gateway

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Route 路由表条目：Preference为空表示该品种的默认券商
type Route struct {
	AssetClass AssetClass `yaml:"assetClass"`
	Preference string     `yaml:"preference"`
	Broker     string     `yaml:"broker"`
}

type routeKey struct {
	assetClass AssetClass
	preference string
}

// Router 按(品种, 用户偏好券商)选择适配器
type Router struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	table    map[routeKey]string
}

func NewRouter(adapters ...Adapter) *Router {
	r := &Router{
		adapters: make(map[string]Adapter),
		table:    make(map[routeKey]string),
	}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register 注册适配器，同名覆盖
func (r *Router) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[strings.ToLower(a.Name())] = a
}

// AddRoute 添加路由，目标券商必须已注册且支持该品种
func (r *Router) AddRoute(route Route) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	broker := strings.ToLower(route.Broker)
	a, ok := r.adapters[broker]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBroker, route.Broker)
	}
	if !a.Capabilities().Supports(route.AssetClass) {
		return fmt.Errorf("%w: %s does not support %s", ErrUnsupportedAssetClass, broker, route.AssetClass)
	}
	r.table[routeKey{route.AssetClass, strings.ToLower(route.Preference)}] = broker
	return nil
}

// Resolve 选择适配器。
// 顺序：显式路由 -> 偏好券商本身 -> 品种默认路由 -> 任一支持该品种的券商（按名称排序）。
// 偏好的券商不支持该品种时返回ErrUnsupportedAssetClass，不会静默改道。
func (r *Router) Resolve(ac AssetClass, preference string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pref := strings.ToLower(preference)

	if name, ok := r.table[routeKey{ac, pref}]; ok {
		return r.adapters[name], nil
	}
	if pref != "" {
		a, ok := r.adapters[pref]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownBroker, preference)
		}
		if !a.Capabilities().Supports(ac) {
			return nil, fmt.Errorf("%w: %s does not support %s", ErrUnsupportedAssetClass, pref, ac)
		}
		return a, nil
	}
	if name, ok := r.table[routeKey{ac, ""}]; ok {
		return r.adapters[name], nil
	}
	for _, name := range r.namesLocked() {
		if a := r.adapters[name]; a.Capabilities().Supports(ac) {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: no broker supports %s", ErrUnsupportedAssetClass, ac)
}

// Adapter 按名称获取
func (r *Router) Adapter(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(name)]
	return a, ok
}

// Adapters 返回所有适配器（按名称排序）
func (r *Router) Adapters() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.namesLocked()
	out := make([]Adapter, 0, len(names))
	for _, n := range names {
		out = append(out, r.adapters[n])
	}
	return out
}

func (r *Router) namesLocked() []string {
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
