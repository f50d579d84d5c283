package order

import (
	"sort"
	"sync"
)

// StateTransition 状态转换
type StateTransition struct {
	From Status
	To   Status
}

// StateMachine 订单状态机
type StateMachine struct {
	transitions map[StateTransition]bool
	mu          sync.RWMutex
}

// NewStateMachine 创建新的状态机
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[StateTransition]bool),
	}
	sm.initializeTransitions()
	return sm
}

// initializeTransitions 初始化所有合法的状态转换
func (sm *StateMachine) initializeTransitions() {
	legalTransitions := []StateTransition{
		{StatusCreated, StatusValidated},
		{StatusCreated, StatusFailed},

		{StatusValidated, StatusSubmitted},
		{StatusValidated, StatusCancelled}, // 未提交前本地撤单
		{StatusValidated, StatusFailed},

		{StatusSubmitted, StatusPartiallyFilled},
		{StatusSubmitted, StatusFilled},
		{StatusSubmitted, StatusRejected},
		{StatusSubmitted, StatusCancelled},
		{StatusSubmitted, StatusFailed},

		{StatusPartiallyFilled, StatusPartiallyFilled}, // 多次部分成交
		{StatusPartiallyFilled, StatusFilled},
		{StatusPartiallyFilled, StatusCancelled},
		{StatusPartiallyFilled, StatusFailed},

		// 仅买单，由结算触发
		{StatusFilled, StatusSettled},

		// 终态不能转换（REJECTED, CANCELLED, FAILED, SETTLED）
	}

	for _, t := range legalTransitions {
		sm.transitions[t] = true
	}
}

// ValidateTransition 验证状态转换是否合法；除部分成交自环外同状态转换也视为非法
func (sm *StateMachine) ValidateTransition(from, to Status) error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if !sm.transitions[StateTransition{From: from, To: to}] {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// ValidateOrderTransition 在状态图之外再检查方向：卖单不能进入SETTLED
func (sm *StateMachine) ValidateOrderTransition(o *Order, to Status) error {
	if to == StatusSettled && o.Side != SideBuy {
		return &InvalidTransitionError{From: o.Status, To: to}
	}
	return sm.ValidateTransition(o.Status, to)
}

// AllowedTransitions 返回当前状态所有合法的目标状态
func (sm *StateMachine) AllowedTransitions(current Status) []Status {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	allowed := make([]Status, 0)
	for transition := range sm.transitions {
		if transition.From == current {
			allowed = append(allowed, transition.To)
		}
	}
	sort.Slice(allowed, func(i, j int) bool { return allowed[i] < allowed[j] })
	return allowed
}

// IsFinalState 判断是否是终态（FILLED对买单不是终态）
func (sm *StateMachine) IsFinalState(status Status) bool {
	switch status {
	case StatusRejected, StatusCancelled, StatusFailed, StatusSettled:
		return true
	default:
		return false
	}
}

// IsTerminal 订单是否已不再变化
func IsTerminal(o *Order) bool {
	switch o.Status {
	case StatusRejected, StatusCancelled, StatusFailed, StatusSettled:
		return true
	case StatusFilled:
		return o.Side == SideSell
	}
	return false
}

// IsActive 仍可能产生成交或需要推进的订单
func IsActive(o *Order) bool {
	switch o.Status {
	case StatusCreated, StatusValidated, StatusSubmitted, StatusPartiallyFilled:
		return true
	}
	return false
}

// IsLive 券商侧可能存在、需要对账的订单
func IsLive(o *Order) bool {
	switch o.Status {
	case StatusSubmitted, StatusPartiallyFilled:
		return true
	case StatusValidated:
		// 曾尝试提交，可能崩溃前已到达券商
		return o.AttemptCount > 0
	}
	return false
}

// CanCancel 判断当前状态下是否可以撤单
func (sm *StateMachine) CanCancel(status Status) bool {
	switch status {
	case StatusValidated, StatusSubmitted, StatusPartiallyFilled:
		return true
	default:
		return false
	}
}

// GetStateDescription 获取状态描述
func (sm *StateMachine) GetStateDescription(status Status) string {
	descriptions := map[Status]string{
		StatusCreated:         "订单已创建",
		StatusValidated:       "订单已通过验证",
		StatusSubmitted:       "订单已提交券商",
		StatusPartiallyFilled: "订单部分成交",
		StatusFilled:          "订单完全成交",
		StatusRejected:        "订单被拒绝",
		StatusCancelled:       "订单已撤销",
		StatusFailed:          "订单提交失败",
		StatusSettled:         "订单已结算",
	}

	if desc, ok := descriptions[status]; ok {
		return desc
	}
	return "未知状态"
}
