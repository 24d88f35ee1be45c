package offer

import "fmt"

// StateTransition 状态转换
type StateTransition struct {
	From Status
	To   Status
}

// StateMachine 挂单状态机。转换表在构造后只读，可并发使用。
type StateMachine struct {
	transitions map[StateTransition]bool
}

// NewStateMachine 创建新的状态机
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[StateTransition]bool),
	}
	sm.initializeTransitions()
	return sm
}

func (sm *StateMachine) initializeTransitions() {
	legalTransitions := []StateTransition{
		// 从OPEN可以转到
		{StatusOpen, StatusPartiallyFilled},
		{StatusOpen, StatusFilled},
		{StatusOpen, StatusCanceled},

		// 从PARTIALLY_FILLED可以转到
		// 重新报价后剩余部分可能以未成交状态重新挂出
		{StatusPartiallyFilled, StatusOpen},
		{StatusPartiallyFilled, StatusFilled},
		{StatusPartiallyFilled, StatusCanceled},

		// 终态不能转换（FILLED, CANCELED）
	}

	for _, t := range legalTransitions {
		sm.transitions[t] = true
	}
}

// ValidateTransition 验证状态转换是否合法；相同状态视为幂等写入。
func (sm *StateMachine) ValidateTransition(from, to Status) error {
	if from == to {
		return nil
	}
	if !sm.transitions[StateTransition{From: from, To: to}] {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// IsFinalState 判断是否是终态
func (sm *StateMachine) IsFinalState(status Status) bool {
	return status == StatusFilled || status == StatusCanceled
}

// CanRequote 判断当前状态是否允许重新报价
func (sm *StateMachine) CanRequote(status Status) bool {
	return status == StatusOpen || status == StatusPartiallyFilled
}

var defaultStateMachine = NewStateMachine()

// ValidateTransition 使用默认状态机校验。
func ValidateTransition(from, to Status) error {
	return defaultStateMachine.ValidateTransition(from, to)
}

// IsFinal 使用默认状态机判断终态。
func IsFinal(status Status) bool {
	return defaultStateMachine.IsFinalState(status)
}
