package agent

import (
	"errors"
	"fmt"
)

// State 表示某个 agent 版本所处的生命周期阶段。
type State int

const (
	StateUninitialized State = iota
	StateInstalling
	StateInstalled
	StateReconciling
	StateActive
	StateRedundant
)

var (
	// ErrInvalidTransition 表示生命周期跳转不合法，例如未安装就激活。
	ErrInvalidTransition = errors.New("invalid agent state transition")
	// ErrNotActive 表示当前版本尚未（或不再）处于 active 状态，不能处理请求。
	ErrNotActive = errors.New("agent is not active")
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateReconciling:
		return "reconciling"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText lets State render as its name in JSON status payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var allowedTransitions = map[State][]State{
	StateUninitialized: {StateInstalling},
	StateInstalling:    {StateInstalled, StateRedundant},
	StateInstalled:     {StateReconciling, StateRedundant},
	StateReconciling:   {StateActive},
	StateActive:        {StateRedundant},
}

func canTransition(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
