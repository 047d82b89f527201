package scheduler

import "github.com/voltgrid/chargeq/core/logger"

// FailurePolicy decides what happens when a maintenance handler returns an
// error. Whatever the policy does, the schedule keeps firing; policies only
// control visibility.
type FailurePolicy interface {
	OnError(process string, err error)
}

// LogPolicy logs the failure at warning level and moves on. It is the default
// for periodic maintenance.
type LogPolicy struct {
	Log logger.Logger
}

func (p LogPolicy) OnError(process string, err error) {
	p.Log.Warnf("maintenance %s failed: %v", process, err)
}

// EscalatePolicy logs at error level for processes whose failure an operator
// should see immediately.
type EscalatePolicy struct {
	Log logger.Logger
}

func (p EscalatePolicy) OnError(process string, err error) {
	p.Log.Errorf("maintenance %s failed: %v", process, err)
}
