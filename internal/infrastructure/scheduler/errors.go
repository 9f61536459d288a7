package scheduler

import "errors"

var (
	// ErrDispatcherNotRunning is returned when stopping a dispatcher that was never started
	ErrDispatcherNotRunning = errors.New("job dispatcher is not running")

	// ErrPollTriggerNotRunning is returned when stopping or poking a stopped poll trigger
	ErrPollTriggerNotRunning = errors.New("poll trigger is not running")

	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid scheduler configuration")
)
