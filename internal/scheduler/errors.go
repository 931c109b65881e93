package scheduler

import "errors"

var (
	ErrTimeout     = errors.New("task timed out")
	ErrBusy        = errors.New("task already running")
	ErrUnknownTask = errors.New("unknown task")
	ErrStopped     = errors.New("runner stopped")
	ErrPanic       = errors.New("task panicked")
)
