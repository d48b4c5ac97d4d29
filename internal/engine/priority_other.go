//go:build !linux

package engine

import "errors"

var errPriorityUnsupported = errors.New("engine: thread priority not supported on this platform")

func raisePriority(task SchedulerTask) error {
	if task == TaskNone {
		return nil
	}
	return errPriorityUnsupported
}
