//go:build linux

package engine

import "golang.org/x/sys/unix"

// raisePriority sets the nice value of the calling OS thread. The caller must
// have locked the goroutine to its thread. Lowering niceness below zero needs
// CAP_SYS_NICE or a matching RLIMIT_NICE.
func raisePriority(task SchedulerTask) error {
	if task == TaskNone {
		return nil
	}
	return unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), task.niceness())
}
