package engine

import (
	"fmt"
	"strings"
)

// SchedulerTask is the scheduling class requested for a streaming thread.
type SchedulerTask int

const (
	// TaskNone leaves the thread at normal priority.
	TaskNone SchedulerTask = iota

	// TaskAudio is for ordinary audio streaming.
	TaskAudio

	// TaskProAudio is for low-latency streaming that must never miss a
	// period.
	TaskProAudio

	// TaskPlayback is for buffered playback that tolerates some jitter.
	TaskPlayback
)

// String returns the configuration name of the task.
func (t SchedulerTask) String() string {
	switch t {
	case TaskNone:
		return "none"
	case TaskAudio:
		return "audio"
	case TaskProAudio:
		return "pro_audio"
	case TaskPlayback:
		return "playback"
	default:
		return fmt.Sprintf("SchedulerTask(%d)", int(t))
	}
}

// ParseSchedulerTask converts a configuration name to a [SchedulerTask].
func ParseSchedulerTask(s string) (SchedulerTask, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return TaskNone, nil
	case "audio":
		return TaskAudio, nil
	case "pro_audio", "proaudio":
		return TaskProAudio, nil
	case "playback":
		return TaskPlayback, nil
	}
	return TaskNone, fmt.Errorf("engine: unknown scheduler task %q", s)
}

// niceness maps a task to a Unix nice value.
func (t SchedulerTask) niceness() int {
	switch t {
	case TaskAudio:
		return -10
	case TaskProAudio:
		return -19
	case TaskPlayback:
		return -5
	default:
		return 0
	}
}
