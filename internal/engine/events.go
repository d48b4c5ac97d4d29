package engine

import "fmt"

// Event is the reason a streaming loop woke up.
type Event int

const (
	// EventShutdown means Stop was requested.
	EventShutdown Event = iota

	// EventDataReady means the device signalled buffer readiness.
	EventDataReady

	// EventTimeout means the timer-driven wait elapsed.
	EventTimeout
)

// String returns the metric label of the event.
func (e Event) String() string {
	switch e {
	case EventShutdown:
		return "shutdown"
	case EventDataReady:
		return "data_ready"
	case EventTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// StreamState is the lifecycle phase of a [Stream].
type StreamState int32

const (
	// StateIdle is a stream that was never started.
	StateIdle StreamState = iota

	// StateRunning is a stream moving audio.
	StateRunning

	// StateDraining is a render stream whose queue is exhausted and that is
	// playing out its trailing cycles.
	StateDraining

	// StateStopped is a stream whose loop has exited.
	StateStopped
)

// String returns the lowercase name of the state.
func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("StreamState(%d)", int(s))
	}
}

// StopReason records why a loop exited.
type StopReason int

const (
	// StopNone means the loop is still running.
	StopNone StopReason = iota

	// StopRequested means Stop was called.
	StopRequested

	// StopDrained means playback reached the end of a non-repeating queue
	// and the trailing cycles elapsed.
	StopDrained

	// StopCaptureFull means a packet no longer fitted the capture buffer.
	StopCaptureFull

	// StopDeviceError means a device call failure ended the stream.
	StopDeviceError
)

// String returns the lowercase name of the reason.
func (r StopReason) String() string {
	switch r {
	case StopNone:
		return "none"
	case StopRequested:
		return "requested"
	case StopDrained:
		return "drained"
	case StopCaptureFull:
		return "capture_full"
	case StopDeviceError:
		return "device_error"
	default:
		return fmt.Sprintf("StopReason(%d)", int(r))
	}
}
