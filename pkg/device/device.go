// Package device defines the boundary between the streaming engine and an
// audio endpoint.
//
// The model follows a shared-buffer audio API: a [Device] is activated into a
// [Client], the client is initialized with [StreamParams] that fix the buffer
// geometry, and the engine then exchanges frames with the endpoint through a
// [RenderService] or [CaptureService] once per scheduling cycle.
//
// Implementations live in sub-packages:
//
//   - [github.com/MrWong99/pcmstream/pkg/device/malgodev] drives real hardware.
//   - [github.com/MrWong99/pcmstream/pkg/device/wavfile] renders into and
//     captures from WAV files in real time.
//   - [github.com/MrWong99/pcmstream/pkg/device/mock] is a scriptable test
//     double.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/pcmstream/pkg/pcm"
)

// Sentinel errors reported by device implementations.
var (
	// ErrFormatNotSupported is returned when the endpoint cannot stream the
	// requested format.
	ErrFormatNotSupported = errors.New("device: format not supported")

	// ErrBufferSizeNotAligned is returned by [Client.Initialize] when the
	// requested buffer duration does not map onto the endpoint's buffer
	// alignment. The caller may re-query [Client.BufferFrames] and retry once
	// with a fresh client.
	ErrBufferSizeNotAligned = errors.New("device: buffer size not aligned")

	// ErrDeviceInUse is returned when another stream holds the endpoint
	// exclusively.
	ErrDeviceInUse = errors.New("device: device in use")

	// ErrNotInitialized is returned by operations that require a prior
	// successful [Client.Initialize].
	ErrNotInitialized = errors.New("device: client not initialized")

	// ErrClosed is returned after [Client.Close].
	ErrClosed = errors.New("device: client closed")
)

// Direction is the data flow of a stream.
type Direction int

const (
	// Render plays frames to the endpoint.
	Render Direction = iota

	// Capture records frames from the endpoint.
	Capture
)

// String returns "render" or "capture".
func (d Direction) String() string {
	switch d {
	case Render:
		return "render"
	case Capture:
		return "capture"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// ShareMode selects whether the endpoint is mixed with other streams.
type ShareMode int

const (
	// Shared streams go through the system mixer.
	Shared ShareMode = iota

	// Exclusive streams own the endpoint.
	Exclusive
)

// String returns "shared" or "exclusive".
func (m ShareMode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// Scheduling selects how the streaming loop is woken.
type Scheduling int

const (
	// EventDriven wakes the loop when the endpoint signals buffer readiness.
	EventDriven Scheduling = iota

	// TimerDriven wakes the loop on a fixed timeout.
	TimerDriven
)

// String returns "event" or "timer".
func (s Scheduling) String() string {
	if s == TimerDriven {
		return "timer"
	}
	return "event"
}

// BufferFlags annotate a released render buffer or an acquired capture
// packet.
type BufferFlags uint32

const (
	// FlagSilent marks a buffer whose content must be treated as silence.
	FlagSilent BufferFlags = 1 << iota

	// FlagDiscontinuity marks a capture packet that does not follow the
	// previous one seamlessly.
	FlagDiscontinuity

	// FlagTimestampError marks a packet whose device position is unreliable.
	FlagTimestampError
)

// Has reports whether every bit of want is set.
func (f BufferFlags) Has(want BufferFlags) bool { return f&want == want }

// String lists the set flags, e.g. "silent|discontinuity".
func (f BufferFlags) String() string {
	var parts []string
	if f.Has(FlagSilent) {
		parts = append(parts, "silent")
	}
	if f.Has(FlagDiscontinuity) {
		parts = append(parts, "discontinuity")
	}
	if f.Has(FlagTimestampError) {
		parts = append(parts, "timestamp_error")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// StreamParams fix the geometry of an initialized client.
type StreamParams struct {
	ShareMode  ShareMode
	Scheduling Scheduling
	Format     pcm.Format

	// BufferDuration is the requested size of the endpoint buffer.
	BufferDuration time.Duration

	// Periodicity is the device period in exclusive event-driven mode. Zero
	// lets the endpoint choose.
	Periodicity time.Duration

	// RateAdjust asks a shared-mode endpoint to accept Format.SampleRate even
	// when it differs from the mix format.
	RateAdjust bool
}

// Device is an activatable audio endpoint.
type Device interface {
	// Name returns a human-readable endpoint name.
	Name() string

	// Direction returns whether the endpoint renders or captures.
	Direction() Direction

	// Activate creates a new, uninitialized client. Each client may be
	// initialized at most once.
	Activate(ctx context.Context) (Client, error)
}

// Client is one stream on an endpoint.
type Client interface {
	// MixFormat returns the format the shared-mode mixer runs at.
	MixFormat() (pcm.Format, error)

	// IsFormatSupported reports nil when f can be streamed in mode.
	IsFormatSupported(mode ShareMode, f pcm.Format) error

	// Initialize fixes the stream geometry. It may return
	// [ErrBufferSizeNotAligned].
	Initialize(p StreamParams) error

	// BufferFrames returns the endpoint buffer size in frames. After an
	// [ErrBufferSizeNotAligned] failure it returns the aligned size the
	// endpoint would accept.
	BufferFrames() (int, error)

	// SetEventHandle registers the channel the client signals when a buffer
	// becomes available in event-driven mode. Sends must never block.
	SetEventHandle(ready chan<- struct{}) error

	// Padding returns the frames queued in the endpoint buffer that have not
	// been played (render) or read (capture).
	Padding() (int, error)

	// RenderService returns the render side of an initialized client.
	RenderService() (RenderService, error)

	// CaptureService returns the capture side of an initialized client.
	CaptureService() (CaptureService, error)

	// Start begins streaming.
	Start() error

	// Stop pauses streaming. Buffered frames are kept.
	Stop() error

	// Reset discards buffered frames of a stopped client.
	Reset() error

	// Close releases the client. It is safe to call more than once.
	Close() error
}

// RenderService exchanges frames with a render endpoint.
type RenderService interface {
	// GetBuffer returns a writable region of exactly frames frames.
	GetBuffer(frames int) ([]byte, error)

	// ReleaseBuffer hands frames written frames to the endpoint. With
	// [FlagSilent] the content is ignored and silence is played.
	ReleaseBuffer(frames int, flags BufferFlags) error
}

// Packet is one unit of captured audio.
type Packet struct {
	// Data holds Frames frames. It may be nil when Flags has [FlagSilent].
	Data   []byte
	Frames int
	Flags  BufferFlags

	// DevicePosition is the endpoint frame position of the first frame.
	DevicePosition uint64
}

// CaptureService reads frames from a capture endpoint.
type CaptureService interface {
	// NextPacketSize returns the frames in the next packet, 0 when none is
	// pending.
	NextPacketSize() (int, error)

	// GetBuffer acquires the next packet.
	GetBuffer() (Packet, error)

	// ReleaseBuffer returns frames frames of the acquired packet.
	ReleaseBuffer(frames int) error
}

// Info describes an enumerable endpoint.
type Info struct {
	ID        string
	Name      string
	Direction Direction
	IsDefault bool
	Formats   []pcm.Format
}
