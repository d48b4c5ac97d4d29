package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/pcmstream/internal/observe"
	"github.com/MrWong99/pcmstream/pkg/device"
	"github.com/MrWong99/pcmstream/pkg/pcm"
)

const (
	// DefaultMaxCycleFailures is the number of consecutive failed cycles
	// after which a stream gives up.
	DefaultMaxCycleFailures = 50

	// eventTrailingCycles is the number of empty cycles an event-driven
	// render stream runs after the queue is exhausted.
	eventTrailingCycles = 2

	// timerPeriodsPerBuffer is the number of timer wake-ups per device
	// buffer in timer-driven mode.
	timerPeriodsPerBuffer = 4
)

// ErrAlreadyStarted is returned by [Stream.Start] on a stream that was
// started before. Streams are single-use.
var ErrAlreadyStarted = errors.New("engine: stream already started")

// TrailingCycles returns the number of empty cycles a render stream runs
// after its queue is exhausted, so that audio still buffered in the device is
// played out before the stream stops.
func TrailingCycles(s device.Scheduling) int {
	if s == device.TimerDriven {
		return eventTrailingCycles * 2
	}
	return eventTrailingCycles
}

// PeriodsPerBuffer returns how many scheduling periods one device buffer
// spans in mode s.
func PeriodsPerBuffer(s device.Scheduling) int {
	if s == device.TimerDriven {
		return timerPeriodsPerBuffer
	}
	return 1
}

// Config describes an initialized device stream.
type Config struct {
	Direction  device.Direction
	Scheduling device.Scheduling
	ShareMode  device.ShareMode
	Format     pcm.Format

	// BufferFrames is the device buffer size reported after Initialize.
	BufferFrames int

	// Latency is the configured period. Timer-driven loops wake every
	// Latency/2.
	Latency time.Duration

	Client  device.Client
	Render  device.RenderService  // required for device.Render
	Capture device.CaptureService // required for device.Capture

	// Ready is the channel registered with Client.SetEventHandle. Required
	// for event-driven scheduling.
	Ready <-chan struct{}

	// Task selects the priority of the streaming thread.
	Task SchedulerTask

	// MaxCycleFailures bounds consecutive failed cycles. Zero uses
	// DefaultMaxCycleFailures, negative disables the bound.
	MaxCycleFailures int

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

func (c *Config) validate() error {
	var errs []error
	if c.Client == nil {
		errs = append(errs, errors.New("client is nil"))
	}
	if c.Direction == device.Render && c.Render == nil {
		errs = append(errs, errors.New("render service is nil"))
	}
	if c.Direction == device.Capture && c.Capture == nil {
		errs = append(errs, errors.New("capture service is nil"))
	}
	if c.Scheduling == device.EventDriven && c.Ready == nil {
		errs = append(errs, errors.New("event-driven stream without ready channel"))
	}
	if c.Scheduling == device.TimerDriven && c.Latency <= 0 {
		errs = append(errs, errors.New("timer-driven stream without latency"))
	}
	if c.BufferFrames <= 0 {
		errs = append(errs, fmt.Errorf("buffer frames %d must be positive", c.BufferFrames))
	}
	if c.Format.Stride() <= 0 {
		errs = append(errs, errors.New("format has no frame stride"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("engine: invalid stream config: %w", err)
	}
	return nil
}

// Stream is the real-time loop of one stream direction. It is started once
// and stopped once; a new stream is created for every Start of a session.
type Stream struct {
	cfg    Config
	state  *State
	stride int
	log    *slog.Logger
	met    *observe.Metrics

	shutdown   chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
	clientOnce sync.Once

	phase  atomic.Int32
	mu     sync.Mutex
	reason StopReason
	err    error

	// Owned by the loop goroutine once started.
	discardFirst bool
	failures     int
}

// NewStream creates an idle stream over state.
func NewStream(cfg Config, state *State) (*Stream, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.MaxCycleFailures == 0 {
		cfg.MaxCycleFailures = DefaultMaxCycleFailures
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Stream{
		cfg:      cfg,
		state:    state,
		stride:   cfg.Format.Stride(),
		log:      cfg.Logger.With("direction", cfg.Direction.String()),
		met:      cfg.Metrics,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start primes the device buffer, spawns the streaming goroutine and starts
// the device client. A render stream first hands the device one buffer of
// silence; a capture stream resets the capture cursor and glitch count and
// drops the first packet the device delivers.
func (s *Stream) Start() error {
	if !s.phase.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return ErrAlreadyStarted
	}

	switch s.cfg.Direction {
	case device.Render:
		if err := s.prefill(); err != nil {
			s.phase.Store(int32(StateIdle))
			return err
		}
	case device.Capture:
		if !s.state.HasCapture() {
			s.phase.Store(int32(StateIdle))
			return ErrNoCaptureBuffer
		}
		s.state.ResetCapture()
		s.discardFirst = true
	}

	s.met.ActiveStreams.Add(context.Background(), 1)
	go s.run()

	if err := s.cfg.Client.Start(); err != nil {
		s.Stop()
		return fmt.Errorf("engine: start client: %w", err)
	}
	s.log.Debug("stream started",
		"scheduling", s.cfg.Scheduling.String(),
		"share_mode", s.cfg.ShareMode.String(),
		"buffer_frames", s.cfg.BufferFrames,
	)
	return nil
}

func (s *Stream) prefill() error {
	buf, err := s.cfg.Render.GetBuffer(s.cfg.BufferFrames)
	if err != nil {
		return fmt.Errorf("engine: prefill render buffer: %w", err)
	}
	clear(buf)
	if err := s.cfg.Render.ReleaseBuffer(s.cfg.BufferFrames, device.FlagSilent); err != nil {
		return fmt.Errorf("engine: prefill render buffer: %w", err)
	}
	return nil
}

// Stop signals the loop to exit, waits for it, and stops the device client.
// It is a no-op on an idle stream and safe to call repeatedly.
func (s *Stream) Stop() {
	if s.State() == StateIdle {
		return
	}
	s.stopOnce.Do(func() { close(s.shutdown) })
	<-s.done
	s.stopClient()
}

// Done is closed when the loop has exited.
func (s *Stream) Done() <-chan struct{} { return s.done }

// State returns the lifecycle phase.
func (s *Stream) State() StreamState { return StreamState(s.phase.Load()) }

// Reason returns why the loop exited, [StopNone] while it runs.
func (s *Stream) Reason() StopReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Err returns the error that ended the loop, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) run() {
	defer close(s.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := raisePriority(s.cfg.Task); err != nil {
		s.log.Warn("could not raise streaming thread priority", "task", s.cfg.Task.String(), "err", err)
	}

	ctx := context.Background()
	var timer *time.Timer
	if s.cfg.Scheduling == device.TimerDriven {
		timer = time.NewTimer(s.cfg.Latency / 2)
		defer timer.Stop()
	}

	for {
		ev := s.wait(timer)
		if ev == EventShutdown {
			s.finish(StopRequested, nil)
			return
		}

		start := time.Now()
		var more bool
		if s.cfg.Direction == device.Render {
			more = s.renderCycle(ctx)
		} else {
			more = s.captureCycle(ctx)
		}
		s.met.RecordCycle(ctx, s.cfg.Direction.String(), ev.String(), time.Since(start))

		if !more {
			s.stopClient()
			return
		}
	}
}

// wait blocks until the next wake-up and translates it into an [Event].
func (s *Stream) wait(timer *time.Timer) Event {
	select {
	case <-s.shutdown:
		return EventShutdown
	default:
	}

	if timer == nil {
		select {
		case <-s.shutdown:
			return EventShutdown
		case <-s.cfg.Ready:
			return EventDataReady
		}
	}

	timer.Reset(s.cfg.Latency / 2)
	select {
	case <-s.shutdown:
		return EventShutdown
	case <-timer.C:
		return EventTimeout
	}
}

func (s *Stream) renderCycle(ctx context.Context) bool {
	writable := s.cfg.BufferFrames
	if s.cfg.Scheduling == device.TimerDriven || s.cfg.ShareMode == device.Shared {
		padding, err := s.cfg.Client.Padding()
		if err != nil {
			return s.skip(ctx, "padding", err)
		}
		writable -= padding
	}
	if writable <= 0 {
		s.failures = 0
		return true
	}

	buf, err := s.cfg.Render.GetBuffer(writable)
	if err != nil {
		s.deviceError(ctx, "get_buffer", err)
		s.finish(StopDeviceError, fmt.Errorf("engine: get render buffer: %w", err))
		return false
	}

	written, playing := s.state.FillCycle(buf, writable, s.stride)
	if err := s.cfg.Render.ReleaseBuffer(writable, 0); err != nil {
		return s.skip(ctx, "release_buffer", err)
	}
	s.met.RecordRender(ctx, written, writable-written)
	if !playing {
		s.log.Debug("render queue drained")
		s.finish(StopDrained, nil)
		return false
	}

	if s.state.Draining() {
		s.phase.CompareAndSwap(int32(StateRunning), int32(StateDraining))
	} else {
		s.phase.CompareAndSwap(int32(StateDraining), int32(StateRunning))
	}
	s.failures = 0
	return true
}

func (s *Stream) captureCycle(ctx context.Context) bool {
	for {
		size, err := s.cfg.Capture.NextPacketSize()
		if err != nil {
			return s.skip(ctx, "next_packet_size", err)
		}
		if size == 0 {
			break
		}

		pkt, err := s.cfg.Capture.GetBuffer()
		if err != nil {
			s.deviceError(ctx, "get_buffer", err)
			s.finish(StopDeviceError, fmt.Errorf("engine: get capture buffer: %w", err))
			return false
		}
		if pkt.Frames == 0 {
			break
		}

		if s.discardFirst {
			s.discardFirst = false
			if err := s.cfg.Capture.ReleaseBuffer(pkt.Frames); err != nil {
				return s.skip(ctx, "release_buffer", err)
			}
			continue
		}

		stored := s.state.Drain(pkt.Data, pkt.Frames, pkt.Flags)
		if err := s.cfg.Capture.ReleaseBuffer(pkt.Frames); err != nil && stored {
			return s.skip(ctx, "release_buffer", err)
		}
		if !stored {
			s.log.Debug("capture buffer full", "packet_frames", pkt.Frames)
			s.finish(StopCaptureFull, nil)
			return false
		}
		s.state.NoteDevicePosition(pkt.DevicePosition)
		if pkt.Flags.Has(device.FlagDiscontinuity) {
			s.log.Debug("capture discontinuity", "device_position", pkt.DevicePosition)
		}
		s.met.RecordCapture(ctx, pkt.Frames, pkt.Flags.Has(device.FlagDiscontinuity))
	}
	s.failures = 0
	return true
}

// skip logs a failed device call and abandons the current cycle. It reports
// false once too many cycles in a row have failed.
func (s *Stream) skip(ctx context.Context, op string, err error) bool {
	s.deviceError(ctx, op, err)
	s.failures++
	if s.cfg.MaxCycleFailures > 0 && s.failures >= s.cfg.MaxCycleFailures {
		s.finish(StopDeviceError, fmt.Errorf("engine: %d consecutive failed cycles, last in %s: %w", s.failures, op, err))
		return false
	}
	return true
}

func (s *Stream) deviceError(ctx context.Context, op string, err error) {
	s.log.Warn("device call failed", "op", op, "err", err)
	s.met.RecordDeviceError(ctx, s.cfg.Direction.String(), op)
}

func (s *Stream) finish(reason StopReason, err error) {
	s.mu.Lock()
	s.reason = reason
	s.err = err
	s.mu.Unlock()

	s.phase.Store(int32(StateStopped))
	s.met.ActiveStreams.Add(context.Background(), -1)
	if err != nil {
		s.log.Error("stream stopped", "reason", reason.String(), "err", err)
		return
	}
	s.log.Info("stream stopped", "reason", reason.String())
}

func (s *Stream) stopClient() {
	s.clientOnce.Do(func() {
		if err := s.cfg.Client.Stop(); err != nil {
			s.log.Warn("device stop failed", "err", err)
		}
	})
}
