// Package session drives one direction of a device stream through its
// lifecycle: device setup, queue ingestion, start/stop and position control.
//
// A [Controller] owns the device client and the engine state of one stream
// direction. Its methods are safe for concurrent use; position queries never
// block the streaming loop.
//
// Typical playback:
//
//	c := session.New(device.Render, dev)
//	if err := c.Setup(ctx, session.SetupParams{Format: f, LatencyMs: 50}); err != nil { ... }
//	_ = c.BeginAppend()
//	_ = c.Append(1, pcmBytes)
//	_ = c.EndAppend()
//	_ = c.Start(ctx, 1)
//	err := c.Wait(ctx)
//	_ = c.Unsetup()
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/pcmstream/internal/engine"
	"github.com/MrWong99/pcmstream/internal/observe"
	"github.com/MrWong99/pcmstream/pkg/device"
	"github.com/MrWong99/pcmstream/pkg/pcm"
)

var (
	// ErrAlreadySetUp is returned by Setup on a controller that is set up.
	ErrAlreadySetUp = errors.New("session: already set up")

	// ErrNotSetUp is returned by operations that need a set-up device.
	ErrNotSetUp = errors.New("session: not set up")

	// ErrRunning is returned by operations that are invalid while a stream
	// is running.
	ErrRunning = errors.New("session: stream is running")

	// ErrUnknownSegment is returned by Start when no queued segment has the
	// requested id.
	ErrUnknownSegment = errors.New("session: unknown segment id")

	// ErrWrongDirection is returned by render operations on a capture
	// session and vice versa.
	ErrWrongDirection = errors.New("session: operation not valid for this direction")
)

// closedCh is returned by Done before any stream ran.
var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// SetupParams configures the device stream.
type SetupParams struct {
	// Scheduling selects event-driven or timer-driven wake-ups.
	Scheduling device.Scheduling

	// Format is the PCM format of the queued or captured audio.
	Format pcm.Format

	// LatencyMs is the period in milliseconds. It also sizes the leading and
	// trailing silence of the playback queue.
	LatencyMs int
}

func (p SetupParams) latency() time.Duration {
	return time.Duration(p.LatencyMs) * time.Millisecond
}

// Option configures a [Controller].
type Option func(*Controller)

// WithShareMode selects shared or exclusive device access. Default: shared.
func WithShareMode(m device.ShareMode) Option {
	return func(c *Controller) { c.shareMode = m }
}

// WithSchedulerTask selects the priority of the streaming thread.
func WithSchedulerTask(t engine.SchedulerTask) Option {
	return func(c *Controller) { c.task = t }
}

// WithMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.met = m }
}

// WithLogger sets the base logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithMaxQueueBytes bounds the bytes the playback queue may hold.
func WithMaxQueueBytes(n int) Option {
	return func(c *Controller) { c.maxQueueBytes = n }
}

// WithMaxCycleFailures bounds consecutive failed streaming cycles.
func WithMaxCycleFailures(n int) Option {
	return func(c *Controller) { c.maxFailures = n }
}

// Controller manages one stream direction of one device.
type Controller struct {
	id        uuid.UUID
	direction device.Direction
	dev       device.Device

	shareMode     device.ShareMode
	task          engine.SchedulerTask
	met           *observe.Metrics
	log           *slog.Logger
	maxQueueBytes int
	maxFailures   int

	state *engine.State

	mu           sync.Mutex
	setUp        bool
	params       SetupParams
	client       device.Client
	render       device.RenderService
	capture      device.CaptureService
	ready        chan struct{}
	bufferFrames int
	stream       *engine.Stream
}

// New creates a controller for direction on dev. It does not touch the device
// until Setup.
func New(direction device.Direction, dev device.Device, opts ...Option) *Controller {
	c := &Controller{
		id:        uuid.New(),
		direction: direction,
		dev:       dev,
		shareMode: device.Shared,
		task:      engine.TaskAudio,
	}
	for _, o := range opts {
		o(c)
	}
	if c.met == nil {
		c.met = observe.DefaultMetrics()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("session_id", c.id.String(), "direction", direction.String())

	var qopts []pcm.Option
	if c.maxQueueBytes > 0 {
		qopts = append(qopts, pcm.WithMaxBytes(c.maxQueueBytes))
	}
	c.state = engine.NewState(pcm.NewQueue(qopts...))
	return c
}

// ID returns the session identifier.
func (c *Controller) ID() string { return c.id.String() }

// Direction returns the stream direction.
func (c *Controller) Direction() device.Direction { return c.direction }

// Setup activates and initializes the device client for p.
//
// In shared mode the format must be 32-bit float; a sample rate that differs
// from the device mix format sets [device.StreamParams.RateAdjust]. When the
// device rejects the buffer size as unaligned, Setup re-queries the aligned
// size and initializes a fresh client once more.
func (c *Controller) Setup(ctx context.Context, p SetupParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.setUp {
		return ErrAlreadySetUp
	}
	return c.setupLocked(ctx, p)
}

// Reopen closes the device client and sets it up again with the parameters
// of the last successful Setup, stopping a running stream first. It may be
// retried after a failed Reopen. The playback queue, the
// capture buffer and the segment cursors are kept, so a following Start
// resumes where the stream left off.
func (c *Controller) Reopen(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.params.LatencyMs == 0 {
		return ErrNotSetUp
	}
	if c.setUp {
		if c.stream != nil {
			c.stream.Stop()
		}
		if err := c.client.Close(); err != nil {
			c.log.Warn("closing device client failed", "err", err)
		}
		c.setUp = false
	}
	return c.setupLocked(ctx, c.params)
}

func (c *Controller) setupLocked(ctx context.Context, p SetupParams) (err error) {
	ctx, span := observe.StartSessionSpan(ctx, "session.setup", c.ID(), c.direction.String())
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	start := time.Now()

	if err := p.Format.Validate(); err != nil {
		return fmt.Errorf("session: setup: %w", err)
	}
	if p.LatencyMs <= 0 {
		return fmt.Errorf("session: setup: latency %dms must be positive", p.LatencyMs)
	}

	client, params, err := c.initialize(ctx, p)
	if err != nil {
		return err
	}

	frames, err := client.BufferFrames()
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("session: setup: buffer size: %w", err)
	}

	var ready chan struct{}
	if p.Scheduling == device.EventDriven {
		ready = make(chan struct{}, 1)
		if err := client.SetEventHandle(ready); err != nil {
			_ = client.Close()
			return fmt.Errorf("session: setup: event handle: %w", err)
		}
	}

	var (
		render  device.RenderService
		capture device.CaptureService
	)
	if c.direction == device.Render {
		render, err = client.RenderService()
	} else {
		capture, err = client.CaptureService()
	}
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("session: setup: %s service: %w", c.direction, err)
	}

	c.client = client
	c.render = render
	c.capture = capture
	c.ready = ready
	c.bufferFrames = frames
	c.params = p
	c.stream = nil
	c.setUp = true

	c.met.SetupDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("direction", c.direction.String())))
	observe.LoggerFrom(ctx, c.log).Info("session set up",
		"device", c.dev.Name(),
		"format", p.Format.String(),
		"share_mode", c.shareMode.String(),
		"scheduling", p.Scheduling.String(),
		"latency_ms", p.LatencyMs,
		"buffer_frames", frames,
		"rate_adjust", params.RateAdjust,
	)
	return nil
}

// initialize activates a client and initializes it, retrying once with an
// aligned buffer size.
func (c *Controller) initialize(ctx context.Context, p SetupParams) (device.Client, device.StreamParams, error) {
	client, err := c.dev.Activate(ctx)
	if err != nil {
		return nil, device.StreamParams{}, fmt.Errorf("session: setup: activate %s: %w", c.dev.Name(), err)
	}

	params := device.StreamParams{
		ShareMode:      c.shareMode,
		Scheduling:     p.Scheduling,
		Format:         p.Format,
		BufferDuration: p.latency() * time.Duration(engine.PeriodsPerBuffer(p.Scheduling)),
	}
	if p.Scheduling == device.EventDriven && c.shareMode == device.Exclusive {
		params.Periodicity = p.latency()
	}

	if c.shareMode == device.Shared {
		if p.Format.Kind != pcm.KindFloat || p.Format.BitsPerSample != 32 {
			_ = client.Close()
			return nil, params, fmt.Errorf("session: setup: shared mode needs 32-bit float samples, got %s: %w",
				p.Format, device.ErrFormatNotSupported)
		}
		mix, err := client.MixFormat()
		if err != nil {
			_ = client.Close()
			return nil, params, fmt.Errorf("session: setup: mix format: %w", err)
		}
		params.RateAdjust = mix.SampleRate != p.Format.SampleRate
	}

	if err := client.IsFormatSupported(c.shareMode, p.Format); err != nil {
		_ = client.Close()
		return nil, params, fmt.Errorf("session: setup: %s: %w", p.Format, err)
	}

	err = client.Initialize(params)
	if errors.Is(err, device.ErrBufferSizeNotAligned) {
		frames, ferr := client.BufferFrames()
		_ = client.Close()
		if ferr != nil {
			return nil, params, fmt.Errorf("session: setup: aligned buffer size: %w", ferr)
		}
		aligned := p.Format.DurationOf(frames)
		c.log.Info("device buffer not aligned, retrying",
			"aligned_frames", frames, "aligned_period", aligned)
		params.BufferDuration = aligned
		params.Periodicity = aligned

		client, err = c.dev.Activate(ctx)
		if err != nil {
			return nil, params, fmt.Errorf("session: setup: reactivate %s: %w", c.dev.Name(), err)
		}
		err = client.Initialize(params)
	}
	if err != nil {
		_ = client.Close()
		return nil, params, fmt.Errorf("session: setup: initialize: %w", err)
	}
	return client, params, nil
}

// Unsetup stops any running stream, closes the device client and clears the
// playback queue. It is safe to call on a controller that is not set up.
func (c *Controller) Unsetup() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.setUp {
		return nil
	}
	if c.stream != nil {
		c.stream.Stop()
	}
	err := c.client.Close()
	c.state.ClearQueue()

	c.client = nil
	c.render = nil
	c.capture = nil
	c.ready = nil
	c.setUp = false
	c.log.Debug("session torn down")
	if err != nil {
		return fmt.Errorf("session: close client: %w", err)
	}
	return nil
}

// ─── Queue ───────────────────────────────────────────────────────────────────

// BeginAppend starts a new playback program in the set-up format, padded
// with one latency of leading silence.
func (c *Controller) BeginAppend() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkRender(); err != nil {
		return err
	}
	pad := pcm.PaddingFor(c.params.Format.SampleRate, c.params.LatencyMs)
	return c.state.WithQueue(func(q *pcm.Queue) error {
		return q.BeginAppend(c.params.Format, pad)
	})
}

// Append copies data into a new segment with id.
func (c *Controller) Append(id int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkRender(); err != nil {
		return err
	}
	return c.state.WithQueue(func(q *pcm.Queue) error {
		return q.Append(id, data)
	})
}

// EndAppend adds the trailing silence and seals the queue.
func (c *Controller) EndAppend() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkRender(); err != nil {
		return err
	}
	return c.state.WithQueue(func(q *pcm.Queue) error {
		return q.EndAppend()
	})
}

// SetRepeat enables or disables looping. It may be called while streaming.
func (c *Controller) SetRepeat(repeat bool) {
	c.state.SetRepeat(repeat)
}

// ClearQueue releases every queued segment.
func (c *Controller) ClearQueue() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runningLocked() {
		return ErrRunning
	}
	c.state.ClearQueue()
	return nil
}

// QueueFrames returns the frames held by the playback queue, padding
// included.
func (c *Controller) QueueFrames() int {
	var n int
	_ = c.state.WithQueue(func(q *pcm.Queue) error {
		n = q.TotalFrames()
		return nil
	})
	return n
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// Start begins streaming. A render session plays from the segment with id,
// preceded by the leading silence; other segments keep their cursors so a
// stopped program resumes where it left off. A capture session ignores id
// and records into the capture buffer from its start.
func (c *Controller) Start(ctx context.Context, id int) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.setUp {
		return ErrNotSetUp
	}
	if c.runningLocked() {
		return ErrRunning
	}

	ctx, span := observe.StartSessionSpan(ctx, "session.start", c.ID(), c.direction.String())
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if c.direction == device.Render {
		switch err := c.state.Rewind(id, engine.TrailingCycles(c.params.Scheduling)); {
		case errors.Is(err, engine.ErrUnknownSegment):
			return fmt.Errorf("%w: %d", ErrUnknownSegment, id)
		case err != nil:
			return fmt.Errorf("session: start: %w", err)
		}
	}

	if c.stream != nil {
		// The previous run left the device stopped with stale frames queued.
		if err := c.client.Reset(); err != nil {
			c.log.Warn("device reset failed", "err", err)
		}
	}
	if c.ready != nil {
		select {
		case <-c.ready:
		default:
		}
	}

	stream, err := engine.NewStream(engine.Config{
		Direction:        c.direction,
		Scheduling:       c.params.Scheduling,
		ShareMode:        c.shareMode,
		Format:           c.params.Format,
		BufferFrames:     c.bufferFrames,
		Latency:          c.params.latency(),
		Client:           c.client,
		Render:           c.render,
		Capture:          c.capture,
		Ready:            c.ready,
		Task:             c.task,
		MaxCycleFailures: c.maxFailures,
		Logger:           c.log,
		Metrics:          c.met,
	}, c.state)
	if err != nil {
		return fmt.Errorf("session: start: %w", err)
	}
	if err := stream.Start(); err != nil {
		return fmt.Errorf("session: start: %w", err)
	}
	c.stream = stream
	observe.LoggerFrom(ctx, c.log).Info("stream started", "segment_id", id)
	return nil
}

// Stop stops a running stream and waits for its loop to exit. It is a no-op
// when nothing runs.
func (c *Controller) Stop() {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream != nil {
		stream.Stop()
	}
}

// Done is closed when the current stream stops. Before the first Start it
// is already closed.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return closedCh
	}
	return c.stream.Done()
}

// Wait blocks until the current stream stops or ctx is done, and returns the
// error that ended the stream.
func (c *Controller) Wait(ctx context.Context) error {
	select {
	case <-c.Done():
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the error that ended the last stream, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil
	}
	return c.stream.Err()
}

// StopReason returns why the last stream stopped.
func (c *Controller) StopReason() engine.StopReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return engine.StopNone
	}
	return c.stream.Reason()
}

// State returns the phase of the current stream.
func (c *Controller) State() engine.StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return engine.StateIdle
	}
	return c.stream.State()
}

// IsSetUp reports whether Setup succeeded and Unsetup was not called since.
func (c *Controller) IsSetUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setUp
}

func (c *Controller) runningLocked() bool {
	if c.stream == nil {
		return false
	}
	st := c.stream.State()
	return st == engine.StateRunning || st == engine.StateDraining
}

func (c *Controller) checkRender() error {
	if !c.setUp {
		return ErrNotSetUp
	}
	if c.direction != device.Render {
		return ErrWrongDirection
	}
	return nil
}

// ─── Position ────────────────────────────────────────────────────────────────

// SetNowPlayingID jumps to the segment with id. It reports false when no
// segment has id.
func (c *Controller) SetNowPlayingID(id int) bool { return c.state.SetNowPlayingID(id) }

// NowPlayingID returns the id of the segment being played, [pcm.SilenceID]
// during padding or when idle.
func (c *Controller) NowPlayingID() int { return c.state.NowPlayingID() }

// PosFrame returns the frame position inside the segment being played.
func (c *Controller) PosFrame() int64 { return c.state.PosFrame() }

// SetPosFrame seeks inside the segment being played.
func (c *Controller) SetPosFrame(frame int64) bool { return c.state.SetPosFrame(frame) }

// TotalFrames returns the length of the segment being played.
func (c *Controller) TotalFrames() int64 { return c.state.TotalFrames() }

// ─── Capture ─────────────────────────────────────────────────────────────────

// SetupCaptureBuffer allocates a capture buffer of byteCapacity bytes,
// rounded down to whole frames.
func (c *Controller) SetupCaptureBuffer(byteCapacity int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.setUp {
		return ErrNotSetUp
	}
	if c.direction != device.Capture {
		return ErrWrongDirection
	}
	if c.runningLocked() {
		return ErrRunning
	}
	if err := c.state.SetupCapture(byteCapacity, c.params.Format.Stride()); err != nil {
		return fmt.Errorf("session: capture buffer of %d bytes: %w", byteCapacity, err)
	}
	return nil
}

// CapturedData copies the captured bytes into dst and returns the count.
func (c *Controller) CapturedData(dst []byte) int { return c.state.CapturedData(dst) }

// CapturedFrames returns the frames captured so far.
func (c *Controller) CapturedFrames() int64 { return c.state.CapturedFrames() }

// GlitchCount returns the discontinuities seen since capture started.
func (c *Controller) GlitchCount() int64 { return c.state.GlitchCount() }

// DevicePosition returns the device position of the last stored capture
// packet.
func (c *Controller) DevicePosition() uint64 { return c.state.DevicePosition() }

// Params returns the parameters of the last successful Setup.
func (c *Controller) Params() SetupParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// Format returns the set-up format.
func (c *Controller) Format() pcm.Format {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params.Format
}
