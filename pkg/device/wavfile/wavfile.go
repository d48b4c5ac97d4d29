// Package wavfile implements a virtual audio endpoint backed by a WAV file.
//
// A render endpoint writes everything the streaming loop hands it into a WAV
// file; a capture endpoint replays a WAV file as a sequence of device packets.
// With realtime pacing the endpoint consumes or produces one period of frames
// per period of wall-clock time, which makes it behave like hardware: padding
// drains over time, capture packets arrive on schedule and a loop that falls
// behind sees overruns. Without pacing the endpoint is always ready, which
// converts or records a stream as fast as the loop can cycle.
//
// Typical usage:
//
//	dev := wavfile.New("out.wav", device.Render, wavfile.WithRealtime(true))
//	client, err := dev.Activate(ctx)
package wavfile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/pcmstream/pkg/device"
	"github.com/MrWong99/pcmstream/pkg/device/ring"
	"github.com/MrWong99/pcmstream/pkg/pcm"
)

var (
	_ device.Device         = (*Device)(nil)
	_ device.Client         = (*client)(nil)
	_ device.RenderService  = renderService{}
	_ device.CaptureService = captureService{}
)

// DefaultMixFormat is reported by a render endpoint as its mix format.
var DefaultMixFormat = pcm.Format{
	SampleRate:    48000,
	BitsPerSample: 32,
	Kind:          pcm.KindFloat,
	Channels:      2,
}

// eventPeriodsPerBuffer and timerPeriodsPerBuffer split the endpoint buffer
// into periods when no explicit periodicity was requested.
const (
	eventPeriodsPerBuffer = 1
	timerPeriodsPerBuffer = 4
)

// Option configures a [Device].
type Option func(*Device)

// WithRealtime paces the endpoint by wall-clock time. The default is false.
func WithRealtime(on bool) Option {
	return func(d *Device) { d.realtime = on }
}

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.log = l
		}
	}
}

// Device is a WAV file endpoint. It is safe for concurrent use.
type Device struct {
	path      string
	direction device.Direction
	realtime  bool
	log       *slog.Logger
}

// New returns an endpoint that renders into or captures from the file at
// path. The file is only touched when a client is initialized.
func New(path string, dir device.Direction, opts ...Option) *Device {
	d := &Device{path: path, direction: dir, log: slog.Default()}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.With("backend", "wavfile", "path", path)
	return d
}

// Name implements [device.Device].
func (d *Device) Name() string { return "wav:" + d.path }

// Direction implements [device.Device].
func (d *Device) Direction() device.Direction { return d.direction }

// Info describes the endpoint for device listings.
func (d *Device) Info() device.Info {
	return device.Info{ID: d.path, Name: d.Name(), Direction: d.direction, IsDefault: true}
}

// Activate implements [device.Device].
func (d *Device) Activate(_ context.Context) (device.Client, error) {
	return &client{dev: d}, nil
}

// client is one stream on a [Device]. The streaming loop is the only caller
// of the service methods; the pacing goroutine shares state under mu.
type client struct {
	dev *Device

	mu           sync.Mutex
	format       pcm.Format
	stride       int
	bufferFrames int
	periodFrames int
	initialized  bool
	started      bool
	closed       bool
	ready        chan<- struct{}

	stop chan struct{}
	wg   sync.WaitGroup

	// render
	file    *os.File
	writer  *pcm.WAVWriter
	ring    *ring.Buffer
	scratch []byte
	pump    []byte

	// capture
	source    []byte
	readFrame int
	available int
	overrun   bool
	position  uint64
	packet    []byte
}

// MixFormat implements [device.Client]. A capture endpoint reports the format
// of its file.
func (c *client) MixFormat() (pcm.Format, error) {
	if c.dev.direction == device.Render {
		return DefaultMixFormat, nil
	}
	f, _, err := c.readSource()
	return f, err
}

// IsFormatSupported implements [device.Client].
func (c *client) IsFormatSupported(_ device.ShareMode, f pcm.Format) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("%w: %v", device.ErrFormatNotSupported, err)
	}
	if c.dev.direction == device.Render {
		if f.BitsPerSample > 32 {
			return fmt.Errorf("%w: %s", device.ErrFormatNotSupported, f)
		}
		return nil
	}
	src, _, err := c.readSource()
	if err != nil {
		return err
	}
	if src.SampleRate != f.SampleRate || src.Channels != f.Channels ||
		src.BitsPerSample != f.BitsPerSample || src.Kind != f.Kind {
		return fmt.Errorf("%w: file is %s, requested %s", device.ErrFormatNotSupported, src, f)
	}
	return nil
}

// Initialize implements [device.Client].
func (c *client) Initialize(p device.StreamParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return device.ErrClosed
	}
	if c.initialized {
		return fmt.Errorf("wavfile: client already initialized")
	}
	if err := c.IsFormatSupported(p.ShareMode, p.Format); err != nil {
		return err
	}

	frames := p.Format.FramesFor(p.BufferDuration)
	if frames <= 0 {
		return fmt.Errorf("wavfile: buffer duration %v is below one frame", p.BufferDuration)
	}
	period := frames / eventPeriodsPerBuffer
	if p.Scheduling == device.TimerDriven {
		period = max(frames/timerPeriodsPerBuffer, 1)
	}
	if p.Periodicity > 0 {
		period = min(max(p.Format.FramesFor(p.Periodicity), 1), frames)
	}

	c.format = p.Format
	c.stride = p.Format.Stride()
	c.bufferFrames = frames
	c.periodFrames = period

	if c.dev.direction == device.Render {
		if err := c.openRender(); err != nil {
			return err
		}
	} else {
		_, data, err := c.readSource()
		if err != nil {
			return err
		}
		c.source = data
		c.packet = make([]byte, period*c.stride)
	}
	c.initialized = true
	c.dev.log.Debug("wavfile: client initialized",
		"format", p.Format.String(), "buffer_frames", frames, "period_frames", period, "realtime", c.dev.realtime)
	return nil
}

func (c *client) openRender() error {
	f, err := os.Create(c.dev.path)
	if err != nil {
		return fmt.Errorf("wavfile: create %q: %w", c.dev.path, err)
	}
	w, err := pcm.NewWAVWriter(f, c.format)
	if err != nil {
		_ = f.Close()
		return err
	}
	c.file = f
	c.writer = w
	c.scratch = make([]byte, c.bufferFrames*c.stride)
	if c.dev.realtime {
		c.ring = ring.New(c.bufferFrames * c.stride)
		c.pump = make([]byte, c.periodFrames*c.stride)
	}
	return nil
}

// readSource decodes the capture file.
func (c *client) readSource() (pcm.Format, []byte, error) {
	f, err := os.Open(c.dev.path)
	if err != nil {
		return pcm.Format{}, nil, fmt.Errorf("wavfile: open %q: %w", c.dev.path, err)
	}
	defer f.Close()
	format, data, err := pcm.ReadWAV(f)
	if err != nil {
		return pcm.Format{}, nil, fmt.Errorf("wavfile: read %q: %w", c.dev.path, err)
	}
	return format, data, nil
}

// BufferFrames implements [device.Client].
func (c *client) BufferFrames() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return 0, device.ErrNotInitialized
	}
	return c.bufferFrames, nil
}

// SetEventHandle implements [device.Client].
func (c *client) SetEventHandle(ready chan<- struct{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return device.ErrNotInitialized
	}
	c.ready = ready
	return nil
}

// Padding implements [device.Client].
func (c *client) Padding() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return 0, device.ErrNotInitialized
	}
	if c.dev.direction == device.Capture {
		return c.pendingLocked(), nil
	}
	if c.ring == nil {
		return 0, nil
	}
	return c.ring.Available() / c.stride, nil
}

// RenderService implements [device.Client].
func (c *client) RenderService() (device.RenderService, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil, device.ErrNotInitialized
	}
	if c.dev.direction != device.Render {
		return nil, fmt.Errorf("wavfile: render service on a capture endpoint")
	}
	return renderService{c}, nil
}

// CaptureService implements [device.Client].
func (c *client) CaptureService() (device.CaptureService, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil, device.ErrNotInitialized
	}
	if c.dev.direction != device.Capture {
		return nil, fmt.Errorf("wavfile: capture service on a render endpoint")
	}
	return captureService{c}, nil
}

// Start implements [device.Client].
func (c *client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return device.ErrClosed
	}
	if !c.initialized {
		return device.ErrNotInitialized
	}
	if c.started {
		return nil
	}
	c.started = true
	if c.dev.realtime {
		c.stop = make(chan struct{})
		c.wg.Add(1)
		go c.pace(c.stop, c.format.DurationOf(c.periodFrames))
	} else {
		c.signalLocked()
	}
	return nil
}

// Stop implements [device.Client].
func (c *client) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

// Reset implements [device.Client].
func (c *client) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("wavfile: reset of a running client")
	}
	if c.ring != nil {
		c.ring.Reset()
	}
	c.available = 0
	c.overrun = false
	return nil
}

// Close implements [device.Client]. A render endpoint finalizes its file.
func (c *client) Close() error {
	_ = c.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.writer == nil {
		return nil
	}
	if c.ring != nil {
		// Frames still queued would have been played out.
		if err := c.flushLocked(c.ring.Available()); err != nil {
			_ = c.file.Close()
			return err
		}
	}
	werr := c.writer.Close()
	ferr := c.file.Close()
	if werr != nil {
		return werr
	}
	if ferr != nil {
		return fmt.Errorf("wavfile: close %q: %w", c.dev.path, ferr)
	}
	c.dev.log.Debug("wavfile: render file finalized", "frames", c.writer.Frames())
	return nil
}

// ─── render ──────────────────────────────────────────────────────────────────

type renderService struct{ c *client }

// GetBuffer implements [device.RenderService].
func (r renderService) GetBuffer(frames int) ([]byte, error) {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()
	free := c.bufferFrames
	if c.ring != nil {
		free = c.ring.Free() / c.stride
	}
	if frames < 0 || frames > free {
		return nil, fmt.Errorf("wavfile: buffer of %d frames requested, %d free", frames, free)
	}
	return c.scratch[:frames*c.stride], nil
}

// ReleaseBuffer implements [device.RenderService].
func (r renderService) ReleaseBuffer(frames int, flags device.BufferFlags) error {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if frames < 0 || frames > c.bufferFrames {
		return fmt.Errorf("wavfile: release of %d frames exceeds the buffer", frames)
	}
	data := c.scratch[:frames*c.stride]
	if flags.Has(device.FlagSilent) {
		clear(data)
	}
	if c.ring != nil {
		if n := c.ring.Write(data); n != len(data) {
			return fmt.Errorf("wavfile: ring overrun, %d of %d bytes queued", n, len(data))
		}
		return nil
	}
	if _, err := c.writer.Write(data); err != nil {
		return err
	}
	if c.started {
		c.signalLocked()
	}
	return nil
}

// flushLocked moves n buffered bytes from the ring into the file.
func (c *client) flushLocked(n int) error {
	for n > 0 {
		chunk := c.pump[:min(n, len(c.pump))]
		got := c.ring.Read(chunk)
		if got == 0 {
			return nil
		}
		if _, err := c.writer.Write(chunk[:got]); err != nil {
			return err
		}
		n -= got
	}
	return nil
}

// ─── capture ─────────────────────────────────────────────────────────────────

type captureService struct{ c *client }

// pendingLocked returns the frames of the next capture packet.
func (c *client) pendingLocked() int {
	if !c.started {
		return 0
	}
	if !c.dev.realtime {
		return c.periodFrames
	}
	if c.available >= c.periodFrames {
		return c.periodFrames
	}
	return 0
}

// NextPacketSize implements [device.CaptureService].
func (s captureService) NextPacketSize() (int, error) {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked(), nil
}

// GetBuffer implements [device.CaptureService]. Once the file is exhausted
// packets are flagged silent.
func (s captureService) GetBuffer() (device.Packet, error) {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()

	frames := c.pendingLocked()
	if frames == 0 {
		return device.Packet{}, fmt.Errorf("wavfile: no packet pending")
	}
	pkt := device.Packet{Frames: frames, DevicePosition: c.position}
	if c.overrun {
		pkt.Flags |= device.FlagDiscontinuity
		c.overrun = false
	}

	total := len(c.source) / c.stride
	if c.readFrame >= total {
		pkt.Flags |= device.FlagSilent
	} else {
		n := min(frames, total-c.readFrame)
		copy(c.packet, c.source[c.readFrame*c.stride:(c.readFrame+n)*c.stride])
		clear(c.packet[n*c.stride:])
		pkt.Data = c.packet[:frames*c.stride]
	}
	c.readFrame += frames
	c.position += uint64(frames)
	if c.dev.realtime {
		c.available -= frames
	}
	return pkt, nil
}

// ReleaseBuffer implements [device.CaptureService].
func (s captureService) ReleaseBuffer(frames int) error {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if frames < 0 || frames > c.periodFrames {
		return fmt.Errorf("wavfile: release of %d frames exceeds the packet", frames)
	}
	if c.started && !c.dev.realtime {
		c.signalLocked()
	}
	return nil
}

// ─── pacing ──────────────────────────────────────────────────────────────────

// pace advances the endpoint by one period per tick until stop is closed.
func (c *client) pace(stop <-chan struct{}, period time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.tick(); err != nil {
				c.dev.log.Warn("wavfile: pacing failed", "err", err)
			}
		}
	}
}

func (c *client) tick() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dev.direction == device.Render {
		want := c.periodFrames * c.stride
		have := min(c.ring.Available(), want)
		if err := c.flushLocked(have); err != nil {
			return err
		}
		if have < want {
			// The endpoint plays silence for frames it was not given.
			clear(c.pump[have:want])
			if _, err := c.writer.Write(c.pump[have:want]); err != nil {
				return err
			}
		}
		c.signalLocked()
		return nil
	}

	c.available += c.periodFrames
	if c.available > c.bufferFrames {
		// The loop fell behind; the oldest period is lost.
		c.available = c.bufferFrames
		c.overrun = true
		c.readFrame += c.periodFrames
		c.position += uint64(c.periodFrames)
	}
	if c.available >= c.periodFrames {
		c.signalLocked()
	}
	return nil
}

func (c *client) signalLocked() {
	if c.ready == nil {
		return
	}
	select {
	case c.ready <- struct{}{}:
	default:
	}
}
