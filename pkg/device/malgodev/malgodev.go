// Package malgodev drives real audio hardware through miniaudio.
//
// miniaudio delivers audio through a callback running on its own thread.
// Each client puts a [ring.Buffer] the size of the endpoint buffer between
// that callback and the streaming loop, and signals the loop's ready channel
// after every callback, so the callback side looks like a shared-buffer
// endpoint with padding and packets.
package malgodev

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

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

// ErrDeviceLost is returned once the hardware stopped on its own, for example
// because it was unplugged.
var ErrDeviceLost = errors.New("malgodev: device stopped unexpectedly")

// fallbackMixFormat is reported when the endpoint lists no native format.
var fallbackMixFormat = pcm.Format{SampleRate: 48000, BitsPerSample: 32, Kind: pcm.KindFloat, Channels: 2}

// Option configures a [Device].
type Option func(*Device)

// WithBackends sets the miniaudio backend priority list.
func WithBackends(b []malgo.Backend) Option {
	return func(d *Device) { d.backends = b }
}

// WithDeviceName selects the first endpoint whose name contains name, ignoring
// case. The default endpoint is used when the name is empty.
func WithDeviceName(name string) Option {
	return func(d *Device) { d.name = name }
}

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.log = l
		}
	}
}

// Device is a miniaudio playback or capture endpoint.
type Device struct {
	direction device.Direction
	backends  []malgo.Backend
	name      string
	log       *slog.Logger
}

// New returns an endpoint for dir.
func New(dir device.Direction, opts ...Option) *Device {
	d := &Device{direction: dir, log: slog.Default()}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.With("backend", "malgo")
	return d
}

// Name implements [device.Device].
func (d *Device) Name() string {
	if d.name == "" {
		return "default " + d.direction.String() + " device"
	}
	return d.name
}

// Direction implements [device.Device].
func (d *Device) Direction() device.Direction { return d.direction }

// Activate implements [device.Device]. It opens a miniaudio context and
// resolves the endpoint.
func (d *Device) Activate(ctx context.Context) (device.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mctx, err := malgo.InitContext(d.backends, malgo.ContextConfig{}, func(msg string) {
		d.log.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, translate("init context", err)
	}

	c := &client{dev: d, mctx: mctx}
	info, err := d.resolve(mctx)
	if err != nil {
		c.freeContext()
		return nil, err
	}
	c.info = info
	return c, nil
}

// resolve finds the endpoint matching the configured name, or the default.
func (d *Device) resolve(mctx *malgo.AllocatedContext) (malgo.DeviceInfo, error) {
	typ := deviceType(d.direction)
	infos, err := mctx.Devices(typ)
	if err != nil {
		return malgo.DeviceInfo{}, translate("enumerate", err)
	}
	var found *malgo.DeviceInfo
	for i := range infos {
		if (d.name == "" && infos[i].IsDefault == 1) || (d.name != "" && nameMatches(infos[i].Name(), d.name)) {
			found = &infos[i]
			break
		}
	}
	if found == nil && d.name == "" && len(infos) > 0 {
		found = &infos[0]
	}
	if found == nil {
		return malgo.DeviceInfo{}, fmt.Errorf("malgodev: no %s device named %q", d.direction, d.name)
	}
	full, err := mctx.DeviceInfo(typ, found.ID, malgo.Shared)
	if err != nil {
		d.log.Warn("malgodev: cannot query device info", "device", found.Name(), "err", err)
		return *found, nil
	}
	return full, nil
}

// nameMatches reports whether want is a case-insensitive substring of name.
func nameMatches(name, want string) bool {
	return strings.Contains(strings.ToLower(name), strings.ToLower(want))
}

// List enumerates the playback and capture endpoints of the given backends.
func List(backends []malgo.Backend) ([]device.Info, error) {
	mctx, err := malgo.InitContext(backends, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, translate("init context", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	var out []device.Info
	for _, dir := range []device.Direction{device.Render, device.Capture} {
		infos, err := mctx.Devices(deviceType(dir))
		if err != nil {
			return nil, translate("enumerate", err)
		}
		seen := make(map[malgo.DeviceID]struct{}, len(infos))
		for _, di := range infos {
			if _, dup := seen[di.ID]; dup {
				continue
			}
			seen[di.ID] = struct{}{}
			if full, err := mctx.DeviceInfo(deviceType(dir), di.ID, malgo.Shared); err == nil {
				di = full
			}
			info := device.Info{
				ID:        di.ID.String(),
				Name:      di.Name(),
				Direction: dir,
				IsDefault: di.IsDefault == 1,
			}
			for _, df := range di.Formats {
				if f, ok := fromDataFormat(df); ok {
					info.Formats = append(info.Formats, f)
				}
			}
			out = append(out, info)
		}
	}
	return out, nil
}

// client is one miniaudio stream. The data callback and the streaming loop
// meet in the ring; everything else runs on the loop or controller goroutine.
type client struct {
	dev  *Device
	mctx *malgo.AllocatedContext
	info malgo.DeviceInfo

	mu           sync.Mutex
	hw           *malgo.Device
	format       pcm.Format
	stride       int
	bufferFrames int
	periodFrames int
	closed       bool

	ring    *ring.Buffer
	scratch []byte
	ready   atomic.Pointer[chan<- struct{}]

	running   atomic.Bool
	lost      atomic.Bool
	overrun   atomic.Bool
	dropped   atomic.Uint64
	underruns atomic.Uint64
}

// MixFormat implements [device.Client].
func (c *client) MixFormat() (pcm.Format, error) {
	for _, df := range c.info.Formats {
		if f, ok := fromDataFormat(df); ok && f.SampleRate > 0 && f.Channels > 0 {
			return f, nil
		}
	}
	return fallbackMixFormat, nil
}

// IsFormatSupported implements [device.Client]. miniaudio converts in
// shared mode, so only exclusive mode is checked against native formats.
func (c *client) IsFormatSupported(mode device.ShareMode, f pcm.Format) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("%w: %v", device.ErrFormatNotSupported, err)
	}
	if _, err := toMalgoFormat(f); err != nil {
		return err
	}
	if mode == device.Shared || len(c.info.Formats) == 0 {
		return nil
	}
	for _, df := range c.info.Formats {
		if matches(df, f) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s in exclusive mode", device.ErrFormatNotSupported, f)
}

// Initialize implements [device.Client].
func (c *client) Initialize(p device.StreamParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return device.ErrClosed
	}
	if c.hw != nil {
		return fmt.Errorf("malgodev: client already initialized")
	}
	if err := c.IsFormatSupported(p.ShareMode, p.Format); err != nil {
		return err
	}
	mf, _ := toMalgoFormat(p.Format)

	frames := p.Format.FramesFor(p.BufferDuration)
	if frames <= 0 {
		return fmt.Errorf("malgodev: buffer duration %v is below one frame", p.BufferDuration)
	}
	period := frames
	if p.Scheduling == device.TimerDriven {
		period = max(frames/4, 1)
	}
	if p.Periodicity > 0 {
		period = min(max(p.Format.FramesFor(p.Periodicity), 1), frames)
	}

	cfg := malgo.DefaultDeviceConfig(deviceType(c.dev.direction))
	cfg.SampleRate = uint32(p.Format.SampleRate)
	cfg.PeriodSizeInFrames = uint32(period)
	cfg.Periods = uint32(max(frames/period, 1))
	cfg.PerformanceProfile = malgo.LowLatency
	cfg.Alsa.NoMMap = 1
	if !p.RateAdjust {
		cfg.Wasapi.NoAutoConvertSRC = 1
	}
	sub := malgo.SubConfig{
		DeviceID:  c.info.ID.Pointer(),
		Format:    mf,
		Channels:  uint32(p.Format.Channels),
		ShareMode: shareMode(p.ShareMode),
	}
	if c.dev.direction == device.Capture {
		cfg.Capture = sub
	} else {
		cfg.Playback = sub
	}

	c.format = p.Format
	c.stride = p.Format.Stride()
	c.bufferFrames = frames
	c.periodFrames = period
	c.ring = ring.New(frames * c.stride)
	c.scratch = make([]byte, frames*c.stride)

	hw, err := malgo.InitDevice(c.mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: c.onData,
		Stop: c.onStop,
	})
	if err != nil {
		return translate("init device", err)
	}
	c.hw = hw
	c.dev.log.Debug("malgodev: device initialized",
		"device", c.info.Name(), "format", p.Format.String(),
		"share_mode", p.ShareMode.String(), "buffer_frames", frames, "period_frames", period)
	return nil
}

// BufferFrames implements [device.Client].
func (c *client) BufferFrames() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hw == nil {
		return 0, device.ErrNotInitialized
	}
	return c.bufferFrames, nil
}

// SetEventHandle implements [device.Client].
func (c *client) SetEventHandle(ready chan<- struct{}) error {
	c.ready.Store(&ready)
	return nil
}

// Padding implements [device.Client].
func (c *client) Padding() (int, error) {
	if c.lost.Load() {
		return 0, ErrDeviceLost
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ring == nil {
		return 0, device.ErrNotInitialized
	}
	return c.ring.Available() / c.stride, nil
}

// RenderService implements [device.Client].
func (c *client) RenderService() (device.RenderService, error) {
	if c.dev.direction != device.Render {
		return nil, fmt.Errorf("malgodev: render service on a capture device")
	}
	if _, err := c.BufferFrames(); err != nil {
		return nil, err
	}
	return renderService{c}, nil
}

// CaptureService implements [device.Client].
func (c *client) CaptureService() (device.CaptureService, error) {
	if c.dev.direction != device.Capture {
		return nil, fmt.Errorf("malgodev: capture service on a render device")
	}
	if _, err := c.BufferFrames(); err != nil {
		return nil, err
	}
	return captureService{c, make([]byte, c.periodFrames*c.stride)}, nil
}

// Start implements [device.Client].
func (c *client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return device.ErrClosed
	}
	if c.hw == nil {
		return device.ErrNotInitialized
	}
	c.lost.Store(false)
	c.running.Store(true)
	if err := c.hw.Start(); err != nil {
		c.running.Store(false)
		return translate("start", err)
	}
	return nil
}

// Stop implements [device.Client].
func (c *client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hw == nil || !c.running.Swap(false) {
		return nil
	}
	if err := c.hw.Stop(); err != nil {
		return translate("stop", err)
	}
	if n := c.underruns.Swap(0); n > 0 {
		c.dev.log.Debug("malgodev: render underruns", "count", n)
	}
	return nil
}

// Reset implements [device.Client].
func (c *client) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running.Load() {
		return fmt.Errorf("malgodev: reset of a running device")
	}
	if c.ring != nil {
		c.ring.Reset()
	}
	c.overrun.Store(false)
	c.dropped.Store(0)
	return nil
}

// Close implements [device.Client].
func (c *client) Close() error {
	_ = c.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.hw != nil {
		c.hw.Uninit()
		c.hw = nil
	}
	c.freeContext()
	return nil
}

func (c *client) freeContext() {
	_ = c.mctx.Uninit()
	c.mctx.Free()
}

// ─── callbacks ───────────────────────────────────────────────────────────────

// onData runs on the miniaudio thread.
func (c *client) onData(out, in []byte, _ uint32) {
	if out != nil {
		c.fill(out)
	}
	if in != nil {
		c.record(in)
	}
	c.signal()
}

// fill copies buffered render frames into out and plays silence for the
// rest.
func (c *client) fill(out []byte) {
	n := c.ring.Read(out)
	if n < len(out) {
		clear(out[n:])
		if c.running.Load() {
			c.underruns.Add(1)
		}
	}
}

// record queues captured frames, dropping what does not fit.
func (c *client) record(in []byte) {
	n := c.ring.Write(in)
	if n < len(in) {
		c.overrun.Store(true)
		c.dropped.Add(uint64((len(in) - n) / c.stride))
	}
}

func (c *client) signal() {
	p := c.ready.Load()
	if p == nil || *p == nil {
		return
	}
	select {
	case *p <- struct{}{}:
	default:
	}
}

// onStop runs when miniaudio stops the device, including after Stop.
func (c *client) onStop() {
	if c.running.Load() {
		c.lost.Store(true)
		c.dev.log.Warn("malgodev: device stopped unexpectedly", "device", c.info.Name())
		c.signal()
	}
}

// ─── services ────────────────────────────────────────────────────────────────

type renderService struct{ c *client }

// GetBuffer implements [device.RenderService].
func (r renderService) GetBuffer(frames int) ([]byte, error) {
	c := r.c
	if c.lost.Load() {
		return nil, ErrDeviceLost
	}
	if free := c.ring.Free() / c.stride; frames < 0 || frames > free {
		return nil, fmt.Errorf("malgodev: buffer of %d frames requested, %d free", frames, free)
	}
	return c.scratch[:frames*c.stride], nil
}

// ReleaseBuffer implements [device.RenderService].
func (r renderService) ReleaseBuffer(frames int, flags device.BufferFlags) error {
	c := r.c
	data := c.scratch[:frames*c.stride]
	if flags.Has(device.FlagSilent) {
		clear(data)
	}
	if n := c.ring.Write(data); n != len(data) {
		return fmt.Errorf("malgodev: ring overrun, %d of %d bytes queued", n, len(data))
	}
	return nil
}

type captureService struct {
	c      *client
	packet []byte
}

// NextPacketSize implements [device.CaptureService].
func (s captureService) NextPacketSize() (int, error) {
	c := s.c
	if c.lost.Load() {
		return 0, ErrDeviceLost
	}
	return min(c.ring.Available()/c.stride, c.periodFrames), nil
}

// GetBuffer implements [device.CaptureService].
func (s captureService) GetBuffer() (device.Packet, error) {
	c := s.c
	if c.lost.Load() {
		return device.Packet{}, ErrDeviceLost
	}
	frames := min(c.ring.Available()/c.stride, c.periodFrames)
	pos := c.ring.TotalRead()/uint64(c.stride) + c.dropped.Load()
	n := c.ring.Read(s.packet[:frames*c.stride])
	pkt := device.Packet{
		Data:           s.packet[:n],
		Frames:         n / c.stride,
		DevicePosition: pos,
	}
	if c.overrun.Swap(false) {
		pkt.Flags |= device.FlagDiscontinuity
	}
	return pkt, nil
}

// ReleaseBuffer implements [device.CaptureService]. Frames are consumed by
// GetBuffer already.
func (s captureService) ReleaseBuffer(frames int) error {
	if frames < 0 || frames > s.c.periodFrames {
		return fmt.Errorf("malgodev: release of %d frames exceeds the packet", frames)
	}
	return nil
}
