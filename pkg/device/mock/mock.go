// Package mock provides in-memory implementations of the [device.Device],
// [device.Client], [device.RenderService] and [device.CaptureService]
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record calls so that tests can
// assert on call counts and arguments, and expose fields the test sets to
// control return values.
//
// Typical usage:
//
//	dev := &mock.Device{
//	    DirectionResult: device.Render,
//	    Template: mock.Client{
//	        MixFormatResult:    format,
//	        BufferFramesResult: 441,
//	        AutoSignal:         true,
//	    },
//	}
//	client, _ := dev.Activate(ctx)
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/pcmstream/pkg/device"
	"github.com/MrWong99/pcmstream/pkg/pcm"
)

var (
	_ device.Device         = (*Device)(nil)
	_ device.Client         = (*Client)(nil)
	_ device.RenderService  = (*RenderService)(nil)
	_ device.CaptureService = (*CaptureService)(nil)
)

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [device.Device]. Every Activate call
// returns a fresh [Client] copied from Template.
type Device struct {
	mu sync.Mutex

	// NameResult is returned by [Device.Name]. Defaults to "mock".
	NameResult string

	// DirectionResult is returned by [Device.Direction].
	DirectionResult device.Direction

	// ActivateErr is returned by [Device.Activate] when non-nil.
	ActivateErr error

	// Template configures each activated client. Its mutex and call records
	// are not copied.
	Template Client

	// InitErrors are handed out one per activated client, in order, as that
	// client's InitializeErr. Once exhausted clients use Template.InitializeErr.
	InitErrors []error

	// Clients records every client returned by Activate.
	Clients []*Client

	// CallCountActivate records how many times Activate was called.
	CallCountActivate int
}

// Name implements [device.Device].
func (d *Device) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.NameResult == "" {
		return "mock"
	}
	return d.NameResult
}

// Direction implements [device.Device].
func (d *Device) Direction() device.Direction {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.DirectionResult
}

// Activate implements [device.Device].
func (d *Device) Activate(_ context.Context) (device.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountActivate++
	if d.ActivateErr != nil {
		return nil, d.ActivateErr
	}

	c := &Client{
		MixFormatResult:     d.Template.MixFormatResult,
		FormatSupportedErr:  d.Template.FormatSupportedErr,
		InitializeErr:       d.Template.InitializeErr,
		BufferFramesResult:  d.Template.BufferFramesResult,
		AlignedBufferFrames: d.Template.AlignedBufferFrames,
		PaddingResult:       d.Template.PaddingResult,
		GetBufferErr:        d.Template.GetBufferErr,
		PaddingErr:          d.Template.PaddingErr,
		StartErr:            d.Template.StartErr,
		Packets:             append([]device.Packet(nil), d.Template.Packets...),
		AutoSignal:          d.Template.AutoSignal,
	}
	if len(d.InitErrors) > 0 {
		c.InitializeErr = d.InitErrors[0]
		d.InitErrors = d.InitErrors[1:]
	}
	d.Clients = append(d.Clients, c)
	return c, nil
}

// Last returns the most recently activated client, or nil.
func (d *Device) Last() *Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Clients) == 0 {
		return nil
	}
	return d.Clients[len(d.Clients)-1]
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is a mock implementation of [device.Client]. Set the exported
// fields before use; inspect the recorded fields after.
type Client struct {
	mu sync.Mutex

	// MixFormatResult is returned by [Client.MixFormat].
	MixFormatResult pcm.Format

	// FormatSupportedErr is returned by [Client.IsFormatSupported].
	FormatSupportedErr error

	// InitializeErr is returned by [Client.Initialize].
	InitializeErr error

	// BufferFramesResult is returned by [Client.BufferFrames] after a
	// successful Initialize.
	BufferFramesResult int

	// AlignedBufferFrames is returned by [Client.BufferFrames] after
	// Initialize failed with [device.ErrBufferSizeNotAligned].
	AlignedBufferFrames int

	// PaddingResult is returned by [Client.Padding].
	PaddingResult int

	// PaddingErr is returned by [Client.Padding] when non-nil.
	PaddingErr error

	// GetBufferErr is returned by both services' GetBuffer when non-nil.
	GetBufferErr error

	// StartErr is returned by [Client.Start] when non-nil.
	StartErr error

	// Packets are delivered in order by the capture service.
	Packets []device.Packet

	// AutoSignal makes the client fire the ready channel on Start and after
	// every released buffer, which drives an event-driven loop at full speed.
	AutoSignal bool

	// InitParams records the params of every Initialize call.
	InitParams []device.StreamParams

	// Rendered accumulates every released render frame. Silent releases
	// append zeros.
	Rendered []byte

	// Released records the frame count of every ReleaseBuffer call.
	Released []int

	// Captured records the frame count of every capture ReleaseBuffer call.
	Captured []int

	// CallCountGetBuffer records how many times either GetBuffer was called.
	CallCountGetBuffer int

	// CallCountStart, CallCountStop, CallCountReset and CallCountClose
	// record lifecycle calls.
	CallCountStart int
	CallCountStop  int
	CallCountReset int
	CallCountClose int

	initialized bool
	misaligned  bool
	format      pcm.Format
	ready       chan<- struct{}
	pending     []byte
	pendingN    int
	position    uint64
}

// MixFormat implements [device.Client].
func (c *Client) MixFormat() (pcm.Format, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.MixFormatResult, nil
}

// IsFormatSupported implements [device.Client].
func (c *Client) IsFormatSupported(_ device.ShareMode, _ pcm.Format) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.FormatSupportedErr
}

// Initialize implements [device.Client].
func (c *Client) Initialize(p device.StreamParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.InitParams = append(c.InitParams, p)
	if c.InitializeErr != nil {
		c.misaligned = errors.Is(c.InitializeErr, device.ErrBufferSizeNotAligned)
		return c.InitializeErr
	}
	c.initialized = true
	c.format = p.Format
	return nil
}

// BufferFrames implements [device.Client].
func (c *Client) BufferFrames() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.misaligned {
		return c.AlignedBufferFrames, nil
	}
	if !c.initialized {
		return 0, device.ErrNotInitialized
	}
	return c.BufferFramesResult, nil
}

// SetEventHandle implements [device.Client].
func (c *Client) SetEventHandle(ready chan<- struct{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
	return nil
}

// Padding implements [device.Client].
func (c *Client) Padding() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PaddingErr != nil {
		return 0, c.PaddingErr
	}
	return c.PaddingResult, nil
}

// RenderService implements [device.Client].
func (c *Client) RenderService() (device.RenderService, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil, device.ErrNotInitialized
	}
	return &RenderService{c: c}, nil
}

// CaptureService implements [device.Client].
func (c *Client) CaptureService() (device.CaptureService, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil, device.ErrNotInitialized
	}
	return &CaptureService{c: c}, nil
}

// Start implements [device.Client].
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStart++
	if c.StartErr != nil {
		return c.StartErr
	}
	if c.AutoSignal {
		c.signalLocked()
	}
	return nil
}

// Stop implements [device.Client].
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStop++
	return nil
}

// Reset implements [device.Client].
func (c *Client) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountReset++
	return nil
}

// Close implements [device.Client].
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	return nil
}

// Signal fires the registered ready channel without blocking.
func (c *Client) Signal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signalLocked()
}

// SetGetBufferErr changes GetBufferErr while a stream is running.
func (c *Client) SetGetBufferErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.GetBufferErr = err
}

// RenderedBytes returns a copy of Rendered.
func (c *Client) RenderedBytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.Rendered...)
}

// Counts returns the lifecycle call counters.
func (c *Client) Counts() (start, stop, reset, closed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountStart, c.CallCountStop, c.CallCountReset, c.CallCountClose
}

// ReleasedFrames returns a copy of Released.
func (c *Client) ReleasedFrames() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.Released...)
}

func (c *Client) signalLocked() {
	if c.ready == nil {
		return
	}
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// ─── Render ───────────────────────────────────────────────────────────────────

// RenderService is the mock render side of a [Client].
type RenderService struct {
	c *Client
}

// GetBuffer implements [device.RenderService].
func (r *RenderService) GetBuffer(frames int) ([]byte, error) {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountGetBuffer++
	if c.GetBufferErr != nil {
		return nil, c.GetBufferErr
	}
	c.pending = make([]byte, frames*c.format.Stride())
	// Stale content the caller must overwrite.
	for i := range c.pending {
		c.pending[i] = 0xAA
	}
	c.pendingN = frames
	return c.pending, nil
}

// ReleaseBuffer implements [device.RenderService].
func (r *RenderService) ReleaseBuffer(frames int, flags device.BufferFlags) error {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()
	n := frames * c.format.Stride()
	if flags.Has(device.FlagSilent) {
		c.Rendered = append(c.Rendered, make([]byte, n)...)
	} else {
		c.Rendered = append(c.Rendered, c.pending[:n]...)
	}
	c.Released = append(c.Released, frames)
	c.pending = nil
	if c.AutoSignal {
		c.signalLocked()
	}
	return nil
}

// ─── Capture ──────────────────────────────────────────────────────────────────

// CaptureService is the mock capture side of a [Client].
type CaptureService struct {
	c *Client
}

// NextPacketSize implements [device.CaptureService].
func (s *CaptureService) NextPacketSize() (int, error) {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Packets) == 0 {
		return 0, nil
	}
	return c.Packets[0].Frames, nil
}

// GetBuffer implements [device.CaptureService].
func (s *CaptureService) GetBuffer() (device.Packet, error) {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountGetBuffer++
	if c.GetBufferErr != nil {
		return device.Packet{}, c.GetBufferErr
	}
	if len(c.Packets) == 0 {
		return device.Packet{}, nil
	}
	p := c.Packets[0]
	c.Packets = c.Packets[1:]
	p.DevicePosition = c.position
	c.position += uint64(p.Frames)
	return p, nil
}

// ReleaseBuffer implements [device.CaptureService].
func (s *CaptureService) ReleaseBuffer(frames int) error {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Captured = append(c.Captured, frames)
	if c.AutoSignal && len(c.Packets) > 0 {
		c.signalLocked()
	}
	return nil
}

// CapturedFrames returns a copy of Captured.
func (c *Client) CapturedFrames() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.Captured...)
}
