// Package engine moves PCM frames between a [pcm.Queue] and a device buffer
// in real time.
//
// [State] is the buffer bridge: it owns the segment queue, the now-playing
// position and the capture buffer, all guarded by one mutex that the
// streaming loop holds only for the frame copy of a single cycle. [Stream] is
// the streaming loop: one goroutine per active direction, locked to its OS
// thread, woken by a device event or a timer.
package engine

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/pcmstream/pkg/device"
	"github.com/MrWong99/pcmstream/pkg/pcm"
)

var (
	// ErrUnknownSegment is returned when no segment carries the requested id.
	ErrUnknownSegment = errors.New("engine: unknown segment id")

	// ErrEmptyQueue is returned when starting playback of an empty queue.
	ErrEmptyQueue = errors.New("engine: segment queue is empty")

	// ErrNoCaptureBuffer is returned when capture starts before a capture
	// buffer was set up.
	ErrNoCaptureBuffer = errors.New("engine: capture buffer not set up")
)

// State is the shared state between the controlling goroutine and the
// streaming loop.
//
// Every mutation of the now-playing index, segment cursors, chain links and
// the capture cursor happens under mu. Position queries are served from
// atomics published at the end of each mutation, so pollers never contend
// with the real-time path.
type State struct {
	mu         sync.Mutex
	queue      *pcm.Queue
	nowPlaying int
	capture    *pcm.Segment
	trailing   int // configured trailing cycles
	remaining  int // trailing cycles left once the chain is exhausted
	draining   bool

	glitches    atomic.Int64
	playingID   atomic.Int64
	position    atomic.Int64
	frames      atomic.Int64
	devicePos   atomic.Uint64
	captureHead atomic.Int64
}

// NewState wraps q. q must not be used directly afterwards except through
// [State.WithQueue].
func NewState(q *pcm.Queue) *State {
	s := &State{queue: q, nowPlaying: pcm.None}
	s.publishLocked()
	return s
}

// WithQueue runs fn with exclusive access to the queue.
func (s *State) WithQueue(fn func(q *pcm.Queue) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.queue)
}

// SetRepeat rewires the chain. It is safe while a stream runs; the segment
// chosen by [State.Rewind] still follows the leading silence.
func (s *State) SetRepeat(repeat bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.SetRepeat(repeat)
}

// ClearQueue releases every segment and forgets the now-playing position.
func (s *State) ClearQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.Clear()
	s.nowPlaying = pcm.None
	s.publishLocked()
}

// Rewind prepares playback of the segment with id: the leading silence, when
// present, is linked straight to it and becomes the now-playing segment.
// trailing is the number of empty cycles run once the chain is exhausted.
func (s *State) Rewind(id, trailing int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue.Len() == 0 {
		return ErrEmptyQueue
	}
	idx, ok := s.queue.Find(id)
	if !ok {
		return ErrUnknownSegment
	}

	first := idx
	if lead := s.queue.At(0); idx != 0 && lead.ID() == pcm.SilenceID {
		s.queue.SetHead(idx)
		lead.SetCursor(0)
		first = 0
	}
	s.nowPlaying = first
	s.trailing = trailing
	s.remaining = trailing
	s.draining = false
	s.publishLocked()
	return nil
}

// Fill copies up to wanted frames from the chain into dst starting at the
// now-playing segment. A segment that runs out is rewound to frame 0 and
// playback moves to its successor. Fill stops when wanted frames were copied
// or the chain ends, and returns the frames copied. dst beyond the returned
// frames is left untouched.
func (s *State) Fill(dst []byte, wanted int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.fillLocked(dst, wanted)
	s.publishLocked()
	return n
}

func (s *State) fillLocked(dst []byte, wanted int) int {
	var written int
	for wanted > 0 && s.nowPlaying != pcm.None {
		seg := s.queue.At(s.nowPlaying)
		stride := seg.Stride()
		n := seg.Read(dst[written*stride:], wanted)
		written += n
		wanted -= n
		if seg.Remaining() == 0 {
			seg.SetCursor(0)
			s.nowPlaying = s.queue.Next(s.nowPlaying)
		} else if n == 0 {
			break
		}
	}
	return written
}

// FillCycle runs the render side of one cycle. It fills dst with up to
// wanted frames, zeroes the shortfall, and reports whether the stream should
// keep going. Every cycle that ends with the chain exhausted, including the
// one that exhausts it, consumes one trailing cycle; the cycle that finds
// none left reports false. dst is filled either way and must be released.
func (s *State) FillCycle(dst []byte, wanted, stride int) (written int, playing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nowPlaying != pcm.None {
		written = s.fillLocked(dst, wanted)
		s.publishLocked()
	}
	clear(dst[written*stride : wanted*stride])

	if s.nowPlaying != pcm.None {
		return written, true
	}
	s.draining = true
	if s.remaining == 0 {
		return written, false
	}
	s.remaining--
	return written, true
}

// Draining reports whether the chain has been exhausted and the stream is
// running its trailing cycles.
func (s *State) Draining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

// SetNowPlayingID jumps to the segment with id. The segment that was playing
// is rewound to frame 0. It reports false when no segment has id.
func (s *State) SetNowPlayingID(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.queue.Find(id)
	if !ok {
		return false
	}
	if cur := s.queue.At(s.nowPlaying); cur != nil {
		cur.SetCursor(0)
	}
	s.nowPlaying = idx
	s.remaining = s.trailing
	s.draining = false
	s.publishLocked()
	return true
}

// NowPlayingID returns the id of the segment being played, or
// [pcm.SilenceID] when nothing is. Best effort; it does not take the lock.
func (s *State) NowPlayingID() int {
	return int(s.playingID.Load())
}

// PosFrame returns the cursor of the segment being played. Best effort.
func (s *State) PosFrame() int64 {
	return s.position.Load()
}

// TotalFrames returns the length of the segment being played, 0 when none.
// Best effort.
func (s *State) TotalFrames() int64 {
	return s.frames.Load()
}

// SetPosFrame moves the cursor of the segment being played. It reports false
// when nothing is playing or frame is outside [0, TotalFrames).
func (s *State) SetPosFrame(frame int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg := s.queue.At(s.nowPlaying)
	if seg == nil || frame < 0 || frame >= int64(seg.Frames()) {
		return false
	}
	seg.SetCursor(int(frame))
	s.publishLocked()
	return true
}

func (s *State) publishLocked() {
	seg := s.queue.At(s.nowPlaying)
	if seg == nil {
		s.playingID.Store(pcm.SilenceID)
		s.position.Store(0)
		s.frames.Store(0)
		return
	}
	s.playingID.Store(int64(seg.ID()))
	s.position.Store(int64(seg.Cursor()))
	s.frames.Store(int64(seg.Frames()))
}

// ─── Capture ──────────────────────────────────────────────────────────────────

// SetupCapture allocates a capture buffer of byteCapacity bytes, rounded down
// to whole frames of stride bytes. Any previous buffer is released.
func (s *State) SetupCapture(byteCapacity, stride int) error {
	if stride <= 0 || byteCapacity < stride {
		return pcm.ErrEmptyData
	}
	seg := pcm.NewSegment(0, pcm.PCMData, stride, byteCapacity/stride)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.capture = seg
	s.captureHead.Store(0)
	return nil
}

// HasCapture reports whether a capture buffer is set up.
func (s *State) HasCapture() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capture != nil
}

// Drain copies one captured packet of frames frames into the capture buffer
// at its write cursor. With [device.FlagSilent] the frames are zeroed and
// data is not read. [device.FlagDiscontinuity] increments the glitch count
// but the data is still stored. Drain reports false, copying nothing, when
// the packet does not fit the remaining capacity.
func (s *State) Drain(data []byte, frames int, flags device.BufferFlags) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg := s.capture
	if seg == nil || frames > seg.Remaining() {
		return false
	}
	src := data
	if flags.Has(device.FlagSilent) {
		src = nil
	}
	if !seg.Write(src, frames) {
		return false
	}
	if flags.Has(device.FlagDiscontinuity) {
		s.glitches.Add(1)
	}
	s.captureHead.Store(int64(seg.Cursor()))
	return true
}

// CapturedFrames returns the write cursor of the capture buffer. Best effort.
func (s *State) CapturedFrames() int64 {
	return s.captureHead.Load()
}

// CaptureCapacity returns the capacity of the capture buffer in frames.
func (s *State) CaptureCapacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capture == nil {
		return 0
	}
	return s.capture.Frames()
}

// CapturedData copies up to len(dst) captured bytes into dst and returns the
// count.
func (s *State) CapturedData(dst []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capture == nil {
		return 0
	}
	n := min(len(dst), s.capture.Cursor()*s.capture.Stride())
	return copy(dst, s.capture.Bytes()[:n])
}

// ResetCapture rewinds the capture buffer and zeroes the glitch count.
func (s *State) ResetCapture() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capture != nil {
		s.capture.SetCursor(0)
	}
	s.captureHead.Store(0)
	s.glitches.Store(0)
}

// GlitchCount returns the discontinuities recorded since the last reset.
func (s *State) GlitchCount() int64 {
	return s.glitches.Load()
}

// NoteDevicePosition records the device position of the last captured
// packet. The value is diagnostic only; no drift correction is applied.
func (s *State) NoteDevicePosition(pos uint64) {
	s.devicePos.Store(pos)
}

// DevicePosition returns the last value passed to NoteDevicePosition.
func (s *State) DevicePosition() uint64 {
	return s.devicePos.Load()
}
