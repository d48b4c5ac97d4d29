package pcm

// SilenceID is the reserved identifier of synthetic silence segments.
const SilenceID = -1

// None marks the absence of a segment index.
const None = -1

// ContentKind tells real audio apart from synthetic padding.
type ContentKind int

const (
	// Silence is a zero-filled padding segment.
	Silence ContentKind = iota

	// PCMData holds caller-supplied audio.
	PCMData
)

// String returns the name of the content kind.
func (k ContentKind) String() string {
	if k == Silence {
		return "silence"
	}
	return "pcm"
}

// Segment is a fixed-size PCM buffer plus a cursor. During playback the
// cursor is the next unconsumed frame; during capture it is the next free
// frame. Segments are owned by a [Queue] or by the capture side of the engine
// and are never resized once created.
type Segment struct {
	id     int
	kind   ContentKind
	stride int
	data   []byte
	cursor int
	next   int
}

// NewSegment allocates a zero-filled segment of frames frames.
func NewSegment(id int, kind ContentKind, stride, frames int) *Segment {
	return &Segment{
		id:     id,
		kind:   kind,
		stride: stride,
		data:   make([]byte, frames*stride),
		next:   None,
	}
}

// ID returns the segment identifier.
func (s *Segment) ID() int { return s.id }

// Kind returns whether the segment is silence or audio.
func (s *Segment) Kind() ContentKind { return s.kind }

// Stride returns the frame size in bytes.
func (s *Segment) Stride() int { return s.stride }

// Frames returns the capacity of the segment in frames.
func (s *Segment) Frames() int {
	if s.stride == 0 {
		return 0
	}
	return len(s.data) / s.stride
}

// Cursor returns the current frame offset.
func (s *Segment) Cursor() int { return s.cursor }

// Remaining returns the frames between the cursor and the end.
func (s *Segment) Remaining() int { return s.Frames() - s.cursor }

// Bytes exposes the whole buffer. Callers must not retain it past the
// lifetime of the owning queue.
func (s *Segment) Bytes() []byte { return s.data }

// SetCursor moves the cursor. It reports false and leaves the cursor alone
// when frame is outside [0, Frames()].
func (s *Segment) SetCursor(frame int) bool {
	if frame < 0 || frame > s.Frames() {
		return false
	}
	s.cursor = frame
	return true
}

// Read copies up to frames frames from the cursor into dst and advances the
// cursor. It returns the number of frames copied.
func (s *Segment) Read(dst []byte, frames int) int {
	n := min(frames, s.Remaining(), len(dst)/s.stride)
	if n <= 0 {
		return 0
	}
	off := s.cursor * s.stride
	copy(dst, s.data[off:off+n*s.stride])
	s.cursor += n
	return n
}

// Write copies frames frames from src to the cursor, or zeroes them when src
// is nil, and advances the cursor. It reports false without touching the
// buffer when the frames do not fit or src is too short.
func (s *Segment) Write(src []byte, frames int) bool {
	if frames < 0 || frames > s.Remaining() {
		return false
	}
	off := s.cursor * s.stride
	dst := s.data[off : off+frames*s.stride]
	if src == nil {
		clear(dst)
	} else {
		if len(src) < len(dst) {
			return false
		}
		copy(dst, src)
	}
	s.cursor += frames
	return true
}

// CopyFrom replaces s with a deep copy of other. The two segments never share
// a buffer afterwards.
func (s *Segment) CopyFrom(other *Segment) {
	s.id = other.id
	s.kind = other.kind
	s.stride = other.stride
	s.data = append([]byte(nil), other.data...)
	s.cursor = other.cursor
	s.next = other.next
}

// release drops the buffer. Calling it twice is harmless.
func (s *Segment) release() {
	s.data = nil
	s.cursor = 0
	s.next = None
}
