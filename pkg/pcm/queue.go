package pcm

import (
	"errors"
	"fmt"
)

var (
	// ErrNotEmpty is returned by [Queue.BeginAppend] when the queue still
	// holds segments from a previous program.
	ErrNotEmpty = errors.New("pcm: queue is not empty")

	// ErrNotAppending is returned when segments are appended outside a
	// BeginAppend/EndAppend bracket.
	ErrNotAppending = errors.New("pcm: queue is not in append phase")

	// ErrSealed is returned when appending to a queue that was finalized
	// with [Queue.EndAppend] and not cleared since.
	ErrSealed = errors.New("pcm: queue is sealed")

	// ErrEmptyData is returned when the appended buffer holds no whole frame.
	ErrEmptyData = errors.New("pcm: no whole frame in data")

	// ErrBudgetExceeded is returned when a new segment would push the queue
	// past its byte budget.
	ErrBudgetExceeded = errors.New("pcm: queue byte budget exceeded")
)

// Option configures a [Queue].
type Option func(*Queue)

// WithMaxBytes caps the total bytes held by all segments. Zero or negative
// means unlimited.
func WithMaxBytes(n int) Option {
	return func(q *Queue) {
		q.maxBytes = n
	}
}

// Queue is an ordered chain of [Segment] values representing a playback
// program. Segments live in an arena slice and link to each other by index,
// so growing the arena never invalidates a link.
//
// The queue is populated with a three-phase protocol:
//
//	q.BeginAppend(format, padding)   // leading silence
//	q.Append(1, a)                   // one or more segments
//	q.EndAppend()                    // trailing silence, seal
//
// followed by an optional [Queue.SetRepeat]. A sealed queue only accepts new
// segments after [Queue.Clear].
//
// Queue is not safe for concurrent use; the engine guards it with the stream
// mutex.
type Queue struct {
	segs      []*Segment
	format    Format
	padding   Padding
	maxBytes  int
	bytes     int
	appending bool
	sealed    bool
	repeat    bool
	head      int // successor of the leading silence, 0 for insertion order
}

// NewQueue returns an empty queue.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{}
	for _, o := range opts {
		o(q)
	}
	return q
}

// BeginAppend starts a new program in format f and inserts pad.Leading frames
// of silence. It fails if the queue is not empty.
func (q *Queue) BeginAppend(f Format, pad Padding) error {
	if len(q.segs) > 0 || q.sealed {
		return ErrNotEmpty
	}
	if err := f.Validate(); err != nil {
		return err
	}
	stride := f.Stride()
	if pad.Leading > 0 && !q.fits(pad.Leading*stride) {
		return fmt.Errorf("%w: leading silence of %d frames", ErrBudgetExceeded, pad.Leading)
	}

	q.format = f
	q.padding = pad
	q.appending = true
	if pad.Leading > 0 {
		q.push(NewSegment(SilenceID, Silence, stride, pad.Leading))
	}
	return nil
}

// Append copies the whole frames of data into a new segment with the given
// id. Trailing bytes that do not make up a frame are ignored. On error the
// queue is left unchanged.
func (q *Queue) Append(id int, data []byte) error {
	if err := q.checkAppending(); err != nil {
		return err
	}
	stride := q.format.Stride()
	frames := len(data) / stride
	if frames == 0 {
		return ErrEmptyData
	}
	if !q.fits(frames * stride) {
		return fmt.Errorf("%w: segment %d needs %d bytes", ErrBudgetExceeded, id, frames*stride)
	}

	seg := NewSegment(id, PCMData, stride, frames)
	copy(seg.data, data)
	q.push(seg)
	return nil
}

// AppendSilence inserts frames frames of zeroed audio with [SilenceID].
func (q *Queue) AppendSilence(frames int) error {
	if err := q.checkAppending(); err != nil {
		return err
	}
	if frames <= 0 {
		return ErrEmptyData
	}
	stride := q.format.Stride()
	if !q.fits(frames * stride) {
		return fmt.Errorf("%w: silence of %d frames", ErrBudgetExceeded, frames)
	}
	q.push(NewSegment(SilenceID, Silence, stride, frames))
	return nil
}

// EndAppend inserts the trailing silence, links the segments in insertion
// order and seals the queue.
func (q *Queue) EndAppend() error {
	if err := q.checkAppending(); err != nil {
		return err
	}
	if q.padding.Trailing > 0 {
		if err := q.AppendSilence(q.padding.Trailing); err != nil {
			return err
		}
	}
	q.appending = false
	q.sealed = true
	q.relink()
	return nil
}

// SetRepeat rewires the chain. With repeat enabled the second-to-last segment
// links back to index 1, so playback cycles through every segment except the
// leading and trailing silence. Without it the chain ends after the trailing
// silence. A start segment chosen with [Queue.SetHead] stays linked after the
// leading silence. Queues with fewer than three segments are left untouched.
func (q *Queue) SetRepeat(repeat bool) {
	q.repeat = repeat
	if len(q.segs) < 3 {
		return
	}
	q.relink()
}

// Repeat reports the last value passed to [Queue.SetRepeat].
func (q *Queue) Repeat() bool { return q.repeat }

func (q *Queue) relink() {
	n := len(q.segs)
	for i := range n - 1 {
		q.segs[i].next = i + 1
	}
	if n > 0 {
		q.segs[n-1].next = None
	}
	if q.repeat && n >= 3 {
		q.segs[n-2].next = 1
	}
	if q.head > 0 && q.head < n {
		q.segs[0].next = q.head
	}
}

// SetHead links segment 0 to segment i and keeps that link across later
// rewiring by [Queue.SetRepeat]. It reports false when i is out of range or
// is 0.
func (q *Queue) SetHead(i int) bool {
	if i <= 0 || !q.Link(0, i) {
		return false
	}
	q.head = i
	return true
}

// Find returns the index of the first segment with id.
func (q *Queue) Find(id int) (int, bool) {
	for i, s := range q.segs {
		if s.id == id {
			return i, true
		}
	}
	return None, false
}

// At returns the segment at index i, or nil when i is out of range.
func (q *Queue) At(i int) *Segment {
	if i < 0 || i >= len(q.segs) {
		return nil
	}
	return q.segs[i]
}

// Next returns the index that follows i in play order, or [None].
func (q *Queue) Next(i int) int {
	s := q.At(i)
	if s == nil {
		return None
	}
	return s.next
}

// Link points segment i at next. It reports false when either index is out
// of range (next may be [None]).
func (q *Queue) Link(i, next int) bool {
	s := q.At(i)
	if s == nil || (next != None && q.At(next) == nil) {
		return false
	}
	s.next = next
	return true
}

// Len returns the number of segments, silence included.
func (q *Queue) Len() int { return len(q.segs) }

// Format returns the format recorded by [Queue.BeginAppend].
func (q *Queue) Format() Format { return q.format }

// Padding returns the padding recorded by [Queue.BeginAppend].
func (q *Queue) Padding() Padding { return q.padding }

// TotalBytes returns the bytes held by all segments.
func (q *Queue) TotalBytes() int { return q.bytes }

// TotalFrames returns the frames held by all segments.
func (q *Queue) TotalFrames() int {
	var n int
	for _, s := range q.segs {
		n += s.Frames()
	}
	return n
}

// Sealed reports whether [Queue.EndAppend] completed since the last clear.
func (q *Queue) Sealed() bool { return q.sealed }

// ResetCursors rewinds every segment to frame 0.
func (q *Queue) ResetCursors() {
	for _, s := range q.segs {
		s.cursor = 0
	}
}

// Clear releases every segment and returns the queue to its empty state. It
// is safe to call repeatedly.
func (q *Queue) Clear() {
	for _, s := range q.segs {
		s.release()
	}
	clear(q.segs)
	q.segs = q.segs[:0]
	q.bytes = 0
	q.appending = false
	q.sealed = false
	q.head = 0
}

func (q *Queue) checkAppending() error {
	switch {
	case q.sealed:
		return ErrSealed
	case !q.appending:
		return ErrNotAppending
	}
	return nil
}

func (q *Queue) fits(n int) bool {
	return q.maxBytes <= 0 || q.bytes+n <= q.maxBytes
}

func (q *Queue) push(s *Segment) {
	q.segs = append(q.segs, s)
	q.bytes += len(s.data)
}
