package pcm

import (
	"errors"
	"testing"
)

var stereo16 = Format{SampleRate: 44100, BitsPerSample: 16, Channels: 2}

// frames returns n frames of the stereo16 format filled with b.
func frames(n int, b byte) []byte {
	data := make([]byte, n*stereo16.Stride())
	for i := range data {
		data[i] = b
	}
	return data
}

// buildQueue creates a sealed queue with the given padding and content
// segment lengths. Content segment ids start at 1.
func buildQueue(t *testing.T, pad Padding, lengths ...int) *Queue {
	t.Helper()
	q := NewQueue()
	if err := q.BeginAppend(stereo16, pad); err != nil {
		t.Fatalf("BeginAppend: %v", err)
	}
	for i, n := range lengths {
		if err := q.Append(i+1, frames(n, byte(i+1))); err != nil {
			t.Fatalf("Append(%d): %v", i+1, err)
		}
	}
	if err := q.EndAppend(); err != nil {
		t.Fatalf("EndAppend: %v", err)
	}
	return q
}

func TestQueue_AppendClearRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		pad     Padding
		lengths []int
	}{
		{"single segment", Padding{Leading: 10, Trailing: 40}, []int{100}},
		{"several segments", Padding{Leading: 441, Trailing: 1764}, []int{4410, 4410, 1}},
		{"no padding", Padding{}, []int{3, 7}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			once := buildQueue(t, tc.pad, tc.lengths...)

			q := buildQueue(t, tc.pad, tc.lengths...)
			q.Clear()
			if q.Len() != 0 || q.TotalBytes() != 0 || q.Sealed() {
				t.Fatalf("after Clear: len=%d bytes=%d sealed=%v", q.Len(), q.TotalBytes(), q.Sealed())
			}
			if err := q.BeginAppend(stereo16, tc.pad); err != nil {
				t.Fatalf("BeginAppend after Clear: %v", err)
			}
			for i, n := range tc.lengths {
				if err := q.Append(i+1, frames(n, 1)); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}
			if err := q.EndAppend(); err != nil {
				t.Fatalf("EndAppend: %v", err)
			}

			if q.Len() != once.Len() {
				t.Errorf("Len = %d, want %d", q.Len(), once.Len())
			}
			if q.TotalFrames() != once.TotalFrames() {
				t.Errorf("TotalFrames = %d, want %d", q.TotalFrames(), once.TotalFrames())
			}
		})
	}
}

func TestQueue_Padding(t *testing.T) {
	q := buildQueue(t, PaddingFor(44100, 10), 4410)

	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}
	lead, body, tail := q.At(0), q.At(1), q.At(2)
	if lead.ID() != SilenceID || lead.Kind() != Silence || lead.Frames() != 441 {
		t.Errorf("leading segment = id %d kind %v frames %d", lead.ID(), lead.Kind(), lead.Frames())
	}
	if body.ID() != 1 || body.Kind() != PCMData || body.Frames() != 4410 {
		t.Errorf("content segment = id %d kind %v frames %d", body.ID(), body.Kind(), body.Frames())
	}
	if tail.ID() != SilenceID || tail.Frames() != 1764 {
		t.Errorf("trailing segment = id %d frames %d", tail.ID(), tail.Frames())
	}
	for _, b := range tail.Bytes() {
		if b != 0 {
			t.Fatal("trailing silence is not zeroed")
		}
	}
}

func TestQueue_RepeatLoopNeverTerminates(t *testing.T) {
	q := buildQueue(t, Padding{Leading: 500, Trailing: 2000}, 4410, 4410, 100)
	q.SetRepeat(true)

	if got := q.Next(q.Len() - 2); got != 1 {
		t.Fatalf("second-to-last links to %d, want 1", got)
	}

	budget := q.TotalFrames() * 3
	idx, walked, revisited := 1, 0, false
	for walked < budget {
		if idx == None {
			t.Fatalf("walk reached end after %d frames", walked)
		}
		walked += q.At(idx).Frames()
		if idx == q.Len()-2 {
			if next := q.Next(idx); next != 1 {
				t.Fatalf("after second-to-last got %d, want 1", next)
			}
			revisited = true
		}
		idx = q.Next(idx)
		if idx == 0 || idx == q.Len()-1 {
			t.Fatalf("repeat walk entered padding segment %d", idx)
		}
	}
	if !revisited {
		t.Error("walk never wrapped to segment 1")
	}
}

func TestQueue_NoRepeatTermination(t *testing.T) {
	q := buildQueue(t, Padding{Leading: 5, Trailing: 20}, 10, 30, 7)
	q.SetRepeat(true)
	q.SetRepeat(false)

	for start := range q.Len() {
		var want int
		for i := start; i < q.Len(); i++ {
			want += q.At(i).Frames()
		}

		var got int
		for idx := start; idx != None; idx = q.Next(idx) {
			got += q.At(idx).Frames()
		}
		if got != want {
			t.Errorf("walk from %d consumed %d frames, want %d", start, got, want)
		}
	}
}

func TestQueue_SetRepeatNeedsThreeSegments(t *testing.T) {
	q := NewQueue()
	if err := q.BeginAppend(stereo16, Padding{}); err != nil {
		t.Fatal(err)
	}
	if err := q.Append(1, frames(4, 1)); err != nil {
		t.Fatal(err)
	}
	if err := q.Append(2, frames(4, 2)); err != nil {
		t.Fatal(err)
	}
	if err := q.EndAppend(); err != nil {
		t.Fatal(err)
	}

	q.SetRepeat(true)
	if q.Next(0) != 1 || q.Next(1) != None {
		t.Errorf("links = [%d %d], want [1 %d]", q.Next(0), q.Next(1), None)
	}
}

func TestQueue_AppendErrorsLeaveQueueUnchanged(t *testing.T) {
	t.Run("outside append phase", func(t *testing.T) {
		q := NewQueue()
		if err := q.Append(1, frames(1, 1)); !errors.Is(err, ErrNotAppending) {
			t.Errorf("err = %v, want ErrNotAppending", err)
		}
	})

	t.Run("sealed", func(t *testing.T) {
		q := buildQueue(t, Padding{}, 4)
		if err := q.Append(9, frames(1, 1)); !errors.Is(err, ErrSealed) {
			t.Errorf("err = %v, want ErrSealed", err)
		}
		if err := q.BeginAppend(stereo16, Padding{}); !errors.Is(err, ErrNotEmpty) {
			t.Errorf("BeginAppend on sealed queue: err = %v, want ErrNotEmpty", err)
		}
	})

	tests := []struct {
		name string
		data []byte
		max  int
		want error
	}{
		{"nil data", nil, 0, ErrEmptyData},
		{"partial frame", []byte{1, 2, 3}, 0, ErrEmptyData},
		{"over budget", frames(100, 1), 40 + 100, ErrBudgetExceeded},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			q := NewQueue(WithMaxBytes(tc.max))
			if err := q.BeginAppend(stereo16, Padding{Leading: 10}); err != nil {
				t.Fatal(err)
			}
			before, bytes := q.Len(), q.TotalBytes()

			err := q.Append(1, tc.data)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if q.Len() != before || q.TotalBytes() != bytes {
				t.Errorf("queue mutated: len %d->%d bytes %d->%d", before, q.Len(), bytes, q.TotalBytes())
			}
		})
	}
}

func TestQueue_AppendDropsPartialFrame(t *testing.T) {
	q := NewQueue()
	if err := q.BeginAppend(stereo16, Padding{}); err != nil {
		t.Fatal(err)
	}
	if err := q.Append(1, append(frames(3, 7), 0xff, 0xff)); err != nil {
		t.Fatal(err)
	}
	if got := q.At(0).Frames(); got != 3 {
		t.Errorf("Frames = %d, want 3", got)
	}
}

func TestQueue_Find(t *testing.T) {
	q := buildQueue(t, Padding{Leading: 1, Trailing: 4}, 2, 2, 2)

	if idx, ok := q.Find(2); !ok || idx != 2 {
		t.Errorf("Find(2) = %d, %v; want 2, true", idx, ok)
	}
	if idx, ok := q.Find(SilenceID); !ok || idx != 0 {
		t.Errorf("Find(SilenceID) = %d, %v; want 0, true", idx, ok)
	}
	if _, ok := q.Find(42); ok {
		t.Error("Find(42) found a segment")
	}
}

func TestQueue_ClearIdempotent(t *testing.T) {
	q := buildQueue(t, Padding{Leading: 1, Trailing: 1}, 2)
	seg := q.At(1)

	q.Clear()
	q.Clear()

	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}
	if seg.Bytes() != nil {
		t.Error("segment buffer still held after Clear")
	}
}

func TestQueue_Link(t *testing.T) {
	q := buildQueue(t, Padding{Leading: 1, Trailing: 1}, 2, 2)

	if !q.Link(0, 2) {
		t.Fatal("Link(0, 2) failed")
	}
	if q.Next(0) != 2 {
		t.Errorf("Next(0) = %d, want 2", q.Next(0))
	}
	if q.Link(0, 99) {
		t.Error("Link to out-of-range index succeeded")
	}
	if q.Link(-1, 0) {
		t.Error("Link from out-of-range index succeeded")
	}
}

func TestQueue_SetHeadSurvivesSetRepeat(t *testing.T) {
	// [sil][1][2][3][sil]
	q := buildQueue(t, Padding{Leading: 1, Trailing: 1}, 2, 2, 2)

	if !q.SetHead(3) {
		t.Fatal("SetHead(3) failed")
	}
	for _, repeat := range []bool{true, false, true} {
		q.SetRepeat(repeat)
		if q.Next(0) != 3 {
			t.Errorf("repeat=%v: Next(0) = %d, want 3", repeat, q.Next(0))
		}
	}
	if q.Next(3) != 1 {
		t.Errorf("Next(3) = %d, want 1 with repeat", q.Next(3))
	}

	if q.SetHead(0) || q.SetHead(99) {
		t.Error("SetHead accepted an invalid index")
	}

	q.Clear()
	if err := q.BeginAppend(stereo16, Padding{Leading: 1, Trailing: 1}); err != nil {
		t.Fatalf("BeginAppend after Clear: %v", err)
	}
	if err := q.Append(1, frames(2, 1)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := q.Append(2, frames(2, 2)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := q.EndAppend(); err != nil {
		t.Fatalf("EndAppend: %v", err)
	}
	if q.Next(0) != 1 {
		t.Errorf("after Clear: Next(0) = %d, want 1", q.Next(0))
	}
}
