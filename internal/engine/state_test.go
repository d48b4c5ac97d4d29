package engine_test

import (
	"bytes"
	"testing"

	"github.com/MrWong99/pcmstream/internal/engine"
	"github.com/MrWong99/pcmstream/pkg/device"
	"github.com/MrWong99/pcmstream/pkg/pcm"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// mono16 is 16-bit mono at 44.1 kHz, two bytes per frame.
var mono16 = pcm.Format{SampleRate: 44100, BitsPerSample: 16, Kind: pcm.KindInt, Channels: 1}

// filled returns frames frames of mono16 audio where every byte is b.
func filled(frames int, b byte) []byte {
	return bytes.Repeat([]byte{b}, frames*mono16.Stride())
}

// newQueue builds a sealed queue with the given padding and one segment per
// entry of segs, numbered from 1. Segment i is filled with byte i.
func newQueue(t *testing.T, pad pcm.Padding, repeat bool, segs ...int) *pcm.Queue {
	t.Helper()
	q := pcm.NewQueue()
	if err := q.BeginAppend(mono16, pad); err != nil {
		t.Fatalf("BeginAppend: %v", err)
	}
	for i, frames := range segs {
		if err := q.Append(i+1, filled(frames, byte(i+1))); err != nil {
			t.Fatalf("Append(%d): %v", i+1, err)
		}
	}
	if err := q.EndAppend(); err != nil {
		t.Fatalf("EndAppend: %v", err)
	}
	q.SetRepeat(repeat)
	return q
}

// ─── Fill ────────────────────────────────────────────────────────────────────

func TestFill_Conservation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		wanted int
		want   int
	}{
		{name: "within first segment", wanted: 50, want: 50},
		{name: "across segments", wanted: 250, want: 250},
		{name: "exactly everything", wanted: 400, want: 400},
		{name: "more than available", wanted: 600, want: 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st := engine.NewState(newQueue(t, pcm.Padding{}, false, 100, 300))
			if err := st.Rewind(1, 2); err != nil {
				t.Fatalf("Rewind: %v", err)
			}

			dst := filled(tt.wanted, 0xAA)
			got, playing := st.FillCycle(dst, tt.wanted, mono16.Stride())
			if !playing {
				t.Fatal("FillCycle: want playing on first cycle")
			}
			if got != tt.want {
				t.Errorf("written: want %d, got %d", tt.want, got)
			}
			shortfall := dst[got*mono16.Stride():]
			if !bytes.Equal(shortfall, make([]byte, len(shortfall))) {
				t.Error("shortfall region is not zeroed")
			}
		})
	}
}

func TestFill_RewindsExhaustedSegments(t *testing.T) {
	t.Parallel()

	q := newQueue(t, pcm.Padding{}, false, 100, 100)
	st := engine.NewState(q)
	if err := st.Rewind(1, 0); err != nil {
		t.Fatalf("Rewind: %v", err)
	}

	dst := make([]byte, 150*mono16.Stride())
	if got := st.Fill(dst, 150); got != 150 {
		t.Fatalf("Fill: want 150, got %d", got)
	}
	if c := q.At(0).Cursor(); c != 0 {
		t.Errorf("first segment cursor: want 0 after exhaustion, got %d", c)
	}
	if id := st.NowPlayingID(); id != 2 {
		t.Errorf("NowPlayingID: want 2, got %d", id)
	}
	if pos := st.PosFrame(); pos != 50 {
		t.Errorf("PosFrame: want 50, got %d", pos)
	}
	if dst[0] != 1 || dst[len(dst)-1] != 2 {
		t.Errorf("content: want segment 1 then 2, got first=%d last=%d", dst[0], dst[len(dst)-1])
	}
}

func TestFill_RepeatScenario(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		consumed int
		wantID   int
		wantPos  int64
	}{
		{name: "end of second segment wraps to first", consumed: 9320, wantID: 1, wantPos: 0},
		{name: "into second pass", consumed: 9730, wantID: 1, wantPos: 410},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q := newQueue(t, pcm.Padding{Leading: 500, Trailing: 2000}, true, 4410, 4410)
			st := engine.NewState(q)
			if err := st.Rewind(1, 2); err != nil {
				t.Fatalf("Rewind: %v", err)
			}
			if id := st.NowPlayingID(); id != pcm.SilenceID {
				t.Fatalf("NowPlayingID after Rewind: want leading silence, got %d", id)
			}

			dst := make([]byte, tt.consumed*mono16.Stride())
			if got := st.Fill(dst, tt.consumed); got != tt.consumed {
				t.Fatalf("Fill: want %d, got %d", tt.consumed, got)
			}
			if id := st.NowPlayingID(); id != tt.wantID {
				t.Errorf("NowPlayingID: want %d, got %d", tt.wantID, id)
			}
			if pos := st.PosFrame(); pos != tt.wantPos {
				t.Errorf("PosFrame: want %d, got %d", tt.wantPos, pos)
			}
			if pad := dst[:500*mono16.Stride()]; !bytes.Equal(pad, make([]byte, len(pad))) {
				t.Error("leading silence is not zero")
			}
		})
	}
}

func TestFillCycle_TrailingCycles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		scheduling device.Scheduling
		wantZero   int
	}{
		{name: "event driven", scheduling: device.EventDriven, wantZero: 2},
		{name: "timer driven", scheduling: device.TimerDriven, wantZero: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			st := engine.NewState(newQueue(t, pcm.Padding{}, false, 10))
			if err := st.Rewind(1, engine.TrailingCycles(tt.scheduling)); err != nil {
				t.Fatalf("Rewind: %v", err)
			}

			stride := mono16.Stride()
			dst := make([]byte, 10*stride)
			if n, ok := st.FillCycle(dst, 10, stride); n != 10 || !ok {
				t.Fatalf("cycle 1: want (10, true), got (%d, %v)", n, ok)
			}
			if !st.Draining() {
				t.Error("Draining: want true once the chain is exhausted")
			}

			var zero int
			for {
				dst = filled(10, 0xAA)
				n, ok := st.FillCycle(dst, 10, stride)
				if n != 0 {
					t.Fatalf("trailing cycle %d: wrote %d frames", zero, n)
				}
				if !bytes.Equal(dst, make([]byte, len(dst))) {
					t.Errorf("trailing cycle %d: buffer not zeroed", zero)
				}
				zero++
				if !ok {
					break
				}
				if zero > 10 {
					t.Fatal("stream never stopped")
				}
			}
			if zero != tt.wantZero {
				t.Errorf("zero buffers after exhaustion: want %d, got %d", tt.wantZero, zero)
			}
		})
	}
}

func TestFillCycle_NoTrailingStopsOnExhaustion(t *testing.T) {
	t.Parallel()

	st := engine.NewState(newQueue(t, pcm.Padding{}, false, 10))
	if err := st.Rewind(1, 0); err != nil {
		t.Fatalf("Rewind: %v", err)
	}
	stride := mono16.Stride()
	dst := filled(15, 0xAA)
	n, ok := st.FillCycle(dst, 15, stride)
	if n != 10 || ok {
		t.Fatalf("FillCycle: want (10, false), got (%d, %v)", n, ok)
	}
	if tail := dst[10*stride:]; !bytes.Equal(tail, make([]byte, len(tail))) {
		t.Error("shortfall of the last cycle is not zeroed")
	}
}

// ─── Repeat ──────────────────────────────────────────────────────────────────

func TestSetRepeat_KeepsStartSegment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		repeat []bool
	}{
		{name: "enable", repeat: []bool{true}},
		{name: "disable", repeat: []bool{false}},
		{name: "toggle twice", repeat: []bool{true, false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			st := engine.NewState(newQueue(t, pcm.Padding{Leading: 10, Trailing: 40}, false, 100, 100))
			if err := st.Rewind(2, 2); err != nil {
				t.Fatalf("Rewind: %v", err)
			}
			for _, r := range tt.repeat {
				st.SetRepeat(r)
			}

			dst := make([]byte, 15*mono16.Stride())
			if got := st.Fill(dst, 15); got != 15 {
				t.Fatalf("Fill: want 15, got %d", got)
			}
			if id := st.NowPlayingID(); id != 2 {
				t.Errorf("NowPlayingID: want 2, got %d", id)
			}
			if pos := st.PosFrame(); pos != 5 {
				t.Errorf("PosFrame: want 5, got %d", pos)
			}
			if last := dst[len(dst)-1]; last != 2 {
				t.Errorf("content after leading silence: want segment 2, got byte %d", last)
			}
		})
	}
}

func TestSetRepeat_WrapsToFirstSegment(t *testing.T) {
	t.Parallel()

	st := engine.NewState(newQueue(t, pcm.Padding{Leading: 10, Trailing: 40}, false, 100, 100))
	if err := st.Rewind(2, 2); err != nil {
		t.Fatalf("Rewind: %v", err)
	}
	st.SetRepeat(true)

	// Leading silence, segment 2, then the loop restarts at segment 1.
	dst := make([]byte, 130*mono16.Stride())
	if got := st.Fill(dst, 130); got != 130 {
		t.Fatalf("Fill: want 130, got %d", got)
	}
	if id := st.NowPlayingID(); id != 1 {
		t.Errorf("NowPlayingID: want 1, got %d", id)
	}
	if pos := st.PosFrame(); pos != 20 {
		t.Errorf("PosFrame: want 20, got %d", pos)
	}
}

// ─── Rewind and position ─────────────────────────────────────────────────────

func TestRewind_Errors(t *testing.T) {
	t.Parallel()

	st := engine.NewState(pcm.NewQueue())
	if err := st.Rewind(1, 0); err != engine.ErrEmptyQueue {
		t.Errorf("empty queue: want ErrEmptyQueue, got %v", err)
	}

	st = engine.NewState(newQueue(t, pcm.Padding{}, false, 10))
	if err := st.Rewind(42, 0); err != engine.ErrUnknownSegment {
		t.Errorf("unknown id: want ErrUnknownSegment, got %v", err)
	}
}

func TestRewind_KeepsOtherCursors(t *testing.T) {
	t.Parallel()

	q := newQueue(t, pcm.Padding{Leading: 10}, false, 100, 100)
	st := engine.NewState(q)
	if err := st.Rewind(1, 0); err != nil {
		t.Fatalf("Rewind: %v", err)
	}
	dst := make([]byte, 60*mono16.Stride())
	st.Fill(dst, 60)

	// Resume: A keeps its cursor, only the leading silence restarts.
	if err := st.Rewind(1, 0); err != nil {
		t.Fatalf("second Rewind: %v", err)
	}
	if c := q.At(1).Cursor(); c != 50 {
		t.Errorf("segment 1 cursor: want 50, got %d", c)
	}
	if c := q.At(0).Cursor(); c != 0 {
		t.Errorf("leading silence cursor: want 0, got %d", c)
	}
}

func TestSetPosFrame_Bounds(t *testing.T) {
	t.Parallel()

	st := engine.NewState(newQueue(t, pcm.Padding{}, false, 100))
	if st.SetPosFrame(0) {
		t.Error("SetPosFrame before playback: want false")
	}
	if err := st.Rewind(1, 0); err != nil {
		t.Fatalf("Rewind: %v", err)
	}

	tests := []struct {
		frame int64
		want  bool
	}{
		{frame: -1, want: false},
		{frame: 0, want: true},
		{frame: 99, want: true},
		{frame: 100, want: false},
	}
	for _, tt := range tests {
		if got := st.SetPosFrame(tt.frame); got != tt.want {
			t.Errorf("SetPosFrame(%d): want %v, got %v", tt.frame, tt.want, got)
		}
	}
	if pos := st.PosFrame(); pos != 99 {
		t.Errorf("PosFrame: want 99, got %d", pos)
	}
	if total := st.TotalFrames(); total != 100 {
		t.Errorf("TotalFrames: want 100, got %d", total)
	}
}

func TestSetNowPlayingID_ResetsPreviousCursor(t *testing.T) {
	t.Parallel()

	q := newQueue(t, pcm.Padding{}, false, 100, 100)
	st := engine.NewState(q)
	if err := st.Rewind(1, 0); err != nil {
		t.Fatalf("Rewind: %v", err)
	}
	dst := make([]byte, 30*mono16.Stride())
	st.Fill(dst, 30)

	if !st.SetNowPlayingID(2) {
		t.Fatal("SetNowPlayingID(2): want true")
	}
	if c := q.At(0).Cursor(); c != 0 {
		t.Errorf("previous segment cursor: want 0, got %d", c)
	}
	if id := st.NowPlayingID(); id != 2 {
		t.Errorf("NowPlayingID: want 2, got %d", id)
	}
	if st.SetNowPlayingID(7) {
		t.Error("SetNowPlayingID(7): want false for unknown id")
	}
}

func TestClearQueue_ForgetsPosition(t *testing.T) {
	t.Parallel()

	st := engine.NewState(newQueue(t, pcm.Padding{}, false, 100))
	if err := st.Rewind(1, 0); err != nil {
		t.Fatalf("Rewind: %v", err)
	}
	st.ClearQueue()
	if id := st.NowPlayingID(); id != pcm.SilenceID {
		t.Errorf("NowPlayingID: want %d, got %d", pcm.SilenceID, id)
	}
	if total := st.TotalFrames(); total != 0 {
		t.Errorf("TotalFrames: want 0, got %d", total)
	}
}

// ─── Capture ─────────────────────────────────────────────────────────────────

func TestDrain_RejectsOverflow(t *testing.T) {
	t.Parallel()

	st := engine.NewState(pcm.NewQueue())
	if err := st.SetupCapture(1000*mono16.Stride(), mono16.Stride()); err != nil {
		t.Fatalf("SetupCapture: %v", err)
	}

	packets := []struct {
		frames int
		want   bool
	}{
		{frames: 400, want: true},
		{frames: 400, want: true},
		{frames: 300, want: false},
	}
	for i, p := range packets {
		if got := st.Drain(filled(p.frames, byte(i+1)), p.frames, 0); got != p.want {
			t.Errorf("packet %d: want %v, got %v", i, p.want, got)
		}
	}
	if n := st.CapturedFrames(); n != 800 {
		t.Errorf("CapturedFrames: want 800, got %d", n)
	}

	out := make([]byte, 1000*mono16.Stride())
	n := st.CapturedData(out)
	if n != 800*mono16.Stride() {
		t.Fatalf("CapturedData: want %d bytes, got %d", 800*mono16.Stride(), n)
	}
	if out[n-1] != 2 {
		t.Errorf("last captured byte: want 2, got %d", out[n-1])
	}
}

func TestDrain_WithoutBuffer(t *testing.T) {
	t.Parallel()

	st := engine.NewState(pcm.NewQueue())
	if st.Drain(filled(1, 1), 1, 0) {
		t.Error("Drain without capture buffer: want false")
	}
	if st.HasCapture() {
		t.Error("HasCapture: want false")
	}
}

func TestDrain_Flags(t *testing.T) {
	t.Parallel()

	st := engine.NewState(pcm.NewQueue())
	if err := st.SetupCapture(100*mono16.Stride(), mono16.Stride()); err != nil {
		t.Fatalf("SetupCapture: %v", err)
	}

	flags := []device.BufferFlags{
		device.FlagDiscontinuity,
		device.FlagSilent,
		device.FlagSilent | device.FlagDiscontinuity,
		0,
		device.FlagDiscontinuity,
	}
	for i, f := range flags {
		if !st.Drain(filled(10, 0x7F), 10, f) {
			t.Fatalf("packet %d rejected", i)
		}
	}
	if g := st.GlitchCount(); g != 3 {
		t.Errorf("GlitchCount: want 3, got %d", g)
	}

	out := make([]byte, 50*mono16.Stride())
	st.CapturedData(out)
	stride := mono16.Stride()
	if !bytes.Equal(out[10*stride:30*stride], make([]byte, 20*stride)) {
		t.Error("silent packets were not stored as zeros")
	}
	if out[0] != 0x7F || out[30*stride] != 0x7F {
		t.Error("non-silent packets were not copied")
	}

	st.ResetCapture()
	if g := st.GlitchCount(); g != 0 {
		t.Errorf("GlitchCount after reset: want 0, got %d", g)
	}
	if n := st.CapturedFrames(); n != 0 {
		t.Errorf("CapturedFrames after reset: want 0, got %d", n)
	}
}
