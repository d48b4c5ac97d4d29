package ring

import (
	"bytes"
	"sync"
	"testing"
)

func TestBuffer_ExactCapacity(t *testing.T) {
	b := New(10)
	if n := b.Write(bytes.Repeat([]byte{1}, 12)); n != 10 {
		t.Fatalf("Write = %d, want 10", n)
	}
	if b.Free() != 0 || b.Available() != 10 {
		t.Errorf("Free = %d Available = %d", b.Free(), b.Available())
	}
	if n := b.Write([]byte{2}); n != 0 {
		t.Errorf("Write into full ring = %d, want 0", n)
	}
}

func TestBuffer_WrapAround(t *testing.T) {
	b := New(7)
	out := make([]byte, 5)

	for round := range 20 {
		in := []byte{byte(round), byte(round + 1), byte(round + 2), byte(round + 3), byte(round + 4)}
		if n := b.Write(in); n != 5 {
			t.Fatalf("round %d: Write = %d, want 5", round, n)
		}
		if n := b.Read(out); n != 5 {
			t.Fatalf("round %d: Read = %d, want 5", round, n)
		}
		if !bytes.Equal(out, in) {
			t.Fatalf("round %d: got %v, want %v", round, out, in)
		}
	}
	if got := b.TotalRead(); got != 100 {
		t.Errorf("TotalRead = %d, want 100", got)
	}
}

func TestBuffer_ReadEmpty(t *testing.T) {
	b := New(4)
	if n := b.Read(make([]byte, 4)); n != 0 {
		t.Errorf("Read = %d, want 0", n)
	}
}

func TestBuffer_Reset(t *testing.T) {
	b := New(4)
	b.Write([]byte{1, 2, 3})
	b.Reset()
	if b.Available() != 0 || b.Free() != 4 || b.TotalWritten() != 0 {
		t.Errorf("after Reset: Available = %d Free = %d", b.Available(), b.Free())
	}
}

func TestBuffer_ConcurrentProducerConsumer(t *testing.T) {
	const total = 1 << 16
	b := New(333)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var next byte
		chunk := make([]byte, 50)
		for sent := 0; sent < total; {
			n := min(len(chunk), total-sent)
			for i := range n {
				chunk[i] = next + byte(i)
			}
			w := b.Write(chunk[:n])
			next += byte(w)
			sent += w
		}
	}()

	var want byte
	buf := make([]byte, 64)
	for got := 0; got < total; {
		n := b.Read(buf)
		for i := range n {
			if buf[i] != want {
				t.Fatalf("byte %d = %d, want %d", got+i, buf[i], want)
			}
			want++
		}
		got += n
	}
	wg.Wait()
}
