// Package pcm defines the PCM data model shared by the streaming engine: the
// wire [Format], the [Segment] buffer with its playback or record cursor, and
// the [Queue] that links segments into a playback program.
//
// The engine never converts sample formats. Every byte buffer handed to this
// package is assumed to be in the negotiated [Format] already.
package pcm

import (
	"errors"
	"fmt"
	"time"
)

// SampleKind distinguishes integer from floating-point samples.
type SampleKind int

const (
	// KindInt is signed (or, for 8-bit, unsigned) linear integer PCM.
	KindInt SampleKind = iota

	// KindFloat is IEEE 754 floating-point PCM.
	KindFloat
)

// String returns the configuration name of the kind.
func (k SampleKind) String() string {
	switch k {
	case KindInt:
		return "sint"
	case KindFloat:
		return "sfloat"
	default:
		return fmt.Sprintf("SampleKind(%d)", int(k))
	}
}

// Format describes interleaved PCM frames.
type Format struct {
	// SampleRate is the number of frames per second.
	SampleRate int

	// BitsPerSample is the container size of one sample in bits.
	BitsPerSample int

	// ValidBitsPerSample is the number of significant bits inside the
	// container. Zero means equal to BitsPerSample.
	ValidBitsPerSample int

	// Kind selects integer or float samples.
	Kind SampleKind

	// Channels is the number of interleaved channels per frame.
	Channels int
}

// Stride returns the size of one multi-channel frame in bytes.
func (f Format) Stride() int {
	return f.Channels * f.BitsPerSample / 8
}

// ValidBits returns ValidBitsPerSample, defaulting to BitsPerSample.
func (f Format) ValidBits() int {
	if f.ValidBitsPerSample == 0 {
		return f.BitsPerSample
	}
	return f.ValidBitsPerSample
}

// FramesFor returns the number of whole frames that play in d.
func (f Format) FramesFor(d time.Duration) int {
	return int(int64(f.SampleRate) * int64(d) / int64(time.Second))
}

// DurationOf returns the playback duration of frames.
func (f Format) DurationOf(frames int) time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(int64(frames) * int64(time.Second) / int64(f.SampleRate))
}

// Validate reports every inconsistency in f.
func (f Format) Validate() error {
	var errs []error
	if f.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate %d must be positive", f.SampleRate))
	}
	if f.Channels <= 0 {
		errs = append(errs, fmt.Errorf("channel count %d must be positive", f.Channels))
	}
	switch f.BitsPerSample {
	case 8, 16, 24, 32, 64:
	default:
		errs = append(errs, fmt.Errorf("bits per sample %d is not one of 8, 16, 24, 32, 64", f.BitsPerSample))
	}
	if f.ValidBitsPerSample < 0 || f.ValidBitsPerSample > f.BitsPerSample {
		errs = append(errs, fmt.Errorf("valid bits %d exceed container bits %d", f.ValidBitsPerSample, f.BitsPerSample))
	}
	if f.Kind == KindFloat && f.BitsPerSample != 32 && f.BitsPerSample != 64 {
		errs = append(errs, fmt.Errorf("float samples must be 32 or 64 bits, got %d", f.BitsPerSample))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("pcm: invalid format: %w", err)
	}
	return nil
}

// String renders f as e.g. "44100Hz 16bit sint 2ch".
func (f Format) String() string {
	return fmt.Sprintf("%dHz %dbit %s %dch", f.SampleRate, f.BitsPerSample, f.Kind, f.Channels)
}

// Padding is the amount of synthetic silence wrapped around a playback
// program, in frames.
type Padding struct {
	Leading  int
	Trailing int
}

// trailingFactor is how many leading-silence lengths the trailing silence
// spans.
const trailingFactor = 4

// PaddingFor returns the silence padding for a stream with the given latency:
// one latency worth of leading silence and four of trailing silence.
func PaddingFor(sampleRate int, latencyMs int) Padding {
	lead := sampleRate * latencyMs / 1000
	return Padding{Leading: lead, Trailing: lead * trailingFactor}
}
