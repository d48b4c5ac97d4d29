package pcm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVE format tags understood by [ReadWAV] and [WAVWriter].
const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

// ErrInvalidWAV is returned when a file is not a readable PCM WAV.
var ErrInvalidWAV = errors.New("pcm: invalid wav file")

// ReadWAV decodes an entire WAV stream and returns its format together with
// the interleaved little-endian frame bytes.
func ReadWAV(r io.ReadSeeker) (Format, []byte, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		if err := dec.Err(); err != nil {
			return Format{}, nil, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
		}
		return Format{}, nil, ErrInvalidWAV
	}

	f := Format{
		SampleRate:    int(dec.SampleRate),
		BitsPerSample: int(dec.BitDepth),
		Channels:      int(dec.NumChans),
	}
	if dec.WavAudioFormat == wavFormatFloat {
		f.Kind = KindFloat
	}
	if err := f.Validate(); err != nil {
		return Format{}, nil, err
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Format{}, nil, fmt.Errorf("pcm: decode wav: %w", err)
	}
	data, err := packSamples(buf.Data, f.BitsPerSample)
	if err != nil {
		return Format{}, nil, err
	}
	return f, data[:len(data)/f.Stride()*f.Stride()], nil
}

// WAVWriter streams raw frames into a WAV container. Close must be called to
// patch the header sizes; the underlying writer is not closed.
type WAVWriter struct {
	enc    *wav.Encoder
	format Format
	frames int
}

// NewWAVWriter prepares a WAV encoder for frames in format f.
func NewWAVWriter(w io.WriteSeeker, f Format) (*WAVWriter, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if f.BitsPerSample > 32 {
		return nil, fmt.Errorf("pcm: wav writer supports at most 32-bit samples, got %d", f.BitsPerSample)
	}
	tag := wavFormatPCM
	if f.Kind == KindFloat {
		tag = wavFormatFloat
	}
	return &WAVWriter{
		enc:    wav.NewEncoder(w, f.SampleRate, f.BitsPerSample, f.Channels, tag),
		format: f,
	}, nil
}

// Write encodes the whole frames contained in p. A trailing partial frame is
// reported as an error.
func (ww *WAVWriter) Write(p []byte) (int, error) {
	stride := ww.format.Stride()
	if len(p)%stride != 0 {
		return 0, fmt.Errorf("pcm: wav write of %d bytes is not a multiple of the %d-byte frame", len(p), stride)
	}
	samples, err := unpackSamples(p, ww.format.BitsPerSample)
	if err != nil {
		return 0, err
	}
	if err := ww.enc.Write(ww.intBuffer(samples)); err != nil {
		return 0, fmt.Errorf("pcm: encode wav: %w", err)
	}
	ww.frames += len(p) / stride
	return len(p), nil
}

// Frames returns the number of frames written so far.
func (ww *WAVWriter) Frames() int { return ww.frames }

// Close finalizes the WAV header.
func (ww *WAVWriter) Close() error {
	if ww.frames == 0 {
		// The encoder only emits its header on the first write.
		if err := ww.enc.Write(ww.intBuffer(nil)); err != nil {
			return fmt.Errorf("pcm: encode wav: %w", err)
		}
	}
	if err := ww.enc.Close(); err != nil {
		return fmt.Errorf("pcm: close wav: %w", err)
	}
	return nil
}

func (ww *WAVWriter) intBuffer(samples []int) *goaudio.IntBuffer {
	return &goaudio.IntBuffer{
		Format: &goaudio.Format{
			SampleRate:  ww.format.SampleRate,
			NumChannels: ww.format.Channels,
		},
		Data:           samples,
		SourceBitDepth: ww.format.BitsPerSample,
	}
}

// WriteWAV encodes data as a complete WAV stream.
func WriteWAV(w io.WriteSeeker, f Format, data []byte) error {
	ww, err := NewWAVWriter(w, f)
	if err != nil {
		return err
	}
	if _, err := ww.Write(data); err != nil {
		return err
	}
	return ww.Close()
}

// packSamples converts decoded sample values to little-endian bytes.
func packSamples(samples []int, bits int) ([]byte, error) {
	size := bits / 8
	out := make([]byte, len(samples)*size)
	for i, v := range samples {
		b := out[i*size : (i+1)*size]
		switch bits {
		case 8:
			b[0] = uint8(v)
		case 16:
			binary.LittleEndian.PutUint16(b, uint16(int16(v)))
		case 24:
			copy(b, goaudio.Int32toInt24LEBytes(int32(v)))
		case 32:
			binary.LittleEndian.PutUint32(b, uint32(int32(v)))
		default:
			return nil, fmt.Errorf("pcm: unsupported wav bit depth %d", bits)
		}
	}
	return out, nil
}

// unpackSamples is the inverse of packSamples.
func unpackSamples(p []byte, bits int) ([]int, error) {
	size := bits / 8
	out := make([]int, len(p)/size)
	for i := range out {
		b := p[i*size : (i+1)*size]
		switch bits {
		case 8:
			out[i] = int(b[0])
		case 16:
			out[i] = int(int16(binary.LittleEndian.Uint16(b)))
		case 24:
			out[i] = int(goaudio.Int24LETo32(b))
		case 32:
			out[i] = int(int32(binary.LittleEndian.Uint32(b)))
		default:
			return nil, fmt.Errorf("pcm: unsupported wav bit depth %d", bits)
		}
	}
	return out, nil
}
