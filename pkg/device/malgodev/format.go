package malgodev

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/pcmstream/pkg/device"
	"github.com/MrWong99/pcmstream/pkg/pcm"
)

// backendNames maps configuration names onto miniaudio backends.
var backendNames = map[string]malgo.Backend{
	"wasapi":     malgo.BackendWasapi,
	"dsound":     malgo.BackendDsound,
	"winmm":      malgo.BackendWinmm,
	"coreaudio":  malgo.BackendCoreaudio,
	"sndio":      malgo.BackendSndio,
	"audio4":     malgo.BackendAudio4,
	"oss":        malgo.BackendOss,
	"pulseaudio": malgo.BackendPulseaudio,
	"alsa":       malgo.BackendAlsa,
	"jack":       malgo.BackendJack,
	"aaudio":     malgo.BackendAaudio,
	"opensl":     malgo.BackendOpensl,
	"webaudio":   malgo.BackendWebaudio,
	"null":       malgo.BackendNull,
}

// ParseBackends converts backend names such as "alsa" or "wasapi" into the
// miniaudio priority list. An empty list lets miniaudio pick.
func ParseBackends(names []string) ([]malgo.Backend, error) {
	var errs []error
	out := make([]malgo.Backend, 0, len(names))
	for _, n := range names {
		b, ok := backendNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			errs = append(errs, fmt.Errorf("malgodev: unknown backend %q", n))
			continue
		}
		out = append(out, b)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

// toMalgoFormat maps f onto a miniaudio sample format.
func toMalgoFormat(f pcm.Format) (malgo.FormatType, error) {
	switch {
	case f.Kind == pcm.KindFloat && f.BitsPerSample == 32:
		return malgo.FormatF32, nil
	case f.Kind == pcm.KindInt && f.BitsPerSample == 8:
		return malgo.FormatU8, nil
	case f.Kind == pcm.KindInt && f.BitsPerSample == 16:
		return malgo.FormatS16, nil
	case f.Kind == pcm.KindInt && f.BitsPerSample == 24:
		return malgo.FormatS24, nil
	case f.Kind == pcm.KindInt && f.BitsPerSample == 32:
		return malgo.FormatS32, nil
	}
	return malgo.FormatUnknown, fmt.Errorf("%w: %s", device.ErrFormatNotSupported, f)
}

// fromDataFormat converts a native device format. ok is false for formats
// without a PCM equivalent.
func fromDataFormat(df malgo.DataFormat) (pcm.Format, bool) {
	f := pcm.Format{SampleRate: int(df.SampleRate), Channels: int(df.Channels)}
	switch df.Format {
	case malgo.FormatU8:
		f.BitsPerSample = 8
	case malgo.FormatS16:
		f.BitsPerSample = 16
	case malgo.FormatS24:
		f.BitsPerSample = 24
	case malgo.FormatS32:
		f.BitsPerSample = 32
	case malgo.FormatF32:
		f.BitsPerSample = 32
		f.Kind = pcm.KindFloat
	default:
		return pcm.Format{}, false
	}
	return f, true
}

// matches reports whether a native format can carry f. Zero rate or channel
// counts in native formats mean "any".
func matches(df malgo.DataFormat, f pcm.Format) bool {
	mf, err := toMalgoFormat(f)
	if err != nil || df.Format != mf {
		return false
	}
	if df.SampleRate != 0 && int(df.SampleRate) != f.SampleRate {
		return false
	}
	return df.Channels == 0 || int(df.Channels) == f.Channels
}

func deviceType(dir device.Direction) malgo.DeviceType {
	if dir == device.Capture {
		return malgo.Capture
	}
	return malgo.Playback
}

func shareMode(m device.ShareMode) malgo.ShareMode {
	if m == device.Exclusive {
		return malgo.Exclusive
	}
	return malgo.Shared
}

// translate maps miniaudio results onto the device sentinels.
func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, malgo.ErrAlreadyInUse), errors.Is(err, malgo.ErrBusy):
		return fmt.Errorf("malgodev: %s: %w: %v", op, device.ErrDeviceInUse, err)
	case errors.Is(err, malgo.ErrFormatNotSupported), errors.Is(err, malgo.ErrShareModeNotSupported):
		return fmt.Errorf("malgodev: %s: %w: %v", op, device.ErrFormatNotSupported, err)
	default:
		return fmt.Errorf("malgodev: %s: %w", op, err)
	}
}
