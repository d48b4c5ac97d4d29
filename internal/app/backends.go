package app

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/pcmstream/internal/config"
	"github.com/MrWong99/pcmstream/pkg/device"
	"github.com/MrWong99/pcmstream/pkg/device/malgodev"
	"github.com/MrWong99/pcmstream/pkg/device/wavfile"
)

// RegisterBuiltinBackends wires the device backends that ship with pcmstream
// into reg.
func RegisterBuiltinBackends(reg *config.Registry, log *slog.Logger) {
	// ── malgo ─────────────────────────────────────────────────────────────────
	reg.Register("malgo", func(entry config.DeviceEntry, dir device.Direction) (device.Device, error) {
		backends, err := malgodev.ParseBackends(optStrings(entry.Options, "backends"))
		if err != nil {
			return nil, err
		}
		return malgodev.New(dir,
			malgodev.WithBackends(backends),
			malgodev.WithDeviceName(entry.Name),
			malgodev.WithLogger(log),
		), nil
	}, func(entry config.DeviceEntry) ([]device.Info, error) {
		backends, err := malgodev.ParseBackends(optStrings(entry.Options, "backends"))
		if err != nil {
			return nil, err
		}
		return malgodev.List(backends)
	})

	// ── wavfile ───────────────────────────────────────────────────────────────
	reg.Register("wavfile", func(entry config.DeviceEntry, dir device.Direction) (device.Device, error) {
		path := optString(entry.Options, "path")
		if path == "" {
			return nil, fmt.Errorf("app: wavfile backend needs a %q option", "path")
		}
		return wavfile.New(path, dir,
			wavfile.WithRealtime(optBool(entry.Options, "realtime")),
			wavfile.WithLogger(log),
		), nil
	}, func(entry config.DeviceEntry) ([]device.Info, error) {
		path := optString(entry.Options, "path")
		if path == "" {
			return nil, nil
		}
		return []device.Info{
			wavfile.New(path, device.Render).Info(),
			wavfile.New(path, device.Capture).Info(),
		}, nil
	})
}

// ── option helpers ────────────────────────────────────────────────────────────

// optString extracts a string value from a backend Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optBool extracts a boolean value from a backend Options map.
func optBool(opts map[string]any, key string) bool {
	b, _ := opts[key].(bool)
	return b
}

// optStrings extracts a list of strings. YAML decodes sequences into []any;
// a single string is accepted as a one-element list.
func optStrings(opts map[string]any, key string) []string {
	switch v := opts[key].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
