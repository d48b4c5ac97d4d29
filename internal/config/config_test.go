package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/pcmstream/internal/config"
	"github.com/MrWong99/pcmstream/internal/engine"
	"github.com/MrWong99/pcmstream/pkg/device"
	"github.com/MrWong99/pcmstream/pkg/device/mock"
	"github.com/MrWong99/pcmstream/pkg/pcm"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  log_level: debug

observe:
  metrics_addr: ":9090"

device:
  backend: malgo
  name: USB Audio
  options:
    backends: [alsa]

stream:
  share_mode: exclusive
  scheduling: timer
  latency_ms: 20
  scheduler_task: pro_audio
  max_cycle_failures: 10
  max_queue_bytes: 67108864
  recovery:
    max_retries: 3
    backoff: 250ms
    max_backoff: 4s
    max_flaps: 2
    cool_down: 1m

format:
  sample_rate: 44100
  bits_per_sample: 24
  valid_bits: 20
  sample_kind: sint
  channels: 2

playback:
  files: [intro.wav, loop.wav, outro.wav]
  start_id: 2
  repeat: true

capture:
  output: take1.wav
  duration: 90s
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.Observe.MetricsAddr != ":9090" {
		t.Errorf("metrics_addr: got %q", cfg.Observe.MetricsAddr)
	}
	if cfg.Observe.ServiceName != config.DefaultServiceName {
		t.Errorf("service_name: got %q, want default", cfg.Observe.ServiceName)
	}
	if cfg.Device.Backend != "malgo" || cfg.Device.Name != "USB Audio" {
		t.Errorf("device: got %+v", cfg.Device)
	}
	if cfg.Stream.ShareMode.Device() != device.Exclusive {
		t.Errorf("share_mode: got %q", cfg.Stream.ShareMode)
	}
	if cfg.Stream.Scheduling.Device() != device.TimerDriven {
		t.Errorf("scheduling: got %q", cfg.Stream.Scheduling)
	}
	if cfg.Stream.Task() != engine.TaskProAudio {
		t.Errorf("scheduler_task: got %v", cfg.Stream.Task())
	}
	if cfg.Stream.Recovery.Backoff != 250*time.Millisecond || cfg.Stream.Recovery.MaxBackoff != 4*time.Second ||
		cfg.Stream.Recovery.MaxFlaps != 2 || cfg.Stream.Recovery.CoolDown != time.Minute {
		t.Errorf("recovery: got %+v", cfg.Stream.Recovery)
	}

	want := pcm.Format{SampleRate: 44100, BitsPerSample: 24, ValidBitsPerSample: 20, Kind: pcm.KindInt, Channels: 2}
	if got := cfg.Format.PCM(); got != want {
		t.Errorf("format: got %+v, want %+v", got, want)
	}
	if len(cfg.Playback.Files) != 3 || cfg.Playback.StartID != 2 || !cfg.Playback.Repeat {
		t.Errorf("playback: got %+v", cfg.Playback)
	}
	if cfg.Capture.Duration != 90*time.Second {
		t.Errorf("capture.duration: got %v", cfg.Capture.Duration)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader(empty): %v", err)
	}

	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Device.Backend != config.DefaultBackend {
		t.Errorf("backend: got %q", cfg.Device.Backend)
	}
	if cfg.Stream.ShareMode != config.ShareShared || cfg.Stream.Scheduling != config.SchedulingEvent {
		t.Errorf("stream: got %+v", cfg.Stream)
	}
	if cfg.Stream.LatencyMs != config.DefaultLatencyMs {
		t.Errorf("latency_ms: got %d", cfg.Stream.LatencyMs)
	}
	if cfg.Stream.Task() != engine.TaskAudio {
		t.Errorf("scheduler_task: got %v", cfg.Stream.Task())
	}
	f := cfg.Format.PCM()
	if f.Kind != pcm.KindFloat || f.BitsPerSample != 32 || f.SampleRate != 48000 || f.Channels != 2 {
		t.Errorf("default format: got %v", f)
	}
	if cfg.Playback.StartID != 1 {
		t.Errorf("start_id: got %d", cfg.Playback.StartID)
	}
	if cfg.Capture.Duration != config.DefaultCapture {
		t.Errorf("capture.duration: got %v", cfg.Capture.Duration)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("stream:\n  latncy_ms: 10\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

// ── enums ────────────────────────────────────────────────────────────────────

func TestEnums_IsValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		valid bool
	}{
		{name: "log level debug", valid: config.LogDebug.IsValid()},
		{name: "log level bogus", valid: !config.LogLevel("trace").IsValid()},
		{name: "share mode exclusive", valid: config.ShareExclusive.IsValid()},
		{name: "share mode bogus", valid: !config.ShareMode("private").IsValid()},
		{name: "scheduling timer", valid: config.SchedulingTimer.IsValid()},
		{name: "scheduling bogus", valid: !config.Scheduling("poll").IsValid()},
		{name: "sample kind float", valid: config.SampleFloat.IsValid()},
		{name: "sample kind bogus", valid: !config.SampleKind("ulaw").IsValid()},
	}
	for _, tt := range tests {
		if !tt.valid {
			t.Errorf("%s: unexpected validity", tt.name)
		}
	}
}

// ── registry ─────────────────────────────────────────────────────────────────

func TestRegistry_CreateAndList(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	dev := &mock.Device{}
	var gotDirection device.Direction
	reg.Register("mock", func(entry config.DeviceEntry, dir device.Direction) (device.Device, error) {
		gotDirection = dir
		return dev, nil
	}, func(config.DeviceEntry) ([]device.Info, error) {
		return []device.Info{{ID: "0", Name: "Mock Speaker", IsDefault: true}}, nil
	})

	got, err := reg.Create(config.DeviceEntry{Backend: "mock"}, device.Capture)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got != dev {
		t.Error("Create returned a different device")
	}
	if gotDirection != device.Capture {
		t.Errorf("factory direction: got %v, want capture", gotDirection)
	}

	infos, err := reg.List(config.DeviceEntry{Backend: "mock"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "Mock Speaker" {
		t.Errorf("List: got %+v", infos)
	}

	if names := reg.Backends(); len(names) != 1 || names[0] != "mock" {
		t.Errorf("Backends: got %v", names)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	if _, err := reg.Create(config.DeviceEntry{Backend: "pulse"}, device.Render); !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("Create: want ErrBackendNotRegistered, got %v", err)
	}

	reg.Register("nolist", func(config.DeviceEntry, device.Direction) (device.Device, error) {
		return &mock.Device{}, nil
	}, nil)
	if _, err := reg.List(config.DeviceEntry{Backend: "nolist"}); !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("List: want ErrBackendNotRegistered, got %v", err)
	}
}
