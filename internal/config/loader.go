package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/pcmstream/internal/engine"
)

// KnownBackends lists the backend names shipped with pcmstream.
// Used by [Validate] to warn about unrecognised backend names.
var KnownBackends = []string{"malgo", "wavfile"}

// Defaults applied by [ApplyDefaults].
const (
	DefaultLogLevel      = LogInfo
	DefaultBackend       = "malgo"
	DefaultLatencyMs     = 50
	DefaultSchedulerTask = "audio"
	DefaultServiceName   = "pcmstream"
	DefaultSampleRate    = 48000
	DefaultChannels      = 2
	DefaultCapture       = 10 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}
	if cfg.Observe.ServiceName == "" {
		cfg.Observe.ServiceName = DefaultServiceName
	}
	if cfg.Device.Backend == "" {
		cfg.Device.Backend = DefaultBackend
	}
	if cfg.Stream.ShareMode == "" {
		cfg.Stream.ShareMode = ShareShared
	}
	if cfg.Stream.Scheduling == "" {
		cfg.Stream.Scheduling = SchedulingEvent
	}
	if cfg.Stream.LatencyMs == 0 {
		cfg.Stream.LatencyMs = DefaultLatencyMs
	}
	if cfg.Stream.SchedulerTask == "" {
		cfg.Stream.SchedulerTask = DefaultSchedulerTask
	}

	// Shared mode only accepts 32-bit float; make that the default format.
	f := &cfg.Format
	if f.SampleRate == 0 {
		f.SampleRate = DefaultSampleRate
	}
	if f.Channels == 0 {
		f.Channels = DefaultChannels
	}
	if f.BitsPerSample == 0 {
		f.BitsPerSample = 32
		if f.Kind == "" {
			f.Kind = SampleFloat
		}
	}
	if f.Kind == "" {
		f.Kind = SampleInt
	}

	if cfg.Playback.StartID == 0 {
		cfg.Playback.StartID = 1
	}
	if cfg.Capture.Duration == 0 {
		cfg.Capture.Duration = DefaultCapture
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Device.Backend == "" {
		errs = append(errs, errors.New("device.backend is required"))
	} else if !slices.Contains(KnownBackends, cfg.Device.Backend) {
		slog.Warn("unknown device backend; it must be registered before use",
			"backend", cfg.Device.Backend,
			"known", KnownBackends,
		)
	}

	s := cfg.Stream
	if !s.ShareMode.IsValid() {
		errs = append(errs, fmt.Errorf("stream.share_mode %q is invalid; valid values: shared, exclusive", s.ShareMode))
	}
	if !s.Scheduling.IsValid() {
		errs = append(errs, fmt.Errorf("stream.scheduling %q is invalid; valid values: event, timer", s.Scheduling))
	}
	if s.LatencyMs <= 0 || s.LatencyMs > 2000 {
		errs = append(errs, fmt.Errorf("stream.latency_ms %d is out of range (0, 2000]", s.LatencyMs))
	}
	if _, err := engine.ParseSchedulerTask(s.SchedulerTask); err != nil {
		errs = append(errs, fmt.Errorf("stream.scheduler_task %q is invalid; valid values: none, audio, pro_audio, playback", s.SchedulerTask))
	}
	if s.MaxCycleFailures < 0 {
		errs = append(errs, fmt.Errorf("stream.max_cycle_failures %d must not be negative", s.MaxCycleFailures))
	}
	if s.MaxQueueBytes < 0 {
		errs = append(errs, fmt.Errorf("stream.max_queue_bytes %d must not be negative", s.MaxQueueBytes))
	}
	if s.Recovery.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("stream.recovery.max_retries %d must not be negative", s.Recovery.MaxRetries))
	}
	if s.Recovery.MaxFlaps < 0 {
		errs = append(errs, fmt.Errorf("stream.recovery.max_flaps %d must not be negative", s.Recovery.MaxFlaps))
	}

	if !cfg.Format.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("format.sample_kind %q is invalid; valid values: sint, sfloat", cfg.Format.Kind))
	} else if err := cfg.Format.PCM().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("format: %w", err))
	}
	if s.ShareMode == ShareShared && (cfg.Format.Kind != SampleFloat || cfg.Format.BitsPerSample != 32) {
		errs = append(errs, fmt.Errorf("format: shared mode needs 32-bit sfloat samples, got %d-bit %s", cfg.Format.BitsPerSample, cfg.Format.Kind))
	}

	for i, path := range cfg.Playback.Files {
		if path == "" {
			errs = append(errs, fmt.Errorf("playback.files[%d] is empty", i))
		}
	}
	if n := len(cfg.Playback.Files); n > 0 && (cfg.Playback.StartID < 1 || cfg.Playback.StartID > n) {
		errs = append(errs, fmt.Errorf("playback.start_id %d is out of range [1, %d]", cfg.Playback.StartID, n))
	}
	if cfg.Capture.Duration < 0 {
		errs = append(errs, fmt.Errorf("capture.duration %v must not be negative", cfg.Capture.Duration))
	}

	return errors.Join(errs...)
}
