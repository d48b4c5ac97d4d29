// Package config provides the configuration schema, loader, backend registry
// and file watcher for the pcmstream tool.
package config

import (
	"time"

	"github.com/MrWong99/pcmstream/internal/engine"
	"github.com/MrWong99/pcmstream/pkg/device"
	"github.com/MrWong99/pcmstream/pkg/pcm"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ShareMode selects shared or exclusive device access.
type ShareMode string

const (
	ShareShared    ShareMode = "shared"
	ShareExclusive ShareMode = "exclusive"
)

// IsValid reports whether m is a recognised share mode.
func (m ShareMode) IsValid() bool {
	return m == ShareShared || m == ShareExclusive
}

// Device converts m to a [device.ShareMode].
func (m ShareMode) Device() device.ShareMode {
	if m == ShareExclusive {
		return device.Exclusive
	}
	return device.Shared
}

// Scheduling selects how the streaming loop is woken.
type Scheduling string

const (
	// SchedulingEvent wakes the loop when the device signals buffer
	// readiness.
	SchedulingEvent Scheduling = "event"

	// SchedulingTimer wakes the loop on a fixed timeout of half the latency.
	SchedulingTimer Scheduling = "timer"
)

// IsValid reports whether s is a recognised scheduling mode.
func (s Scheduling) IsValid() bool {
	return s == SchedulingEvent || s == SchedulingTimer
}

// Device converts s to a [device.Scheduling].
func (s Scheduling) Device() device.Scheduling {
	if s == SchedulingTimer {
		return device.TimerDriven
	}
	return device.EventDriven
}

// SampleKind names the sample encoding in configuration files.
type SampleKind string

const (
	SampleInt   SampleKind = "sint"
	SampleFloat SampleKind = "sfloat"
)

// IsValid reports whether k is a recognised sample kind.
func (k SampleKind) IsValid() bool {
	return k == SampleInt || k == SampleFloat
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Observe  ObserveConfig  `yaml:"observe"`
	Device   DeviceEntry    `yaml:"device"`
	Stream   StreamConfig   `yaml:"stream"`
	Format   FormatConfig   `yaml:"format"`
	Playback PlaybackConfig `yaml:"playback"`
	Capture  CaptureConfig  `yaml:"capture"`
}

// ServerConfig holds process-wide settings.
type ServerConfig struct {
	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// ObserveConfig configures metrics and diagnostics.
type ObserveConfig struct {
	// MetricsAddr is the TCP address serving /metrics, /healthz and /readyz
	// (e.g., ":9090"). Empty disables the HTTP listener.
	MetricsAddr string `yaml:"metrics_addr"`

	// ServiceName is the OpenTelemetry service name. Defaults to "pcmstream".
	ServiceName string `yaml:"service_name"`
}

// DeviceEntry selects an audio backend and a device on it. The Backend field
// is used to look up the constructor in the [Registry].
type DeviceEntry struct {
	// Backend selects the registered backend (e.g., "malgo", "wavfile").
	Backend string `yaml:"backend"`

	// Name selects a device by case-insensitive name substring. Empty picks
	// the system default device.
	Name string `yaml:"name"`

	// Options holds backend-specific values. The wavfile backend reads
	// "path" and "realtime"; malgo reads "backends".
	Options map[string]any `yaml:"options"`
}

// StreamConfig holds the engine and device negotiation settings.
type StreamConfig struct {
	ShareMode  ShareMode  `yaml:"share_mode"`
	Scheduling Scheduling `yaml:"scheduling"`

	// LatencyMs is the device period in milliseconds. It also sizes the
	// leading (1x) and trailing (4x) silence of the playback queue.
	LatencyMs int `yaml:"latency_ms"`

	// SchedulerTask is the priority class of the streaming thread: none,
	// audio, pro_audio or playback.
	SchedulerTask string `yaml:"scheduler_task"`

	// MaxCycleFailures bounds consecutive failed cycles before a stream
	// stops. Zero uses the engine default.
	MaxCycleFailures int `yaml:"max_cycle_failures"`

	// MaxQueueBytes bounds the memory the playback queue may use. Zero means
	// unbounded.
	MaxQueueBytes int `yaml:"max_queue_bytes"`

	// Recovery restarts a stream that stopped on a device error.
	Recovery RecoveryConfig `yaml:"recovery"`
}

// RecoveryConfig configures automatic stream recovery. MaxRetries zero
// disables it.
type RecoveryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// MaxFlaps, CoolDown and StableAfter pause recovery of a device that
	// fails again right after every restart.
	MaxFlaps    int           `yaml:"max_flaps"`
	CoolDown    time.Duration `yaml:"cool_down"`
	StableAfter time.Duration `yaml:"stable_after"`
}

// FormatConfig is the PCM format negotiated with the device.
type FormatConfig struct {
	SampleRate    int        `yaml:"sample_rate"`
	BitsPerSample int        `yaml:"bits_per_sample"`
	ValidBits     int        `yaml:"valid_bits"`
	Kind          SampleKind `yaml:"sample_kind"`
	Channels      int        `yaml:"channels"`
}

// PCM converts f to a [pcm.Format].
func (f FormatConfig) PCM() pcm.Format {
	kind := pcm.KindInt
	if f.Kind == SampleFloat {
		kind = pcm.KindFloat
	}
	return pcm.Format{
		SampleRate:         f.SampleRate,
		BitsPerSample:      f.BitsPerSample,
		ValidBitsPerSample: f.ValidBits,
		Kind:               kind,
		Channels:           f.Channels,
	}
}

// PlaybackConfig lists the program played by "pcmstream play".
type PlaybackConfig struct {
	// Files are WAV files queued in order. The segment id of Files[i] is
	// i+1.
	Files []string `yaml:"files"`

	// StartID is the id of the segment playback starts at. Defaults to 1.
	StartID int `yaml:"start_id"`

	// Repeat loops the program. Hot-reloadable.
	Repeat bool `yaml:"repeat"`
}

// CaptureConfig configures "pcmstream record".
type CaptureConfig struct {
	// Output is the WAV file the recording is written to.
	Output string `yaml:"output"`

	// Duration sizes the capture buffer; recording stops once it is full.
	Duration time.Duration `yaml:"duration"`
}

// Task parses the configured scheduler task. Invalid values map to
// [engine.TaskNone]; [Validate] reports them.
func (s StreamConfig) Task() engine.SchedulerTask {
	t, _ := engine.ParseSchedulerTask(s.SchedulerTask)
	return t
}
