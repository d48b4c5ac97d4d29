package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/pcmstream/internal/observe"
	"github.com/MrWong99/pcmstream/internal/session"
	"github.com/MrWong99/pcmstream/pkg/device"
	"github.com/MrWong99/pcmstream/pkg/pcm"
)

// Play queues the configured WAV files and plays them on the configured
// device until the program drains, recovery gives up or ctx is done.
func (a *App) Play(ctx context.Context) (err error) {
	ctx, span := observe.StartSpan(ctx, "app.play")
	defer endSpan(span, &err)

	c, err := a.open(ctx, device.Render)
	if err != nil {
		return err
	}
	if len(a.cfg.Playback.Files) == 0 {
		return errors.New("app: play: no files configured")
	}

	f := c.Format()
	if err := c.BeginAppend(); err != nil {
		return fmt.Errorf("app: play: %w", err)
	}
	for i, path := range a.cfg.Playback.Files {
		data, err := loadWAV(path, f)
		if err != nil {
			return err
		}
		if err := c.Append(i+1, data); err != nil {
			return fmt.Errorf("app: play: queue %s: %w", path, err)
		}
	}
	if err := c.EndAppend(); err != nil {
		return fmt.Errorf("app: play: %w", err)
	}

	a.mu.Lock()
	repeat := a.cfg.Playback.Repeat
	a.mu.Unlock()
	c.SetRepeat(repeat)

	startID := a.cfg.Playback.StartID
	if startID == 0 {
		startID = 1
	}
	if err := c.Start(ctx, startID); err != nil {
		return err
	}
	a.log.Info("playback started",
		"files", len(a.cfg.Playback.Files),
		"queue_frames", c.QueueFrames(),
		"repeat", repeat,
	)
	if err := a.wait(ctx, c, startID); err != nil {
		return err
	}
	a.log.Info("playback finished", "reason", c.StopReason().String())
	return nil
}

// Record captures from the configured device into a buffer of
// Capture.Duration and writes it to Capture.Output. A cancelled recording
// still writes what was captured.
func (a *App) Record(ctx context.Context) (err error) {
	ctx, span := observe.StartSpan(ctx, "app.record")
	defer endSpan(span, &err)

	if a.cfg.Capture.Output == "" {
		return errors.New("app: record: no output file configured")
	}
	c, err := a.open(ctx, device.Capture)
	if err != nil {
		return err
	}

	f := c.Format()
	frames := f.FramesFor(a.cfg.Capture.Duration)
	if frames <= 0 {
		return fmt.Errorf("app: record: duration %s holds no frames", a.cfg.Capture.Duration)
	}
	if err := c.SetupCaptureBuffer(frames * f.Stride()); err != nil {
		return fmt.Errorf("app: record: %w", err)
	}
	if err := c.Start(ctx, 0); err != nil {
		return err
	}
	a.log.Info("recording started", "frames", frames, "duration", a.cfg.Capture.Duration)

	waitErr := a.wait(ctx, c, 0)

	data := make([]byte, frames*f.Stride())
	n := c.CapturedData(data)
	if err := writeWAV(a.cfg.Capture.Output, f, data[:n]); err != nil {
		return errors.Join(waitErr, err)
	}
	a.log.Info("recording written",
		"path", a.cfg.Capture.Output,
		"frames", c.CapturedFrames(),
		"glitches", c.GlitchCount(),
	)
	return waitErr
}

// Devices lists the devices of the configured backend.
func (a *App) Devices() ([]device.Info, error) {
	return a.reg.List(a.cfg.Device)
}

// open creates a controller for dir on the configured device and sets it up.
// The controller is released by Shutdown even when Setup fails.
func (a *App) open(ctx context.Context, dir device.Direction) (*session.Controller, error) {
	dev, err := a.reg.Create(a.cfg.Device, dir)
	if err != nil {
		return nil, err
	}
	s := a.cfg.Stream
	c := session.New(dir, dev,
		session.WithShareMode(s.ShareMode.Device()),
		session.WithSchedulerTask(s.Task()),
		session.WithMetrics(a.metrics),
		session.WithLogger(a.log),
		session.WithMaxQueueBytes(s.MaxQueueBytes),
		session.WithMaxCycleFailures(s.MaxCycleFailures),
	)
	a.track(c)

	err = c.Setup(ctx, session.SetupParams{
		Scheduling: s.Scheduling.Device(),
		Format:     a.cfg.Format.PCM(),
		LatencyMs:  s.LatencyMs,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// wait blocks until the stream of c ends. With recovery configured, streams
// that stop on a device error are reopened and restarted.
func (a *App) wait(ctx context.Context, c *session.Controller, startID int) error {
	var err error
	if rc := a.cfg.Stream.Recovery; rc.MaxRetries > 0 {
		err = session.NewRecoverer(c, session.RecovererConfig{
			MaxRetries:  rc.MaxRetries,
			Backoff:     rc.Backoff,
			MaxBackoff:  rc.MaxBackoff,
			MaxFlaps:    rc.MaxFlaps,
			CoolDown:    rc.CoolDown,
			StableAfter: rc.StableAfter,
			OnRecover: func(attempt int) {
				a.log.Info("stream recovered", "session_id", c.ID(), "attempt", attempt)
			},
		}).Run(ctx, startID)
	} else {
		err = c.Wait(ctx)
	}
	if ctx.Err() != nil {
		c.Stop()
	}
	return err
}

func loadWAV(path string, want pcm.Format) ([]byte, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("app: open %s: %w", path, err)
	}
	defer fh.Close()

	got, data, err := pcm.ReadWAV(fh)
	if err != nil {
		return nil, fmt.Errorf("app: read %s: %w", path, err)
	}
	if got.SampleRate != want.SampleRate || got.Channels != want.Channels ||
		got.BitsPerSample != want.BitsPerSample || got.Kind != want.Kind {
		return nil, fmt.Errorf("app: %s is %s, stream is %s: %w", path, got, want, device.ErrFormatNotSupported)
	}
	return data, nil
}

func writeWAV(path string, f pcm.Format, data []byte) error {
	fh, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("app: create %s: %w", path, err)
	}
	if err := pcm.WriteWAV(fh, f, data); err != nil {
		_ = fh.Close()
		return fmt.Errorf("app: write %s: %w", path, err)
	}
	return fh.Close()
}

func endSpan(span trace.Span, err *error) {
	if *err != nil && !errors.Is(*err, context.Canceled) {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}
