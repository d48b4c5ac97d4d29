// Command pcmstream plays WAV programs on an audio device, records from one,
// and lists the devices of a backend.
//
// Usage:
//
//	pcmstream [-config config.yaml] [-watch 5s] play|record|devices
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/MrWong99/pcmstream/internal/app"
	"github.com/MrWong99/pcmstream/internal/config"
	"github.com/MrWong99/pcmstream/internal/observe"
	"github.com/MrWong99/pcmstream/pkg/device"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Duration("watch", 5*time.Second, "config reload poll interval; 0 disables reloading")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: pcmstream [flags] play|record|devices\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cmd := flag.Arg(0)
	switch cmd {
	case "play", "record", "devices":
	default:
		flag.Usage()
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "pcmstream: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "pcmstream: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, level := app.NewLogger(cfg.Server.LogLevel, os.Stderr)
	slog.SetDefault(logger)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.NewProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Observe.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	provider.SetGlobal()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	opts := []app.Option{app.WithLogger(logger), app.WithLevelVar(level), app.WithProvider(provider)}
	if *watch > 0 {
		opts = append(opts, app.WithConfigWatch(*configPath, *watch))
	}
	application := app.New(cfg, opts...)

	if cmd == "devices" {
		infos, err := application.Devices()
		if err != nil {
			slog.Error("listing devices failed", "backend", cfg.Device.Backend, "err", err)
			return 1
		}
		printDevices(infos)
		return 0
	}

	slog.Info("pcmstream starting",
		"command", cmd,
		"version", version,
		"config", *configPath,
		"backend", cfg.Device.Backend,
		"share_mode", cfg.Stream.ShareMode,
		"scheduling", cfg.Stream.Scheduling,
		"latency_ms", cfg.Stream.LatencyMs,
	)

	job := application.Play
	if cmd == "record" {
		job = application.Record
	}

	code := 0
	if err := application.Run(ctx, job); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "command", cmd, "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

func printDevices(infos []device.Info) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DIRECTION\tDEFAULT\tNAME\tFORMATS")
	for _, info := range infos {
		def := ""
		if info.IsDefault {
			def = "*"
		}
		formats := make([]string, 0, len(info.Formats))
		for _, f := range info.Formats {
			formats = append(formats, f.String())
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.Direction, def, info.Name, strings.Join(formats, ", "))
	}
	_ = w.Flush()
}
