// Package app wires configuration, device backends and stream sessions into
// the pcmstream commands.
//
// The App struct owns the process lifecycle: New resolves the backend
// registry and observability, Run executes one job (play, record) next to the
// metrics HTTP server and the config watcher, and Shutdown releases
// everything in order.
//
// For testing, inject a registry, metrics or logger via functional options.
// When an option is not provided, New uses the built-in backends and the
// global OpenTelemetry providers.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pcmstream/internal/config"
	"github.com/MrWong99/pcmstream/internal/health"
	"github.com/MrWong99/pcmstream/internal/observe"
	"github.com/MrWong99/pcmstream/internal/session"
	"github.com/MrWong99/pcmstream/pkg/device"
)

// shutdownTimeout bounds the graceful shutdown of the HTTP server.
const shutdownTimeout = 5 * time.Second

// Job is one unit of work run by [App.Run], such as [App.Play].
type Job func(ctx context.Context) error

// App owns all subsystem lifetimes of a pcmstream process.
type App struct {
	cfg *config.Config
	reg *config.Registry

	log      *slog.Logger
	level    *slog.LevelVar
	metrics  *observe.Metrics
	provider *observe.Provider
	health   *health.Handler

	configPath    string
	watchInterval time.Duration

	mu     sync.Mutex
	active []*session.Controller

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry injects a backend registry instead of the built-in one.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.reg = r }
}

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets config reloads change the level of the process logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics injects metrics instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithProvider serves p's registry on /metrics, traces diagnostics requests
// on p and, unless [WithMetrics] is given, records stream metrics on it.
func WithProvider(p *observe.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithConfigWatch reloads the config file at path while a job runs.
// Hot-reloadable settings are applied live; others are logged.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.watchInterval = interval
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App for cfg.
func New(cfg *config.Config, opts ...Option) *App {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.reg == nil {
		a.reg = config.NewRegistry()
		RegisterBuiltinBackends(a.reg, a.log)
	}
	if a.metrics == nil && a.provider != nil {
		m, err := observe.NewMetrics(a.provider.MeterProvider())
		if err != nil {
			a.log.Warn("stream metrics fall back to the global provider", "err", err)
		}
		a.metrics = m
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.health = health.New()
	return a
}

// Health returns the health handler that reports the streams of this App.
func (a *App) Health() *health.Handler { return a.health }

// Handler returns the HTTP handler serving /healthz, /readyz and /status,
// plus /metrics when a provider was given.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	opts := []observe.MiddlewareOption{observe.WithRequestLogger(a.log)}
	if a.provider != nil {
		mux.Handle("GET /metrics", a.provider.Handler())
		opts = append(opts, observe.WithTracerProvider(a.provider.TracerProvider()))
	}
	a.health.Register(mux)
	return observe.Middleware(a.metrics, opts...)(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run executes job next to the metrics server and the config watcher. It
// returns when job returns or ctx is cancelled; a job that ends on its own
// also stops the server and the watcher.
func (a *App) Run(ctx context.Context, job Job) error {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(jobCtx)

	if addr := a.cfg.Observe.MetricsAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.log.Info("metrics server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.ApplyConfig,
			config.WithInterval(a.watchInterval),
			config.WithWatcherLogger(a.log),
		)
		if err != nil {
			a.log.Warn("config watcher disabled", "err", err)
		} else {
			g.Go(func() error {
				<-gctx.Done()
				w.Stop()
				return nil
			})
		}
	}

	g.Go(func() error {
		defer cancel()
		return job(gctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		// The job finished and cancelled its siblings.
		return nil
	}
	return err
}

// ApplyConfig applies the hot-reloadable differences between old and new:
// the log level and the repeat flag of running playback sessions. Settings
// that need a restart are logged.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(slogLevel(d.NewLogLevel))
		}
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.RepeatChanged {
		a.mu.Lock()
		for _, c := range a.active {
			if c.Direction() == device.Render {
				c.SetRepeat(d.NewRepeat)
				a.log.Info("playback repeat changed", "session_id", c.ID(), "repeat", d.NewRepeat)
			}
		}
		a.mu.Unlock()
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config sections changed that need a restart", "sections", d.RestartRequired)
	}

	a.mu.Lock()
	a.cfg.Server.LogLevel = new.Server.LogLevel
	a.cfg.Playback.Repeat = new.Playback.Repeat
	a.mu.Unlock()
}

// track registers c with the health handler and for live config changes.
func (a *App) track(c *session.Controller) {
	a.health.Watch(c)
	a.mu.Lock()
	a.active = append(a.active, c)
	a.mu.Unlock()
	a.closers = append(a.closers, c.Unsetup)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases every device the App opened. It is safe to call more
// than once; later calls return nil.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		for _, c := range a.closers {
			if err := ctx.Err(); err != nil {
				errs = append(errs, fmt.Errorf("app: shutdown: %w", err))
				break
			}
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// slogLevel converts a configured log level.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger: a text handler on stderr whose level
// is held by the returned [slog.LevelVar].
func NewLogger(level config.LogLevel, w io.Writer) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv})), lv
}
