// Package app wires all voxclone subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and drives the background jobs, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithMetrics,
// WithLevelVar, etc.). The backend opener is always supplied by the caller;
// main.go builds it from the config registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxclone/internal/api"
	"github.com/MrWong99/voxclone/internal/cloning"
	"github.com/MrWong99/voxclone/internal/config"
	"github.com/MrWong99/voxclone/internal/files"
	"github.com/MrWong99/voxclone/internal/health"
	"github.com/MrWong99/voxclone/internal/model"
	"github.com/MrWong99/voxclone/internal/observe"
	"github.com/MrWong99/voxclone/internal/profile"
	"github.com/MrWong99/voxclone/internal/quality"
	"github.com/MrWong99/voxclone/internal/ratelimit"
	"github.com/MrWong99/voxclone/internal/recording"
	"github.com/MrWong99/voxclone/internal/resilience"
	"github.com/MrWong99/voxclone/internal/speaker"
	"github.com/MrWong99/voxclone/internal/synth"
	"github.com/MrWong99/voxclone/pkg/backend"
)

// shutdownTimeout bounds graceful HTTP shutdown once Run's context ends.
const shutdownTimeout = 15 * time.Second

// App owns all subsystem lifetimes of the voxclone service.
type App struct {
	cfg     *config.Config
	opener  backend.Opener
	version string

	// Optional, injected via options.
	metrics    *observe.Metrics
	levels     *slog.LevelVar
	configPath string
	watchOpts  []config.WatcherOption

	// Subsystems, initialised in New and torn down in Shutdown.
	files      *files.Manager
	store      *profile.FileStore
	recordings *recording.Service
	speakers   *speaker.Resolver
	invoker    *synth.Invoker
	loader     *model.Loader
	cloning    *cloning.Service
	limiter    *ratelimit.Limiter
	limitMW    *ratelimit.Middleware
	scheduler  *files.Scheduler
	watcher    *config.Watcher
	handler    http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once

	mu   sync.Mutex
	addr net.Addr
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics records to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets configuration reloads change the log level through lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levels = lv }
}

// WithConfigWatch watches the config file at path and applies live changes
// (log level, rate limits) without a restart.
func WithConfigWatch(path string, opts ...config.WatcherOption) Option {
	return func(a *App) {
		a.configPath = path
		a.watchOpts = opts
	}
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// New creates an App by wiring all subsystems together. The opener comes from
// main.go (built via the config registry).
//
// New performs all initialisation synchronously except model loading, which
// happens lazily or in the background during Run.
func New(ctx context.Context, cfg *config.Config, opener backend.Opener, opts ...Option) (*App, error) {
	if opener == nil {
		return nil, errors.New("app: backend opener is required")
	}
	a := &App{cfg: cfg, opener: opener, version: "dev"}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Storage ───────────────────────────────────────────────────────
	if err := a.initStorage(); err != nil {
		return nil, fmt.Errorf("app: init storage: %w", err)
	}

	// ── 2. Synthesis stack ───────────────────────────────────────────────
	if err := a.initSynthesis(); err != nil {
		return nil, fmt.Errorf("app: init synthesis: %w", err)
	}

	// ── 3. Recording workflow ────────────────────────────────────────────
	rc := cfg.Recording
	a.recordings = recording.New(a.store, recording.Config{
		MinSteps:                 rc.MinSteps,
		MaxSteps:                 rc.MaxSteps,
		DefaultSteps:             rc.DefaultSteps,
		SampleRate:               cfg.Audio.DefaultSampleRate,
		Gap:                      time.Duration(rc.GapSeconds * float64(time.Second)),
		AllowCurrentStepResubmit: rc.AllowCurrentStepResubmit,
		UploadLimits:             uploadLimits(cfg.Audio),
	}, recording.WithMetrics(a.metrics))

	// ── 4. Rate limiting ─────────────────────────────────────────────────
	a.limiter = ratelimit.New(rateLimits(cfg.RateLimits))
	a.limitMW = ratelimit.NewMiddleware(a.limiter, a.metrics)
	a.limitMW.SetEnabled(cfg.RateLimits.IsEnabled())

	// ── 5. Cleanup schedule ──────────────────────────────────────────────
	sched, err := files.NewScheduler(a.files, cfg.Cleanup.CleanupSchedule(), cfg.Cleanup.MaxAge, files.WithMetrics(a.metrics))
	if err != nil {
		return nil, fmt.Errorf("app: init cleanup: %w", err)
	}
	a.scheduler = sched

	// ── 6. HTTP API ──────────────────────────────────────────────────────
	a.initAPI()

	// ── 7. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyChange, a.watchOpts...)
		if err != nil {
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
		a.closers = append(a.closers, func() error { w.Stop(); return nil })
	}

	a.closers = append(a.closers, a.loader.Close)
	slog.InfoContext(ctx, "application initialised",
		"backend", cfg.Backend.Name,
		"upload_dir", cfg.Storage.UploadDir,
		"profiles_dir", a.store.Root(),
		"rate_limits", cfg.RateLimits.IsEnabled(),
	)
	return a, nil
}

// initStorage creates the file manager and the profile store.
func (a *App) initStorage() error {
	st := a.cfg.Storage
	fm, err := files.New(files.Config{
		UploadDir:      st.UploadDir,
		OutputDir:      st.OutputDir,
		TempDir:        st.TempDir,
		AllowedFormats: a.cfg.Audio.AllowedFormats,
		MaxUploadBytes: a.cfg.Server.MaxUploadBytes,
		CleanupDirs:    cleanupDirs(a.cfg),
	})
	if err != nil {
		return err
	}
	a.files = fm

	store, err := profile.NewFileStore(st.ProfilesDir)
	if err != nil {
		return err
	}
	a.store = store
	return nil
}

// initSynthesis creates the speaker resolver, invoker, model loader and
// cloning service.
func (a *App) initSynthesis() error {
	cfg := a.cfg
	res, err := speaker.NewResolver(cfg.Speaker.CacheSize, speaker.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	a.speakers = res

	b := cfg.Backend
	a.invoker = synth.New(res, synth.Config{
		DefaultSpeakerID:            b.DefaultSpeakerID,
		AllowFallbackWithoutSpeaker: b.AllowFallbackWithoutSpeaker,
		Workers:                     b.Workers,
		Breaker: resilience.CircuitBreakerConfig{
			MaxFailures:  b.CircuitBreaker.MaxFailures,
			ResetTimeout: b.CircuitBreaker.ResetTimeout,
			HalfOpenMax:  b.CircuitBreaker.HalfOpenMax,
		},
	}, synth.WithMetrics(a.metrics))

	ck := cfg.Checkpoint
	a.loader = model.NewLoader(a.opener, res, model.Config{
		CheckpointPath:     ck.Path,
		Trust:              ck.Trust,
		MaxAttempts:        ck.MaxAttempts,
		BaseBackoff:        ck.BaseBackoff,
		SafeGlobals:        ck.SafeGlobals,
		ImportablePrefixes: ck.ImportablePrefixes,
		DefaultSpeakerWAV:  b.DefaultSpeakerWAV,
	}, model.WithMetrics(a.metrics))

	a.cloning = cloning.New(a.loader, a.invoker, res, a.files, cloning.Config{
		OutputDir:     cfg.Storage.OutputDir,
		MaxTextLength: cfg.Audio.MaxTextLength,
		Limits:        uploadLimits(cfg.Audio),
	})
	return nil
}

func (a *App) initAPI() {
	st := a.cfg.Storage
	checks := health.New(
		health.ModelChecker(a.loader),
		health.StorageChecker(st.UploadDir, st.OutputDir, st.TempDir, a.store.Root()),
		health.BreakerChecker(a.invoker),
	)
	srv := api.New(api.Deps{
		Recordings: a.recordings,
		Cloner:     a.cloning,
		Files:      a.files,
		Model:      a.loader,
		Breakers:   a.invoker,
		Health:     checks,
		RateLimit:  a.limitMW,
		Metrics:    a.metrics,
	}, api.Config{
		Version:        a.version,
		MaxTextLength:  a.cfg.Audio.MaxTextLength,
		Languages:      a.cfg.Audio.Languages,
		MaxUploadBytes: a.cfg.Server.MaxUploadBytes,
		UploadLimits:   uploadLimits(a.cfg.Audio),
		ProfilesDir:    a.store.Root(),
	})
	a.handler = srv.Handler()
}

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler { return a.handler }

// Addr returns the address the server listens on once Run has bound it, or
// nil before that.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Run serves HTTP, runs the cleanup schedule and, when enabled, preloads the
// model. It blocks until ctx is cancelled or the server fails, then shuts the
// server down gracefully.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()

	srv := &http.Server{
		Handler:           a.handler,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("cleanup scheduled", "schedule", a.cfg.Cleanup.CleanupSchedule(), "max_age", a.cfg.Cleanup.MaxAge)
		return a.scheduler.Run(gctx)
	})
	if a.cfg.Checkpoint.PreloadEnabled() {
		g.Go(func() error {
			// A failed preload leaves the service up; requests retry the load.
			if err := a.loader.Preload(gctx); err != nil && gctx.Err() == nil {
				slog.Error("model preload failed", "err", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ErrNoConfigFile is returned by [App.ReloadConfig] when the app was started
// without [WithConfigWatch].
var ErrNoConfigFile = errors.New("app: no config file is watched")

// ReloadConfig re-reads the watched config file immediately.
func (a *App) ReloadConfig(ctx context.Context) error {
	if a.watcher == nil {
		return ErrNoConfigFile
	}
	return a.watcher.Reload(ctx)
}

// applyChange applies the live parts of a reloaded configuration.
func (a *App) applyChange(_, _ *config.Config, diff config.ConfigDiff) {
	if diff.RateLimitsChanged {
		a.limiter.SetLimits(rateLimits(diff.NewRateLimits))
		a.limitMW.SetEnabled(diff.NewRateLimits.IsEnabled())
		slog.Info("rate limits updated", "enabled", diff.NewRateLimits.IsEnabled(), "classes", len(diff.NewRateLimits.Classes))
	}
	if diff.LogLevelChanged && a.levels != nil {
		a.levels.Set(SlogLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
}

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config log level to its slog equivalent. Unknown
// levels map to info.
func SlogLevel(l config.LogLevel) slog.Level {
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

// rateLimits converts the configured classes to limiter quotas.
func rateLimits(c config.RateLimitsConfig) map[string]ratelimit.Limit {
	out := make(map[string]ratelimit.Limit, len(c.Classes))
	for class, l := range c.Classes {
		out[class] = ratelimit.Limit{Requests: l.Requests, Window: l.Window}
	}
	return out
}

// cleanupDirs resolves the configured cleanup directory names to paths.
func cleanupDirs(cfg *config.Config) []string {
	dirs := make([]string, 0, len(cfg.Cleanup.Dirs))
	for _, name := range cfg.Cleanup.Dirs {
		switch name {
		case config.DirTemp:
			dirs = append(dirs, cfg.Storage.TempDir)
		case config.DirOutput:
			dirs = append(dirs, cfg.Storage.OutputDir)
		case config.DirUploads:
			dirs = append(dirs, cfg.Storage.UploadDir)
		}
	}
	return dirs
}

func uploadLimits(a config.AudioConfig) quality.UploadLimits {
	return quality.UploadLimits{MinDuration: a.MinDuration, MaxDuration: a.MaxDuration}
}
