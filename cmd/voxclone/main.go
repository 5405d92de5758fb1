// Command voxclone is the main entry point for the voxclone voice cloning
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MrWong99/voxclone/internal/app"
	"github.com/MrWong99/voxclone/internal/config"
	"github.com/MrWong99/voxclone/internal/observe"
	"github.com/MrWong99/voxclone/pkg/backend"
	"github.com/MrWong99/voxclone/pkg/backend/coqui"
	"github.com/MrWong99/voxclone/pkg/backend/elevenlabs"
	"github.com/MrWong99/voxclone/pkg/backend/openai"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, watch, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxclone: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	logger, closeLog := newLogger(cfg, &level)
	defer closeLog()
	slog.SetDefault(logger)

	slog.Info("voxclone starting",
		"version", version,
		"config", *configPath,
		"config_found", watch,
		"listen_addr", cfg.Server.ListenAddr,
		"backend", cfg.Backend.Name,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Backend ───────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)
	for _, name := range reg.Names() {
		slog.Debug("registered backend", "name", name)
	}

	opener, err := reg.Create(cfg.Backend)
	if err != nil {
		slog.Error("failed to create backend", "name", cfg.Backend.Name, "err", err)
		return 1
	}

	opts := []app.Option{app.WithLevelVar(&level), app.WithVersion(version)}
	if watch {
		opts = append(opts, app.WithConfigWatch(*configPath))
	}
	application, err := app.New(ctx, cfg, opener, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if watch {
		go reloadOnHangup(ctx, application)
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads path when it exists and falls back to the defaults
// otherwise. The boolean reports whether a file was found and can be watched.
func loadConfig(path string) (*config.Config, bool, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.Default(), false, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

// reloadOnHangup re-reads the config file whenever the process receives
// SIGHUP, without waiting for the next poll.
func reloadOnHangup(ctx context.Context, a *app.App) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := a.ReloadConfig(ctx); err != nil {
				slog.Warn("config reload on SIGHUP failed", "err", err)
			} else {
				slog.Info("config reloaded on SIGHUP")
			}
		}
	}
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires the shipped backend factories into reg.
func registerBuiltinBackends(reg *config.Registry) {
	reg.Register("coqui", func(c config.BackendConfig) (backend.Opener, error) {
		var opts []coqui.Option
		if c.Timeout > 0 {
			opts = append(opts, coqui.WithTimeout(c.Timeout))
		}
		if lang := c.OptString("language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := c.OptString("api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if rate := c.OptInt("output_sample_rate"); rate > 0 {
			opts = append(opts, coqui.WithOutputSampleRate(rate))
		}
		return coqui.New(c.BaseURL, opts...)
	})

	reg.Register("elevenlabs", func(c config.BackendConfig) (backend.Opener, error) {
		var opts []elevenlabs.Option
		if c.Model != "" {
			opts = append(opts, elevenlabs.WithModel(c.Model))
		}
		if c.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(c.BaseURL))
		}
		if c.Timeout > 0 {
			opts = append(opts, elevenlabs.WithTimeout(c.Timeout))
		}
		if format := c.OptString("output_format"); format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		return elevenlabs.New(c.APIKey, opts...)
	})

	reg.Register("openai", func(c config.BackendConfig) (backend.Opener, error) {
		var opts []openai.Option
		if c.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(c.BaseURL))
		}
		if org := c.OptString("organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if c.Timeout > 0 {
			opts = append(opts, openai.WithTimeout(c.Timeout))
		}
		return openai.New(c.APIKey, c.Model, opts...)
	})
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. When server.log_file is set, output is
// duplicated into a size-rotated file; relative names resolve below
// storage.logs_dir.
func newLogger(cfg *config.Config, level slog.Leveler) (*slog.Logger, func()) {
	var out io.Writer = os.Stderr
	closeFn := func() {}

	if name := cfg.Server.LogFile; name != "" {
		if !filepath.IsAbs(name) {
			name = filepath.Join(cfg.Storage.LogsDir, name)
		}
		if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "voxclone: log directory: %v\n", err)
		} else {
			rotator := &lumberjack.Logger{
				Filename:   name,
				MaxSize:    50, // megabytes
				MaxBackups: 5,
				MaxAge:     30, // days
				Compress:   true,
			}
			out = io.MultiWriter(os.Stderr, rotator)
			closeFn = func() { _ = rotator.Close() }
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Server.LogFormat == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(out, opts)), closeFn
	}
	return slog.New(slog.NewTextHandler(out, opts)), closeFn
}
