package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvBackendAPIKey = "VOXCLONE_BACKEND_API_KEY"
	EnvListenAddr    = "VOXCLONE_LISTEN_ADDR"
)

// ValidBackendNames lists the backends shipped with voxclone. Used by
// [Validate] to warn about unrecognised names.
var ValidBackendNames = []string{"coqui", "elevenlabs", "openai"}

// DefaultLanguages are the language codes accepted for synthesis.
var DefaultLanguages = []string{
	"en", "es", "fr", "de", "it", "pt", "pl", "tr", "ru",
	"nl", "cs", "ar", "zh-cn", "ja", "ko", "hu", "hi",
}

// Storage directory names accepted in cleanup.dirs.
const (
	DirTemp    = "temp"
	DirOutput  = "output"
	DirUploads = "uploads"
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

// LoadFromReader decodes a YAML config from r, fills defaults, applies
// environment overrides and validates the result. An empty document yields
// the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg, err := LoadFromReader(bytes.NewReader(nil))
	if err != nil {
		// Defaults always validate.
		panic(err)
	}
	return cfg
}

// ApplyDefaults fills every unset tunable.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	setDefault(&s.ListenAddr, ":8000")
	setDefault(&s.LogLevel, LogInfo)
	setDefault(&s.LogFormat, LogFormatText)
	setDefault(&s.ReadTimeout, 30*time.Second)
	setDefault(&s.WriteTimeout, 300*time.Second)
	setDefault(&s.MaxUploadBytes, 50<<20)

	st := &cfg.Storage
	setDefault(&st.UploadDir, "uploads")
	setDefault(&st.OutputDir, "output")
	setDefault(&st.ProfilesDir, "voice_profiles")
	setDefault(&st.TempDir, "temp")
	setDefault(&st.LogsDir, "logs")

	a := &cfg.Audio
	setDefault(&a.DefaultSampleRate, 22050)
	setDefault(&a.MinDuration, 0.5)
	setDefault(&a.MaxDuration, 300)
	setDefault(&a.MaxTextLength, 5000)
	if len(a.AllowedFormats) == 0 {
		a.AllowedFormats = []string{"wav", "mp3", "flac"}
	}
	if len(a.Languages) == 0 {
		a.Languages = slices.Clone(DefaultLanguages)
	}

	rc := &cfg.Recording
	setDefault(&rc.MinSteps, 5)
	setDefault(&rc.MaxSteps, 20)
	setDefault(&rc.DefaultSteps, 10)
	setDefault(&rc.GapSeconds, 0.2)

	b := &cfg.Backend
	setDefault(&b.Name, "coqui")
	setDefault(&b.Model, "tts_models/multilingual/multi-dataset/xtts_v2")
	setDefault(&b.Timeout, 120*time.Second)
	setDefault(&b.Workers, 2)
	setDefault(&b.CircuitBreaker.MaxFailures, 5)
	setDefault(&b.CircuitBreaker.ResetTimeout, 30*time.Second)
	setDefault(&b.CircuitBreaker.HalfOpenMax, 1)
	if b.Name == "coqui" {
		setDefault(&b.BaseURL, "http://localhost:5002")
	}

	ck := &cfg.Checkpoint
	setDefault(&ck.MaxAttempts, 6)
	setDefault(&ck.BaseBackoff, time.Second)

	setDefault(&cfg.Speaker.CacheSize, 1024)

	rl := &cfg.RateLimits
	defaults := map[string]RateLimit{
		"upload":     {Requests: 10, Window: time.Hour},
		"synthesize": {Requests: 100, Window: time.Hour},
		"clone":      {Requests: 50, Window: time.Hour},
		"default":    {Requests: 200, Window: time.Hour},
	}
	if rl.Classes == nil {
		rl.Classes = make(map[string]RateLimit, len(defaults))
	}
	for class, def := range defaults {
		cur := rl.Classes[class]
		setDefault(&cur.Requests, def.Requests)
		setDefault(&cur.Window, def.Window)
		rl.Classes[class] = cur
	}

	c := &cfg.Cleanup
	setDefault(&c.Interval, "@every 1h")
	setDefault(&c.MaxAge, 24*time.Hour)
	if len(c.Dirs) == 0 {
		c.Dirs = []string{DirTemp, DirOutput, DirUploads}
	}

	setDefault(&cfg.Telemetry.ServiceName, "voxclone")
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvBackendAPIKey); v != "" {
		cfg.Backend.APIKey = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		cfg.Server.ListenAddr = v
	}
}

// CleanupSchedule returns the cron schedule of the cleanup job. A plain
// duration such as "30m" is accepted as shorthand for "@every 30m".
func (c CleanupConfig) CleanupSchedule() string {
	if d, err := time.ParseDuration(c.Interval); err == nil {
		return "@every " + d.String()
	}
	return c.Interval
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if cfg.Server.MaxUploadBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_bytes must not be negative"))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	a := cfg.Audio
	if a.MinDuration < 0 || (a.MaxDuration > 0 && a.MinDuration > a.MaxDuration) {
		errs = append(errs, fmt.Errorf("audio.min_duration %.2f must be within [0, max_duration %.2f]", a.MinDuration, a.MaxDuration))
	}
	for i, f := range a.AllowedFormats {
		switch strings.ToLower(strings.TrimPrefix(f, ".")) {
		case "wav", "mp3", "flac":
		default:
			errs = append(errs, fmt.Errorf("audio.allowed_formats[%d] %q is not supported; supported: wav, mp3, flac", i, f))
		}
	}

	// Recording
	r := cfg.Recording
	if r.MinSteps > r.MaxSteps {
		errs = append(errs, fmt.Errorf("recording.min_steps %d exceeds max_steps %d", r.MinSteps, r.MaxSteps))
	}
	if r.DefaultSteps < r.MinSteps || r.DefaultSteps > r.MaxSteps {
		errs = append(errs, fmt.Errorf("recording.default_steps %d is out of range [%d, %d]", r.DefaultSteps, r.MinSteps, r.MaxSteps))
	}
	if r.GapSeconds < 0 {
		errs = append(errs, fmt.Errorf("recording.gap_seconds must not be negative"))
	}

	// Backend
	validateBackendName(cfg.Backend.Name)
	switch cfg.Backend.Name {
	case "elevenlabs", "openai":
		if cfg.Backend.APIKey == "" {
			slog.Warn("backend api_key is empty; set it in the config or via "+EnvBackendAPIKey, "backend", cfg.Backend.Name)
		}
	}
	if cfg.Backend.Workers < 0 {
		errs = append(errs, fmt.Errorf("backend.workers must not be negative"))
	}
	if cfg.Backend.DefaultSpeakerWAV != "" {
		if _, err := os.Stat(cfg.Backend.DefaultSpeakerWAV); err != nil {
			slog.Warn("backend.default_speaker_wav is not readable; it will not be registered", "path", cfg.Backend.DefaultSpeakerWAV, "err", err)
		}
	}

	// Checkpoint
	if cfg.Checkpoint.Trust {
		slog.Warn("checkpoint.trust is enabled; a checkpoint that fails restricted loading will be opened without restrictions")
	}

	// Rate limits
	for class, l := range cfg.RateLimits.Classes {
		if l.Requests < 0 || l.Window < 0 {
			errs = append(errs, fmt.Errorf("rate_limits.classes.%s must not be negative", class))
		}
	}

	// Cleanup
	for i, d := range cfg.Cleanup.Dirs {
		switch d {
		case DirTemp, DirOutput, DirUploads:
		default:
			errs = append(errs, fmt.Errorf("cleanup.dirs[%d] %q is invalid; valid values: temp, output, uploads", i, d))
		}
	}
	if cfg.Cleanup.MaxAge < 0 {
		errs = append(errs, fmt.Errorf("cleanup.max_age must not be negative"))
	}

	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %v must be within [0, 1]", r))
	}

	return errors.Join(errs...)
}

// validateBackendName logs a warning if name is not one of
// [ValidBackendNames].
func validateBackendName(name string) {
	if name == "" || slices.Contains(ValidBackendNames, name) {
		return
	}
	slog.Warn("unknown backend name; may be a typo or a third-party backend",
		"name", name,
		"known", ValidBackendNames,
	)
}
