// Package config provides the configuration schema, loader, hot-reload watcher
// and backend registry for the voxclone service.
package config

import "time"

// LogLevel controls log verbosity for the voxclone server.
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

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Config is the root configuration structure for voxclone.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Audio      AudioConfig      `yaml:"audio"`
	Recording  RecordingConfig  `yaml:"recording"`
	Backend    BackendConfig    `yaml:"backend"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Speaker    SpeakerConfig    `yaml:"speaker"`
	RateLimits RateLimitsConfig `yaml:"rate_limits"`
	Cleanup    CleanupConfig    `yaml:"cleanup"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the HTTP server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It can be changed without a restart.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text or JSON log output.
	LogFormat LogFormat `yaml:"log_format"`

	// LogFile, when set, additionally writes logs to a rotating file.
	LogFile string `yaml:"log_file"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxUploadBytes bounds a single uploaded audio file.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// StorageConfig locates the on-disk directories.
type StorageConfig struct {
	UploadDir   string `yaml:"upload_dir"`
	OutputDir   string `yaml:"output_dir"`
	ProfilesDir string `yaml:"profiles_dir"`
	TempDir     string `yaml:"temp_dir"`
	LogsDir     string `yaml:"logs_dir"`
}

// AudioConfig bounds accepted audio and synthesis input.
type AudioConfig struct {
	DefaultSampleRate int      `yaml:"default_sample_rate"`
	MinDuration       float64  `yaml:"min_duration"`
	MaxDuration       float64  `yaml:"max_duration"`
	AllowedFormats    []string `yaml:"allowed_formats"`
	MaxTextLength     int      `yaml:"max_text_length"`
	Languages         []string `yaml:"languages"`
}

// RecordingConfig tunes guided recording sessions.
type RecordingConfig struct {
	MinSteps     int `yaml:"min_steps"`
	MaxSteps     int `yaml:"max_steps"`
	DefaultSteps int `yaml:"default_steps"`

	// AllowCurrentStepResubmit lets a client re-record the most recently
	// completed step while the session is still recording.
	AllowCurrentStepResubmit bool `yaml:"allow_current_step_resubmit"`

	// GapSeconds is the silence inserted between steps in the combined
	// reference recording.
	GapSeconds float64 `yaml:"gap_seconds"`
}

// BackendConfig selects and configures the synthesis backend. Name is looked
// up in the [Registry].
type BackendConfig struct {
	// Name selects the registered backend (coqui, elevenlabs, openai).
	Name string `yaml:"name"`

	// BaseURL is the server address for self-hosted backends or an endpoint
	// override for hosted ones.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against hosted backends. VOXCLONE_BACKEND_API_KEY
	// overrides it.
	APIKey string `yaml:"api_key"`

	// Model selects a model within the backend.
	Model string `yaml:"model"`

	Timeout time.Duration `yaml:"timeout"`

	// Options holds backend-specific values not covered by the standard
	// fields above.
	Options map[string]any `yaml:"options"`

	// DefaultSpeakerWAV is registered as a speaker when a multi-speaker model
	// loads without any.
	DefaultSpeakerWAV string `yaml:"default_speaker_wav"`

	// DefaultSpeakerID is used for multi-speaker synthesis without a speaker.
	DefaultSpeakerID string `yaml:"default_speaker_id"`

	AllowFallbackWithoutSpeaker bool `yaml:"allow_fallback_without_speaker"`

	// Workers bounds concurrent synthesis calls.
	Workers int `yaml:"workers"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig guards the backend against repeated failures.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// CheckpointConfig controls restricted model checkpoint loading.
type CheckpointConfig struct {
	// Path is a local checkpoint scanned before the backend opens it.
	Path string `yaml:"path"`

	// Trust permits a final unrestricted load after the allowlist is
	// exhausted. Only enable for checkpoints from a trusted source.
	Trust bool `yaml:"trust"`

	MaxAttempts        int           `yaml:"max_attempts"`
	BaseBackoff        time.Duration `yaml:"base_backoff"`
	SafeGlobals        []string      `yaml:"safe_globals"`
	ImportablePrefixes []string      `yaml:"importable_prefixes"`

	// Preload loads the model in the background at startup.
	Preload *bool `yaml:"preload"`
}

// PreloadEnabled reports whether the model is loaded at startup.
func (c CheckpointConfig) PreloadEnabled() bool {
	return c.Preload == nil || *c.Preload
}

// SpeakerConfig tunes speaker identity resolution.
type SpeakerConfig struct {
	// CacheSize bounds the number of cached reference to speaker mappings.
	CacheSize int `yaml:"cache_size"`
}

// RateLimitsConfig holds per-class request quotas.
type RateLimitsConfig struct {
	Enabled *bool                `yaml:"enabled"`
	Classes map[string]RateLimit `yaml:"classes"`
}

// IsEnabled reports whether rate limiting is active.
func (c RateLimitsConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// RateLimit allows Requests within any Window.
type RateLimit struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// CleanupConfig schedules removal of stale files.
type CleanupConfig struct {
	// Interval is a cron expression or descriptor, e.g. "@every 1h".
	Interval string        `yaml:"interval"`
	MaxAge   time.Duration `yaml:"max_age"`

	// Dirs names the storage directories swept: temp, output, uploads.
	Dirs []string `yaml:"dirs"`
}

// TelemetryConfig controls OpenTelemetry setup.
type TelemetryConfig struct {
	// ServiceName is reported as the OpenTelemetry resource service name.
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio is the fraction of new traces recorded, in [0, 1].
	// Zero samples everything.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}
