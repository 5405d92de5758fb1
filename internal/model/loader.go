// Package model owns the lifecycle of the synthesis backend: restricted
// checkpoint loading with allowlist expansion, the trusted-load escape hatch,
// lazy single-flight initialisation and default speaker registration.
package model

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/voxclone/internal/apperr"
	"github.com/MrWong99/voxclone/internal/observe"
	"github.com/MrWong99/voxclone/pkg/backend"
)

// Default load parameters.
const (
	defaultMaxAttempts = 6
	defaultBaseBackoff = time.Second
)

// DefaultImportablePrefixes are the module prefixes an allowlist entry may be
// expanded to.
var DefaultImportablePrefixes = []string{
	"TTS.", "torch.", "collections.", "numpy.", "builtins.", "__builtin__.", "_codecs.",
}

// DefaultSafeGlobals are allowed before any expansion. They cover the
// globals every PyTorch state dict references.
var DefaultSafeGlobals = []string{
	"collections.OrderedDict",
	"torch._utils._rebuild_tensor_v2",
	"torch._utils._rebuild_parameter",
	"torch.FloatStorage",
	"torch.HalfStorage",
	"torch.BFloat16Storage",
	"torch.DoubleStorage",
	"torch.LongStorage",
	"torch.IntStorage",
	"torch.BoolStorage",
}

var unsupportedGlobal = regexp.MustCompile(`GLOBAL\s+([A-Za-z0-9_.]+)`)

// ParseUnsupportedGlobals extracts the refused globals named in a restricted
// load failure, deduplicated in order of appearance.
func ParseUnsupportedGlobals(msg string) []string {
	var out []string
	for _, m := range unsupportedGlobal.FindAllStringSubmatch(msg, -1) {
		out = appendUnique(out, m[1])
	}
	return out
}

// SpeakerRegistrar registers reference audio with a backend and caches the
// result. [*speaker.Resolver] implements it.
type SpeakerRegistrar interface {
	Resolve(ctx context.Context, b backend.Backend, wavPath string) (string, error)
	Purge()
}

// Config holds the tunables of a [Loader].
type Config struct {
	// CheckpointPath is a local checkpoint scanned before every restricted
	// open. Empty skips the scan.
	CheckpointPath string

	// Trust enables one unrestricted open once restricted loading is
	// exhausted. Only for checkpoints from a trusted source.
	Trust bool

	// MaxAttempts bounds restricted load attempts. Default: 6.
	MaxAttempts int

	// BaseBackoff is the wait after the first failed attempt; it doubles on
	// every further attempt. Default: 1s.
	BaseBackoff time.Duration

	// SafeGlobals is the initial allowlist. Nil uses [DefaultSafeGlobals].
	SafeGlobals []string

	// ImportablePrefixes restricts which refused globals may be added to the
	// allowlist. Nil uses [DefaultImportablePrefixes].
	ImportablePrefixes []string

	// DefaultSpeakerWAV is registered after loading a multi-speaker backend
	// whose registry is empty.
	DefaultSpeakerWAV string
}

// State is the lifecycle state of the loaded backend.
type State string

const (
	StateNotLoaded State = "not_loaded"
	StateLoading   State = "loading"
	StateLoaded    State = "loaded"
	StateFailed    State = "failed"
)

// Status is a snapshot of the loader for health reporting.
type Status struct {
	State          State     `json:"state"`
	Backend        string    `json:"backend,omitempty"`
	MultiSpeaker   bool      `json:"multi_speaker"`
	Speakers       int       `json:"speakers"`
	Attempts       int       `json:"attempts"`
	Trusted        bool      `json:"trusted"`
	LoadedAt       time.Time `json:"loaded_at,omitzero"`
	LastError      string    `json:"last_error,omitempty"`
	AllowedGlobals []string  `json:"allowed_globals,omitempty"`
}

// Loader lazily opens the synthesis backend.
//
// All methods are safe for concurrent use.
type Loader struct {
	opener   backend.Opener
	speakers SpeakerRegistrar
	cfg      Config
	metrics  *observe.Metrics
	sleep    func(ctx context.Context, d time.Duration) error
	group    singleflight.Group

	mu      sync.RWMutex
	current backend.Backend
	status  Status
	allowed []string
}

// Option configures a [Loader].
type Option func(*Loader)

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Loader) { l.metrics = m }
}

// WithSleep replaces the backoff wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Loader) { l.sleep = fn }
}

// NewLoader returns a Loader opening backends through opener. speakers may be
// nil.
func NewLoader(opener backend.Opener, speakers SpeakerRegistrar, cfg Config, opts ...Option) *Loader {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.SafeGlobals == nil {
		cfg.SafeGlobals = DefaultSafeGlobals
	}
	if cfg.ImportablePrefixes == nil {
		cfg.ImportablePrefixes = DefaultImportablePrefixes
	}
	l := &Loader{
		opener:   opener,
		speakers: speakers,
		cfg:      cfg,
		sleep:    sleepCtx,
		status:   Status{State: StateNotLoaded},
		allowed:  slices.Clone(cfg.SafeGlobals),
	}
	for _, o := range opts {
		o(l)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	return l
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns the loaded backend, loading it on first use. Concurrent callers
// share one load. A failed load is not remembered; the next call retries. A
// caller whose ctx ends stops waiting but does not abort the shared load.
func (l *Loader) Get(ctx context.Context) (backend.Backend, error) {
	if b := l.loaded(); b != nil {
		return b, nil
	}
	ch := l.group.DoChan("load", func() (any, error) {
		if b := l.loaded(); b != nil {
			return b, nil
		}
		return l.load(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(backend.Backend), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Preload loads the backend ahead of first use. Failure is logged and
// returned but leaves the loader usable; the next Get retries.
func (l *Loader) Preload(ctx context.Context) error {
	if _, err := l.Get(ctx); err != nil {
		observe.Logger(ctx).Warn("model preload failed, will load on first use", "err", err)
		return err
	}
	return nil
}

// Reload closes the current backend, drops cached speaker identities and
// loads again.
func (l *Loader) Reload(ctx context.Context) (backend.Backend, error) {
	l.mu.Lock()
	old := l.current
	l.current = nil
	l.status = Status{State: StateNotLoaded}
	l.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			observe.Logger(ctx).Warn("closing previous backend failed", "err", err)
		}
	}
	if l.speakers != nil {
		l.speakers.Purge()
	}
	return l.Get(ctx)
}

// Ready reports whether a backend is loaded.
func (l *Loader) Ready() bool { return l.loaded() != nil }

// Status returns a snapshot of the loader state.
func (l *Loader) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st := l.status
	st.AllowedGlobals = slices.Clone(l.allowed)
	if l.current != nil {
		st.MultiSpeaker = l.current.IsMultiSpeaker()
		if reg := l.current.Speakers(); reg != nil {
			st.Speakers = len(reg.Names())
		}
	}
	return st
}

// Close closes the loaded backend, if any.
func (l *Loader) Close() error {
	l.mu.Lock()
	b := l.current
	l.current = nil
	l.status = Status{State: StateNotLoaded}
	l.mu.Unlock()
	if b == nil {
		return nil
	}
	return b.Close()
}

func (l *Loader) loaded() backend.Backend {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

func (l *Loader) setStatus(fn func(*Status)) {
	l.mu.Lock()
	fn(&l.status)
	l.mu.Unlock()
}

// load runs the restricted attempts, then the trusted fallback.
func (l *Loader) load(ctx context.Context) (backend.Backend, error) {
	ctx, span := observe.StartSpan(ctx, "model.Load")
	defer span.End()
	log := observe.Logger(ctx)
	start := time.Now()
	l.setStatus(func(s *Status) { s.State = StateLoading; s.LastError = "" })

	b, attempts, trusted, err := l.open(ctx)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	l.metrics.ModelLoadDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("status", outcome)))
	span.SetAttributes(attribute.Int("model.attempts", attempts), attribute.Bool("model.trusted", trusted))

	if err != nil {
		observe.SpanError(span, err)
		log.Error("model load failed", "attempts", attempts, "err", err)
		l.setStatus(func(s *Status) {
			s.State = StateFailed
			s.Attempts = attempts
			s.LastError = err.Error()
		})
		return nil, err
	}

	l.registerDefaultSpeaker(ctx, b)

	l.mu.Lock()
	l.current = b
	l.status = Status{
		State:    StateLoaded,
		Backend:  b.Name(),
		Attempts: attempts,
		Trusted:  trusted,
		LoadedAt: time.Now(),
	}
	l.mu.Unlock()
	log.Info("model loaded", "backend", b.Name(), "attempts", attempts, "trusted", trusted, "elapsed", time.Since(start))
	return b, nil
}

func (l *Loader) open(ctx context.Context) (b backend.Backend, attempts int, trusted bool, err error) {
	log := observe.Logger(ctx)
	var lastErr error
	refusedGlobals := false

	for attempts < l.cfg.MaxAttempts {
		attempts++
		b, lastErr = l.openRestricted(ctx)
		if lastErr == nil {
			l.metrics.RecordModelLoadAttempt(ctx, "ok")
			log.Info("model loaded with restricted allowlist", "attempt", attempts)
			return b, attempts, false, nil
		}
		if ctx.Err() != nil {
			return nil, attempts, false, apperr.Wrap(apperr.ModelLoadError, lastErr, "Failed to initialize TTS model")
		}

		globals := ParseUnsupportedGlobals(lastErr.Error())
		if len(globals) == 0 {
			l.metrics.RecordModelLoadAttempt(ctx, "error")
			log.Warn("restricted load failed", "attempt", attempts, "err", lastErr)
			break
		}
		refusedGlobals = true
		l.metrics.RecordModelLoadAttempt(ctx, "unsupported_global")
		added := l.expand(globals)
		if len(added) == 0 {
			log.Warn("restricted load refused globals that cannot be allowed", "attempt", attempts, "globals", globals)
			break
		}
		if attempts >= l.cfg.MaxAttempts {
			break
		}
		wait := l.cfg.BaseBackoff * time.Duration(1<<(attempts-1))
		log.Info("expanded allowlist, retrying restricted load", "attempt", attempts, "added", added, "backoff", wait)
		if err := l.sleep(ctx, wait); err != nil {
			return nil, attempts, false, apperr.Wrap(apperr.ModelLoadError, err, "Failed to initialize TTS model")
		}
	}
	log.Warn("restricted loading exhausted", "attempts", attempts)

	if !l.cfg.Trust {
		msg := "Failed to initialize TTS model"
		if refusedGlobals {
			msg = "TTS model requires non-weight unpickling but checkpoint trust is disabled."
		}
		return nil, attempts, false, apperr.Wrap(apperr.ModelLoadError, lastErr, "%s", msg).
			WithDetail("attempts", attempts)
	}

	log.Warn("attempting trusted load; only use with checkpoints from a trusted source")
	b, err = l.opener.Open(ctx, backend.LoadPolicy{SafeGlobals: l.allowedGlobals(), Trusted: true})
	if err != nil {
		l.metrics.RecordModelLoadAttempt(ctx, "trusted_error")
		return nil, attempts, true, apperr.Wrap(apperr.ModelLoadError, errors.Join(lastErr, err), "Trusted fallback load also failed").
			WithDetail("attempts", attempts)
	}
	l.metrics.RecordModelLoadAttempt(ctx, "trusted_ok")
	return b, attempts, true, nil
}

func (l *Loader) openRestricted(ctx context.Context) (backend.Backend, error) {
	allowed := l.allowedGlobals()
	if l.cfg.CheckpointPath != "" {
		if err := ScanCheckpoint(l.cfg.CheckpointPath, func(g string) bool { return slices.Contains(allowed, g) }); err != nil {
			return nil, err
		}
	}
	b, err := l.opener.Open(ctx, backend.LoadPolicy{SafeGlobals: allowed})
	if err != nil {
		return nil, fmt.Errorf("model: open backend: %w", err)
	}
	return b, nil
}

func (l *Loader) allowedGlobals() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.allowed)
}

// expand adds the importable globals not yet allowed and returns them.
func (l *Loader) expand(globals []string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var added []string
	for _, g := range globals {
		if slices.Contains(l.allowed, g) || !l.importable(g) {
			continue
		}
		l.allowed = append(l.allowed, g)
		added = append(added, g)
	}
	return added
}

func (l *Loader) importable(global string) bool {
	mod, name, ok := cutLast(global, ".")
	if !ok || mod == "" || name == "" {
		return false
	}
	for _, p := range l.cfg.ImportablePrefixes {
		if strings.HasPrefix(global, p) {
			return true
		}
	}
	return false
}

func cutLast(s, sep string) (before, after string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}

// registerDefaultSpeaker seeds an empty multi-speaker registry from the
// configured default reference. Failure is logged, never fatal.
func (l *Loader) registerDefaultSpeaker(ctx context.Context, b backend.Backend) {
	wav := l.cfg.DefaultSpeakerWAV
	if wav == "" || l.speakers == nil || !b.IsMultiSpeaker() {
		return
	}
	if reg := b.Speakers(); reg != nil && len(reg.Names()) > 0 {
		return
	}
	log := observe.Logger(ctx)
	if _, err := os.Stat(wav); err != nil {
		log.Warn("default speaker reference not found", "path", wav, "err", err)
		return
	}
	id, err := l.speakers.Resolve(ctx, b, wav)
	if err != nil {
		log.Warn("auto-registration of default speaker failed", "path", wav, "err", err)
		return
	}
	log.Info("auto-registered default speaker", "path", wav, "speaker", id)
}
