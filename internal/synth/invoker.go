// Package synth invokes a synthesis backend's file-synthesis operation.
//
// Backends disagree on the keyword names their synthesis call accepts, so the
// [Invoker] runs a fixed, bounded sequence of call shapes and reports a single
// aggregated error when none succeeds:
//
//  1. keywords_from_signature: only the keywords the backend declares
//  2. preferred_keywords: the full canonical keyword set
//  3. retry_with_resolved_speaker: when the backend reports a missing speaker,
//     resolve one and retry once
//  4. positional_text_file_lang: text, output path and language positionally
//  5. positional_text_file_plus_speaker_kw: text and output path positionally,
//     reference audio and language as keywords
//
// Before invoking, [Invoker.Synthesize] applies the speaker selection policy
// for multi-speaker backends. Every backend call passes through a per-backend
// circuit breaker and a bounded worker pool.
package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/voxclone/internal/apperr"
	"github.com/MrWong99/voxclone/internal/observe"
	"github.com/MrWong99/voxclone/internal/resilience"
	"github.com/MrWong99/voxclone/pkg/backend"
)

// Strategy names, in the order they are tried.
const (
	StrategySignature         = "keywords_from_signature"
	StrategyPreferred         = "preferred_keywords"
	StrategyResolvedSpeaker   = "retry_with_resolved_speaker"
	StrategyPositional        = "positional_text_file_lang"
	StrategyPositionalSpeaker = "positional_text_file_plus_speaker_kw"
)

// ErrSpeakerRequired is returned when a multi-speaker backend would be
// invoked without any speaker and fallback without a speaker is disabled.
var ErrSpeakerRequired = errors.New("synth: multi-speaker model requires a speaker")

const (
	msgSpeakerRequired = "Model is multi-speaker and no speaker was provided. " +
		"Please pass a `speaker` id for synthesis or register one via the speaker_manager."
	msgFallbackFailed = "Model is multi-speaker and requires a speaker; synthesis without a speaker failed. " +
		"Provide `speaker` id or set up a registered speaker."
	msgUnresolvable = "Model requires a speaker but none could be resolved. " +
		"Provide `speaker` (speaker id) or a valid `speaker_wav` to register."
	msgRegisterFailed = "Failed to register reference audio as a speaker. " +
		"Ensure the WAV is compatible and the TTS package supports registration."
	msgAllFailed = "Failed to invoke tts_to_file using multiple strategies"
)

// IsMissingSpeaker reports whether err is a backend's complaint that a
// multi-speaker model was invoked without a speaker. It is the only place
// that inspects backend error text.
func IsMissingSpeaker(err error) bool {
	if err == nil {
		return false
	}
	text := err.Error()
	if strings.Contains(text, backend.MultiSpeakerMessage) {
		return true
	}
	return strings.Contains(text, "no `speaker` is provided") && strings.Contains(text, "multi-speaker")
}

// SpeakerResolver turns reference audio into a speaker identity.
// [*speaker.Resolver] implements it.
type SpeakerResolver interface {
	Resolve(ctx context.Context, b backend.Backend, wavPath string) (string, error)
}

// Config holds the tunables of an [Invoker].
type Config struct {
	// DefaultSpeakerID is used for multi-speaker backends when the caller
	// names no speaker.
	DefaultSpeakerID string

	// AllowFallbackWithoutSpeaker lets a multi-speaker backend with no known
	// speaker be invoked without one instead of failing fast.
	AllowFallbackWithoutSpeaker bool

	// Workers bounds the number of concurrent synthesis operations.
	// Default: 2.
	Workers int

	// Breaker configures the per-backend circuit breaker. Name and Trips are
	// set by the Invoker.
	Breaker resilience.CircuitBreakerConfig
}

// Request describes one synthesis.
type Request struct {
	Text       string
	Language   string
	OutputPath string

	// Speaker is an explicit speaker identity. Optional.
	Speaker string

	// ReferenceAudio is a WAV file the backend may clone from. Optional.
	ReferenceAudio string

	// Speed is passed through when non-zero.
	Speed float64
}

// Result describes a successful synthesis.
type Result struct {
	OutputPath string `json:"output_path"`

	// Speaker is the identity actually used, empty when none was.
	Speaker string `json:"speaker,omitempty"`

	// Strategy names the call shape that succeeded.
	Strategy string `json:"strategy"`
}

// Invoker runs synthesis requests against a backend.
type Invoker struct {
	resolver SpeakerResolver
	cfg      Config
	sem      *semaphore.Weighted
	metrics  *observe.Metrics

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

// Option configures an [Invoker].
type Option func(*Invoker)

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(inv *Invoker) { inv.metrics = m }
}

// New returns an Invoker. resolver may be nil, in which case speakers are
// never registered from reference audio.
func New(resolver SpeakerResolver, cfg Config, opts ...Option) *Invoker {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	inv := &Invoker{
		resolver: resolver,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
	for _, o := range opts {
		o(inv)
	}
	if inv.metrics == nil {
		inv.metrics = observe.DefaultMetrics()
	}
	return inv
}

// Synthesize renders req.Text to req.OutputPath.
//
// For a multi-speaker backend and no explicit speaker or reference audio, the
// speaker is the configured default, else the first registered speaker. With
// neither available the call fails with [ErrSpeakerRequired] without invoking
// the backend, unless fallback without a speaker is enabled.
func (inv *Invoker) Synthesize(ctx context.Context, b backend.Backend, req Request) (Result, error) {
	ctx, span := observe.StartSpan(ctx, "synth.Synthesize", trace.WithAttributes(
		attribute.String("synth.mode", "synthesize"),
	))
	defer span.End()
	start := time.Now()

	res, err := inv.synthesize(ctx, b, req)
	inv.finish(ctx, span, b, start, res, err)
	return res, err
}

func (inv *Invoker) synthesize(ctx context.Context, b backend.Backend, req Request) (Result, error) {
	if err := validate(b, req); err != nil {
		return Result{}, err
	}
	log := observe.Logger(ctx)

	spk := req.Speaker
	withoutSpeaker := false
	if spk == "" && req.ReferenceAudio == "" && b.IsMultiSpeaker() {
		switch first := firstSpeaker(b); {
		case inv.cfg.DefaultSpeakerID != "":
			spk = inv.cfg.DefaultSpeakerID
			log.Info("using configured default speaker", "speaker", spk)
		case first != "":
			spk = first
			log.Info("no speaker provided, using first registered speaker", "speaker", spk)
		case inv.cfg.AllowFallbackWithoutSpeaker:
			withoutSpeaker = true
			log.Warn("no speaker provided and none registered, attempting synthesis without a speaker")
		default:
			return Result{}, apperr.Wrap(apperr.SynthesisError, ErrSpeakerRequired, msgSpeakerRequired).
				WithCode(apperr.CodeSpeakerUnresolvable)
		}
	}

	res, err := inv.run(ctx, b, invocation{
		text:     req.Text,
		language: req.Language,
		output:   req.OutputPath,
		speaker:  spk,
		wav:      req.ReferenceAudio,
		speed:    req.Speed,
	})
	if err != nil && withoutSpeaker {
		return Result{}, apperr.Wrap(apperr.SynthesisError, err, msgFallbackFailed).WithCode(apperr.CodeSpeakerUnresolvable)
	}
	return res, err
}

// Clone renders req.Text in the voice of req.ReferenceAudio. The reference is
// registered as a speaker first; the backend is only invoked with the
// resulting identity, never with the raw file path.
func (inv *Invoker) Clone(ctx context.Context, b backend.Backend, req Request) (Result, error) {
	ctx, span := observe.StartSpan(ctx, "synth.Clone", trace.WithAttributes(
		attribute.String("synth.mode", "clone"),
	))
	defer span.End()
	start := time.Now()

	res, err := inv.clone(ctx, b, req)
	inv.finish(ctx, span, b, start, res, err)
	return res, err
}

func (inv *Invoker) clone(ctx context.Context, b backend.Backend, req Request) (Result, error) {
	if err := validate(b, req); err != nil {
		return Result{}, err
	}
	if req.ReferenceAudio == "" {
		return Result{}, apperr.New(apperr.ValidationError, "Reference audio is required for voice cloning").
			WithCode(apperr.CodeMissingParameter)
	}
	if _, err := os.Stat(req.ReferenceAudio); err != nil {
		return Result{}, apperr.Wrap(apperr.NotFound, err, "Reference audio file not found: %s", req.ReferenceAudio)
	}

	var (
		id  string
		err error
	)
	if inv.resolver != nil {
		id, err = inv.resolver.Resolve(ctx, b, req.ReferenceAudio)
	}
	if id == "" {
		if err == nil {
			err = errors.New("no speaker resolver configured")
		}
		return Result{}, apperr.Wrap(apperr.SynthesisError, err, msgRegisterFailed).WithCode(apperr.CodeSpeakerUnresolvable)
	}

	return inv.run(ctx, b, invocation{
		text:     req.Text,
		language: req.Language,
		output:   req.OutputPath,
		speaker:  id,
		speed:    req.Speed,
	})
}

// BreakerStates reports the circuit state per backend name.
func (inv *Invoker) BreakerStates() map[string]string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make(map[string]string, len(inv.breakers))
	for name, cb := range inv.breakers {
		out[name] = cb.State().String()
	}
	return out
}

func validate(b backend.Backend, req Request) error {
	if b == nil {
		return apperr.New(apperr.ModelLoadError, "TTS model is not loaded")
	}
	if strings.TrimSpace(req.Text) == "" {
		return apperr.New(apperr.ValidationError, "Text for synthesis is empty").WithCode(apperr.CodeMissingParameter)
	}
	if req.OutputPath == "" {
		return apperr.New(apperr.ValidationError, "Output path is required").WithCode(apperr.CodeMissingParameter)
	}
	return nil
}

func firstSpeaker(b backend.Backend) string {
	reg := b.Speakers()
	if reg == nil {
		return ""
	}
	if names := reg.Names(); len(names) > 0 {
		return names[0]
	}
	return ""
}

func (inv *Invoker) finish(ctx context.Context, span trace.Span, b backend.Backend, start time.Time, res Result, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		observe.SpanError(span, err)
	}
	name := "none"
	if b != nil {
		name = b.Name()
	}
	span.SetAttributes(
		attribute.String("synth.backend", name),
		attribute.String("synth.strategy", res.Strategy),
		attribute.String("synth.speaker", res.Speaker),
	)
	inv.metrics.SynthesisDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		observe.Attr("backend", name),
		observe.Attr("status", status),
	))
}

// invocation is the normalised input of one run of the strategy sequence.
type invocation struct {
	text, language, output string
	speaker, wav           string
	speed                  float64
}

// keywords returns the canonical keyword set with empty values left out.
func (p invocation) keywords() map[string]any {
	kw := make(map[string]any)
	set := func(key, val string) {
		if val != "" {
			kw[key] = val
		}
	}
	set(backend.KeyText, p.text)
	for _, k := range []string{backend.KeyFilePath, backend.KeyFile, backend.KeyPath, backend.KeyFilename} {
		set(k, p.output)
	}
	set(backend.KeyLanguage, p.language)
	set(backend.KeySpeaker, p.speaker)
	set(backend.KeySpeakerWAV, p.wav)
	set(backend.KeySpeakerWAVPath, p.wav)
	set(backend.KeySpeakerID, p.speaker)
	return kw
}

// extra returns the keywords passed with every call shape.
func (p invocation) extra() map[string]any {
	if p.speed == 0 {
		return nil
	}
	return map[string]any{backend.KeySpeed: p.speed}
}

// run acquires a worker and executes the strategy sequence.
func (inv *Invoker) run(ctx context.Context, b backend.Backend, p invocation) (Result, error) {
	if err := inv.sem.Acquire(ctx, 1); err != nil {
		return Result{}, fmt.Errorf("synth: wait for worker: %w", err)
	}
	defer inv.sem.Release(1)

	if err := os.MkdirAll(filepath.Dir(p.output), 0o755); err != nil {
		return Result{}, fmt.Errorf("synth: create output dir: %w", err)
	}

	spk, strategy, err := inv.chain(b, p).Run(ctx)
	if err != nil {
		return Result{}, inv.classify(b, err)
	}
	observe.Logger(ctx).Info("synthesis completed", "backend", b.Name(), "strategy", strategy, "speaker", spk, "output", p.output)
	return Result{OutputPath: p.output, Speaker: spk, Strategy: strategy}, nil
}

func (inv *Invoker) chain(b backend.Backend, p invocation) *resilience.Chain[string] {
	cb := inv.breaker(b.Name())
	call := func(ctx context.Context, c backend.Call) error {
		kw := maps.Clone(c.Keywords)
		if kw == nil {
			kw = make(map[string]any)
		}
		maps.Copy(kw, p.extra())
		c.Keywords = kw
		err := cb.Execute(func() error { return b.TTSToFile(ctx, c) })
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return resilience.Stop(err)
		}
		return err
	}
	keywords := func(kw map[string]any) func(context.Context) (string, error) {
		return func(ctx context.Context) (string, error) {
			return p.speaker, call(ctx, backend.Call{Keywords: kw})
		}
	}

	preferred := p.keywords()
	var attempts []resilience.Attempt[string]
	if sig := b.Signature(); sig != nil {
		declared := maps.Clone(preferred)
		maps.DeleteFunc(declared, func(k string, _ any) bool { return !slices.Contains(sig, k) })
		if len(declared) > 0 {
			attempts = append(attempts, resilience.Attempt[string]{Name: StrategySignature, Run: keywords(declared)})
		}
	}
	attempts = append(attempts,
		resilience.Attempt[string]{Name: StrategyPreferred, Run: keywords(preferred)},
		resilience.Attempt[string]{
			Name: StrategyResolvedSpeaker,
			When: IsMissingSpeaker,
			Run: func(ctx context.Context) (string, error) {
				id := inv.pickSpeaker(ctx, b, p.wav)
				if id == "" {
					return "", resilience.Stop(apperr.New(apperr.SynthesisError, msgUnresolvable).
						WithCode(apperr.CodeSpeakerUnresolvable))
				}
				kw := maps.Clone(preferred)
				kw[backend.KeySpeaker] = id
				delete(kw, backend.KeySpeakerWAV)
				delete(kw, backend.KeySpeakerWAVPath)
				if err := call(ctx, backend.Call{Keywords: kw}); err != nil {
					return "", resilience.Stop(apperr.Wrap(apperr.SynthesisError, err, msgUnresolvable).
						WithCode(apperr.CodeSpeakerUnresolvable))
				}
				return id, nil
			},
		},
		resilience.Attempt[string]{
			Name: StrategyPositional,
			Run: func(ctx context.Context) (string, error) {
				return p.speaker, call(ctx, backend.Call{Positional: []any{p.text, p.output, p.language}})
			},
		},
		resilience.Attempt[string]{
			Name: StrategyPositionalSpeaker,
			Run: func(ctx context.Context) (string, error) {
				kw := make(map[string]any)
				if p.wav != "" {
					kw[backend.KeySpeakerWAV] = p.wav
				}
				if p.language != "" {
					kw[backend.KeyLanguage] = p.language
				}
				return p.speaker, call(ctx, backend.Call{Positional: []any{p.text, p.output}, Keywords: kw})
			},
		},
	)

	return &resilience.Chain[string]{
		Name:     "synth",
		Attempts: attempts,
		Observe: func(ctx context.Context, strategy string, err error) {
			status := "ok"
			if err != nil {
				status = "error"
				observe.Logger(ctx).Debug("synthesis strategy failed", "strategy", strategy, "err", err)
			}
			inv.metrics.RecordSynthesisAttempt(ctx, strategy, status)
		},
	}
}

// pickSpeaker registers wav when given, else falls back to the first
// registered speaker.
func (inv *Invoker) pickSpeaker(ctx context.Context, b backend.Backend, wav string) string {
	if wav != "" && inv.resolver != nil {
		id, err := inv.resolver.Resolve(ctx, b, wav)
		if err == nil && id != "" {
			return id
		}
		observe.Logger(ctx).Warn("failed to register speaker from reference audio", "reference", wav, "err", err)
	}
	return firstSpeaker(b)
}

// classify turns a failed chain into the error reported to callers.
func (inv *Invoker) classify(b backend.Backend, err error) error {
	var chErr *resilience.ChainError
	if !errors.As(err, &chErr) {
		return apperr.Wrap(apperr.SynthesisError, err, msgAllFailed)
	}
	last := chErr.Last()
	if e, ok := apperr.As(last); ok {
		return e.WithDetail("attempts", chErr.Attempts())
	}
	if errors.Is(last, resilience.ErrCircuitOpen) {
		return apperr.Wrap(apperr.SynthesisError, last, "Synthesis backend %s is temporarily unavailable", b.Name()).
			WithDetail("attempts", chErr.Attempts())
	}
	return apperr.Wrap(apperr.SynthesisError, chErr, msgAllFailed).WithDetail("attempts", chErr.Attempts())
}

// breaker returns the circuit breaker guarding the named backend.
func (inv *Invoker) breaker(name string) *resilience.CircuitBreaker {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if cb, ok := inv.breakers[name]; ok {
		return cb
	}
	cfg := inv.cfg.Breaker
	cfg.Name = name
	cfg.Trips = trips
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = func(name string, from, to resilience.State) {
			slog.Warn("synthesis backend circuit changed state", "backend", name, "from", from, "to", to)
		}
	}
	cb := resilience.NewCircuitBreaker(cfg)
	inv.breakers[name] = cb
	return cb
}

// trips excludes failures caused by the shape of the call rather than the
// health of the backend.
func trips(err error) bool {
	switch {
	case IsMissingSpeaker(err),
		errors.Is(err, backend.ErrMissingArgument),
		errors.Is(err, backend.ErrUnsupported),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
