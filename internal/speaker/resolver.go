// Package speaker turns reference audio into a speaker identity the synthesis
// backend can use.
//
// Backends expose registration under varying operation names, so [Resolver]
// probes an ordered list of candidates on the backend itself and then on its
// speaker manager. Resolved identities are cached per backend and absolute
// reference path; concurrent resolutions of the same reference collapse into
// one registration.
package speaker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/voxclone/internal/observe"
	"github.com/MrWong99/voxclone/internal/resilience"
	"github.com/MrWong99/voxclone/pkg/backend"
)

// ErrNoIdentity is returned when no speaker identity could be resolved. It
// is not fatal; callers decide how to proceed without one.
var ErrNoIdentity = errors.New("speaker: no identity could be resolved")

// EngineOperations are probed on the backend itself, in order.
var EngineOperations = []string{
	"register_speaker_from_wav",
	"create_speaker_from_wav",
	"add_speaker_from_wav",
	"add_speaker",
}

// ManagerOperations are probed on the backend's speaker manager, in order.
var ManagerOperations = []string{
	"create_speaker_from_wav",
	"add_speaker_from_wav",
	"add_speaker",
	"create_speaker",
}

const defaultCacheSize = 1024

// Resolver resolves reference audio to speaker identities.
type Resolver struct {
	cache   *lru.Cache[string, string]
	group   singleflight.Group
	metrics *observe.Metrics
}

// Option configures a [Resolver].
type Option func(*Resolver)

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver returns a Resolver caching up to cacheSize identities. A
// non-positive size uses 1024.
func NewResolver(cacheSize int, opts ...Option) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("speaker: create cache: %w", err)
	}
	r := &Resolver{cache: cache}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r, nil
}

// Resolve returns the speaker identity for the reference audio at wavPath on
// b. It returns [ErrNoIdentity] when the file is missing or every
// registration attempt fails.
func (r *Resolver) Resolve(ctx context.Context, b backend.Backend, wavPath string) (string, error) {
	ctx, span := observe.StartSpan(ctx, "speaker.Resolve")
	defer span.End()

	abs, err := filepath.Abs(wavPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoIdentity, err)
	}
	span.SetAttributes(attribute.String("speaker.reference", abs))
	if _, err := os.Stat(abs); err != nil {
		r.metrics.RecordSpeakerResolution(ctx, "none", "missing_reference")
		return "", fmt.Errorf("%w: reference audio %s: %v", ErrNoIdentity, abs, err)
	}

	key := cacheKey(b, abs)
	if id, ok := r.cache.Get(key); ok {
		r.metrics.RecordSpeakerResolution(ctx, "cache", "ok")
		return id, nil
	}

	// The registration is shared, so it must outlive the caller that started
	// it. A caller whose ctx ends stops waiting.
	ch := r.group.DoChan(key, func() (any, error) {
		if id, ok := r.cache.Get(key); ok {
			return id, nil
		}
		id, err := r.register(context.WithoutCancel(ctx), b, abs)
		if err != nil {
			return "", err
		}
		r.cache.Add(key, id)
		return id, nil
	})
	var (
		v      any
		shared bool
	)
	select {
	case res := <-ch:
		v, err, shared = res.Val, res.Err, res.Shared
	case <-ctx.Done():
		err = ctx.Err()
	}
	span.SetAttributes(attribute.Bool("speaker.shared", shared))
	if err != nil {
		observe.SpanError(span, err)
		observe.Logger(ctx).Warn("speaker resolution failed", "reference", abs, "backend", b.Name(), "err", err)
		return "", err
	}
	id := v.(string)
	span.SetAttributes(attribute.String("speaker.id", id))
	return id, nil
}

// Cached returns the cached identity for wavPath on b without registering.
func (r *Resolver) Cached(b backend.Backend, wavPath string) (string, bool) {
	abs, err := filepath.Abs(wavPath)
	if err != nil {
		return "", false
	}
	return r.cache.Get(cacheKey(b, abs))
}

// Purge drops every cached identity, e.g. after the backend was reloaded.
func (r *Resolver) Purge() { r.cache.Purge() }

// Len reports the number of cached identities.
func (r *Resolver) Len() int { return r.cache.Len() }

func cacheKey(b backend.Backend, abs string) string {
	return b.Name() + "\x00" + abs
}

// register probes the engine operations, then the speaker manager's.
func (r *Resolver) register(ctx context.Context, b backend.Backend, abs string) (string, error) {
	var attempts []resilience.Attempt[string]
	add := func(source string, caps backend.Capabilities, names []string) {
		if caps == nil {
			return
		}
		for _, name := range names {
			fn, ok := caps.Lookup(name)
			if !ok {
				continue
			}
			attempts = append(attempts, resilience.Attempt[string]{
				Name: source + "." + name,
				Run: func(ctx context.Context) (string, error) {
					res, err := fn(ctx, abs)
					if err != nil {
						return "", err
					}
					return normalize(res, b.Speakers())
				},
			})
		}
	}
	add("engine", b.Capabilities(), EngineOperations)
	add("speaker_manager", b.SpeakerManager(), ManagerOperations)

	if len(attempts) == 0 {
		r.metrics.RecordSpeakerResolution(ctx, "none", "unsupported")
		return "", fmt.Errorf("%w: backend %s exposes no registration operation", ErrNoIdentity, b.Name())
	}

	chain := &resilience.Chain[string]{
		Name:     "speaker",
		Attempts: attempts,
		Observe: func(ctx context.Context, attempt string, err error) {
			status := "ok"
			if err != nil {
				status = "error"
			}
			r.metrics.RecordSpeakerResolution(ctx, sourceOf(attempt), status)
		},
	}
	id, via, err := chain.Run(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoIdentity, err)
	}
	observe.Logger(ctx).Info("registered speaker from reference audio", "speaker", id, "via", via, "reference", abs)
	return id, nil
}

func sourceOf(attempt string) string {
	source, _, _ := strings.Cut(attempt, ".")
	return source
}

// errNoUsableResult is returned when a registration call succeeded without a
// usable result and the registry offers no fallback.
var errNoUsableResult = errors.New("registration returned no usable identity")

// normalize maps a registration result to an identity. A non-empty string or
// the first element of a list is used directly; otherwise the most recently
// registered speaker stands in.
func normalize(res any, reg backend.SpeakerRegistry) (string, error) {
	switch v := res.(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case []string:
		if len(v) > 0 && v[0] != "" {
			return v[0], nil
		}
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok && s != "" {
				return s, nil
			}
		}
	}
	if reg != nil {
		if names := reg.Names(); len(names) > 0 {
			return names[len(names)-1], nil
		}
	}
	return "", errNoUsableResult
}
