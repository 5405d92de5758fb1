// Package mock provides a test double for the backend.Backend interface.
//
// Use Backend to script how a synthesis backend reacts to each call shape and
// to verify which calls the invoker tried, in order.
//
// Example:
//
//	b := &mock.Backend{
//	    Sig:          []string{"text", "file_path", "speaker"},
//	    MultiSpeaker: true,
//	    Registry:     backend.NewRegistry("alice"),
//	}
//	err := b.TTSToFile(ctx, backend.Call{Keywords: kw})
package mock

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxclone/pkg/audio"
	"github.com/MrWong99/voxclone/pkg/backend"
)

// Compile-time interface assertions.
var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Opener  = (*Opener)(nil)
)

// Call records a single invocation of TTSToFile.
type Call struct {
	// Keywords is a copy of the keyword arguments.
	Keywords map[string]any
	// Positional is a copy of the positional arguments.
	Positional []any
}

// Backend is a mock implementation of backend.Backend.
//
// When TTSFunc is nil, TTSToFile enforces the multi-speaker rule (returning
// [backend.MultiSpeakerMessage] when MultiSpeaker is set and neither speaker
// nor reference audio is given) and writes a short tone to the output path.
type Backend struct {
	mu sync.Mutex

	// --- Configurable behaviour ---

	// BackendName is returned by Name. Defaults to "mock".
	BackendName string

	// Sig is returned by Signature. Nil means the signature is unknown.
	Sig []string

	// MultiSpeaker is returned by IsMultiSpeaker.
	MultiSpeaker bool

	// Registry is returned by Speakers. May be nil.
	Registry *backend.Registry

	// Engine is returned by Capabilities. May be nil.
	Engine backend.CapabilitySet

	// Manager is returned by SpeakerManager. May be nil.
	Manager backend.CapabilitySet

	// TTSFunc, if set, replaces the default TTSToFile behaviour.
	TTSFunc func(ctx context.Context, call backend.Call) error

	// ToneDuration is the length of the tone written by the default
	// behaviour. Defaults to one second.
	ToneDuration time.Duration

	// --- Call records ---

	// Calls records every call to TTSToFile in order.
	Calls []Call

	// Closed is set once Close has been called.
	Closed bool
}

// Name implements backend.Backend.
func (b *Backend) Name() string {
	if b.BackendName == "" {
		return "mock"
	}
	return b.BackendName
}

// TTSToFile records the call and runs TTSFunc or the default behaviour.
func (b *Backend) TTSToFile(ctx context.Context, call backend.Call) error {
	b.mu.Lock()
	b.Calls = append(b.Calls, Call{
		Keywords:   maps.Clone(call.Keywords),
		Positional: slices.Clone(call.Positional),
	})
	fn := b.TTSFunc
	b.mu.Unlock()

	if fn != nil {
		return fn(ctx, call)
	}
	args, err := call.Args()
	if err != nil {
		return err
	}
	if b.MultiSpeaker && args.Speaker == "" && args.SpeakerWAV == "" {
		return errors.New(backend.MultiSpeakerMessage)
	}
	return WriteTone(args.OutputPath, b.toneDuration())
}

func (b *Backend) toneDuration() time.Duration {
	if b.ToneDuration <= 0 {
		return time.Second
	}
	return b.ToneDuration
}

// Signature implements backend.Backend.
func (b *Backend) Signature() []string { return b.Sig }

// IsMultiSpeaker implements backend.Backend.
func (b *Backend) IsMultiSpeaker() bool { return b.MultiSpeaker }

// Speakers implements backend.Backend.
func (b *Backend) Speakers() backend.SpeakerRegistry {
	if b.Registry == nil {
		return nil
	}
	return b.Registry
}

// Capabilities implements backend.Backend.
func (b *Backend) Capabilities() backend.Capabilities {
	if b.Engine == nil {
		return backend.CapabilitySet{}
	}
	return b.Engine
}

// SpeakerManager implements backend.Backend.
func (b *Backend) SpeakerManager() backend.Capabilities {
	if b.Manager == nil {
		return nil
	}
	return b.Manager
}

// Close marks the backend closed.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Closed = true
	return nil
}

// CallsSnapshot returns a copy of the recorded calls. Thread-safe.
func (b *Backend) CallsSnapshot() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Calls = nil
}

// WriteTone writes a 440 Hz mono tone of length d to path at 22050 Hz.
func WriteTone(path string, d time.Duration) error {
	const rate = 22050
	n := int(d.Seconds() * rate)
	samples := make([]float32, n)
	for i := range samples {
		// Square-ish wave keeps the peak well above any silence threshold.
		if (i/25)%2 == 0 {
			samples[i] = 0.4
		} else {
			samples[i] = -0.4
		}
	}
	return audio.WriteWAVFile(path, audio.Clip{Samples: samples, SampleRate: rate})
}

// Opener is a mock implementation of backend.Opener.
type Opener struct {
	mu sync.Mutex

	// Backend is returned by a successful Open.
	Backend backend.Backend

	// OpenFunc, if set, replaces the default behaviour.
	OpenFunc func(ctx context.Context, policy backend.LoadPolicy) (backend.Backend, error)

	// Policies records the policy of every Open call in order.
	Policies []backend.LoadPolicy
}

// Open records the policy and returns Backend or the result of OpenFunc.
func (o *Opener) Open(ctx context.Context, policy backend.LoadPolicy) (backend.Backend, error) {
	o.mu.Lock()
	o.Policies = append(o.Policies, backend.LoadPolicy{
		SafeGlobals: slices.Clone(policy.SafeGlobals),
		Trusted:     policy.Trusted,
	})
	fn := o.OpenFunc
	o.mu.Unlock()
	if fn != nil {
		return fn(ctx, policy)
	}
	return o.Backend, nil
}

// PoliciesSnapshot returns a copy of the recorded policies. Thread-safe.
func (o *Opener) PoliciesSnapshot() []backend.LoadPolicy {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.Policies)
}
