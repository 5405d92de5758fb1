// Package backend defines the narrow adapter interface voxclone uses to talk
// to a speech synthesis backend.
//
// Synthesis backends differ in how their file-synthesis call is shaped and in
// which speaker registration operations they expose. The interface therefore
// models a call as a bag of keyword and positional arguments ([Call]) and
// exposes registration operations by name ([Capabilities]) so callers can
// probe for them in a fixed order.
//
// Implementations must be safe for concurrent use.
package backend

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrUnsupported is returned by backends for operations they do not offer.
var ErrUnsupported = errors.New("backend: operation not supported")

// ErrMissingArgument is returned when a [Call] lacks the text or output path.
var ErrMissingArgument = errors.New("backend: missing required argument")

// MultiSpeakerMessage is the error text a multi-speaker backend reports when
// it is invoked without a speaker.
const MultiSpeakerMessage = "Model is multi-speaker but no `speaker` is provided"

// Keyword names understood by the adapters in this module.
const (
	KeyText           = "text"
	KeyFilePath       = "file_path"
	KeyFile           = "file"
	KeyPath           = "path"
	KeyFilename       = "filename"
	KeyLanguage       = "language"
	KeySpeaker        = "speaker"
	KeySpeakerWAV     = "speaker_wav"
	KeySpeakerWAVPath = "speaker_wav_path"
	KeySpeakerID      = "speaker_id"
	KeySpeed          = "speed"
)

// Call is one invocation of a backend's synthesise-to-file operation.
type Call struct {
	Keywords   map[string]any
	Positional []any
}

// Args is the normalised form of a [Call].
type Args struct {
	Text       string
	OutputPath string
	Language   string
	Speaker    string
	SpeakerWAV string
	Speed      float64
}

// Args interprets c. Positional arguments are text, output path and language
// in that order; keywords take precedence over positional values. Unknown
// keywords are ignored.
func (c Call) Args() (Args, error) {
	var a Args
	pos := func(i int) string {
		if i < len(c.Positional) {
			if s, ok := c.Positional[i].(string); ok {
				return s
			}
		}
		return ""
	}
	kw := func(names ...string) string {
		for _, n := range names {
			if s, ok := c.Keywords[n].(string); ok && s != "" {
				return s
			}
		}
		return ""
	}

	a.Text = firstNonEmpty(kw(KeyText), pos(0))
	a.OutputPath = firstNonEmpty(kw(KeyFilePath, KeyFile, KeyPath, KeyFilename), pos(1))
	a.Language = firstNonEmpty(kw(KeyLanguage), pos(2))
	a.Speaker = kw(KeySpeaker, KeySpeakerID)
	a.SpeakerWAV = kw(KeySpeakerWAV, KeySpeakerWAVPath)
	if v, ok := c.Keywords[KeySpeed].(float64); ok {
		a.Speed = v
	}

	if a.Text == "" {
		return a, fmt.Errorf("%w: text", ErrMissingArgument)
	}
	if a.OutputPath == "" {
		return a, fmt.Errorf("%w: output path", ErrMissingArgument)
	}
	return a, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// RegisterFunc registers the speaker in the WAV file at wavPath. It returns a
// speaker name (string), a list of names ([]string) or nil when the backend
// registered the speaker without reporting its name.
type RegisterFunc func(ctx context.Context, wavPath string) (any, error)

// Capabilities exposes named speaker registration operations.
type Capabilities interface {
	// Lookup returns the operation registered under name.
	Lookup(name string) (RegisterFunc, bool)
}

// CapabilitySet is a static [Capabilities] implementation. It must not be
// modified after it is shared.
type CapabilitySet map[string]RegisterFunc

// Lookup implements [Capabilities].
func (s CapabilitySet) Lookup(name string) (RegisterFunc, bool) {
	fn, ok := s[name]
	return fn, ok && fn != nil
}

// SpeakerRegistry lists the speakers a backend knows about.
type SpeakerRegistry interface {
	// Names returns all speakers in registration order, most recent last.
	Names() []string

	// Add records a newly registered speaker. Adding a known name moves it to
	// the end.
	Add(name string)
}

// Registry is an in-memory [SpeakerRegistry].
type Registry struct {
	mu    sync.RWMutex
	names []string
}

// NewRegistry returns a Registry seeded with names.
func NewRegistry(names ...string) *Registry {
	r := &Registry{}
	for _, n := range names {
		r.Add(n)
	}
	return r
}

// Names implements [SpeakerRegistry].
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.names)
}

// Add implements [SpeakerRegistry].
func (r *Registry) Add(name string) {
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = slices.DeleteFunc(r.names, func(n string) bool { return n == name })
	r.names = append(r.names, name)
}

// Backend is a loaded synthesis backend.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// TTSToFile synthesises speech and writes a WAV file to the output path
	// carried by call.
	TTSToFile(ctx context.Context, call Call) error

	// Signature returns the keyword names TTSToFile declares, or nil when the
	// backend cannot report them.
	Signature() []string

	// IsMultiSpeaker reports whether synthesis requires a speaker.
	IsMultiSpeaker() bool

	// Speakers returns the speaker registry, or nil when the backend has none.
	Speakers() SpeakerRegistry

	// Capabilities returns the backend's own registration operations.
	Capabilities() Capabilities

	// SpeakerManager returns the registration operations of the backend's
	// speaker management component, or nil when there is none.
	SpeakerManager() Capabilities

	// Close releases resources held by the backend.
	Close() error
}

// LoadPolicy governs how a backend's model checkpoint may be deserialised.
type LoadPolicy struct {
	// SafeGlobals lists the fully qualified class names a restricted load may
	// reference.
	SafeGlobals []string

	// Trusted disables the restriction entirely.
	Trusted bool
}

// Opener loads a backend under a given policy.
type Opener interface {
	Open(ctx context.Context, policy LoadPolicy) (Backend, error)
}

// OpenerFunc adapts a function to [Opener].
type OpenerFunc func(ctx context.Context, policy LoadPolicy) (Backend, error)

// Open implements [Opener].
func (f OpenerFunc) Open(ctx context.Context, policy LoadPolicy) (Backend, error) {
	return f(ctx, policy)
}
