// Package openai provides a backend.Backend backed by the OpenAI speech API.
//
// OpenAI offers a fixed set of built-in voices and no reference-audio
// registration, so reference clips cannot be turned into speakers here; the
// synthesis layer falls back to the first built-in voice instead.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/voxclone/pkg/audio"
	"github.com/MrWong99/voxclone/pkg/backend"
)

// DefaultModel is the default OpenAI speech model.
const DefaultModel = oai.SpeechModelTTS1

// Voices lists the built-in voices in registry order.
var Voices = []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"}

// Compile-time interface assertions.
var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Opener  = (*Opener)(nil)
)

// config holds optional configuration for the backend.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
}

// Option is a functional option for Opener.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// Opener builds OpenAI speech backends.
type Opener struct {
	client oai.Client
	model  string
}

// New constructs an Opener. If model is empty, DefaultModel is used.
func New(apiKey, model string, opts ...Option) (*Opener, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai tts: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Opener{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Open returns a Backend. The hosted model needs no checkpoint load, so the
// policy is ignored.
func (o *Opener) Open(_ context.Context, _ backend.LoadPolicy) (backend.Backend, error) {
	return &Backend{
		client:   o.client,
		model:    o.model,
		registry: backend.NewRegistry(Voices...),
	}, nil
}

// Backend implements backend.Backend using the OpenAI speech endpoint.
type Backend struct {
	client   oai.Client
	model    string
	registry *backend.Registry
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return "openai/" + b.model }

// Signature implements backend.Backend.
func (b *Backend) Signature() []string {
	return []string{backend.KeyText, backend.KeyFilePath, backend.KeySpeaker, backend.KeySpeed}
}

// IsMultiSpeaker implements backend.Backend. Every request names a voice.
func (b *Backend) IsMultiSpeaker() bool { return true }

// Speakers implements backend.Backend.
func (b *Backend) Speakers() backend.SpeakerRegistry { return b.registry }

// Capabilities implements backend.Backend.
func (b *Backend) Capabilities() backend.Capabilities { return backend.CapabilitySet{} }

// SpeakerManager implements backend.Backend. There is none.
func (b *Backend) SpeakerManager() backend.Capabilities { return nil }

// Close implements backend.Backend.
func (b *Backend) Close() error { return nil }

// TTSToFile requests WAV audio for the call's text and writes it to the
// call's output path. Reference audio is not supported and is ignored.
func (b *Backend) TTSToFile(ctx context.Context, call backend.Call) error {
	args, err := call.Args()
	if err != nil {
		return err
	}
	if args.Speaker == "" {
		return fmt.Errorf("openai tts: %s", backend.MultiSpeakerMessage)
	}

	params := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(b.model),
		Input:          args.Text,
		Voice:          oai.AudioSpeechNewParamsVoice(args.Speaker),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatWAV,
	}
	if args.Speed > 0 {
		params.Speed = oai.Float(args.Speed)
	}

	resp, err := b.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return fmt.Errorf("openai tts: synthesize: %w", err)
	}
	defer resp.Body.Close()

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("openai tts: read response: %w", err)
	}
	clip, err := audio.DecodeWAV(wav)
	if err != nil {
		return fmt.Errorf("openai tts: decode response: %w", err)
	}
	if err := audio.WriteWAVFile(args.OutputPath, clip); err != nil {
		return fmt.Errorf("openai tts: write output: %w", err)
	}
	return nil
}
