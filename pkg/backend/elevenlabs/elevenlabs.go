// Package elevenlabs provides a backend.Backend backed by the ElevenLabs API.
//
// Synthesis uses the streaming WebSocket endpoint and collects the PCM frames
// into a WAV file. Reference audio is registered through POST /v1/voices/add,
// which returns the voice ID used as the speaker for later calls. Every
// ElevenLabs voice is a distinct speaker, so the backend always reports itself
// as multi-speaker.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxclone/pkg/audio"
	"github.com/MrWong99/voxclone/pkg/backend"
)

// Compile-time interface assertions.
var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Opener  = (*Opener)(nil)
)

const (
	defaultBaseURL   = "https://api.elevenlabs.io"
	streamPathFmt    = "/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"
	voicesPath       = "/v1/voices"
	addVoicePath     = "/v1/voices/add"
	defaultModel     = "eleven_multilingual_v2"
	defaultOutputFmt = "pcm_16000"
	defaultTimeout   = 60 * time.Second
)

// Option is a functional option for configuring the ElevenLabs Opener.
type Option func(*Opener)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(o *Opener) {
		o.model = model
	}
}

// WithOutputFormat sets the PCM output format (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(o *Opener) {
		o.outputFormat = format
	}
}

// WithBaseURL overrides the REST base URL. The WebSocket URL is derived from
// it by swapping the scheme.
func WithBaseURL(u string) Option {
	return func(o *Opener) {
		o.baseURL = strings.TrimRight(u, "/")
	}
}

// WithTimeout sets the HTTP and per-synthesis timeout. Defaults to 60 s.
func WithTimeout(d time.Duration) Option {
	return func(o *Opener) {
		o.timeout = d
	}
}

// Opener validates the API key and builds a [Backend].
type Opener struct {
	apiKey       string
	model        string
	outputFormat string
	baseURL      string
	timeout      time.Duration
}

// New creates a new ElevenLabs Opener. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Opener, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	o := &Opener{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		baseURL:      defaultBaseURL,
		timeout:      defaultTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if _, err := sampleRateOf(o.outputFormat); err != nil {
		return nil, err
	}
	return o, nil
}

// Open lists the account's voices and returns a ready Backend. The load
// policy does not apply to a hosted model.
func (o *Opener) Open(ctx context.Context, _ backend.LoadPolicy) (backend.Backend, error) {
	rate, _ := sampleRateOf(o.outputFormat)
	b := &Backend{
		apiKey:       o.apiKey,
		model:        o.model,
		outputFormat: o.outputFormat,
		sampleRate:   rate,
		baseURL:      o.baseURL,
		timeout:      o.timeout,
		httpClient:   &http.Client{Timeout: o.timeout},
		registry:     backend.NewRegistry(),
	}
	ids, err := b.listVoices(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		b.registry.Add(id)
	}
	return b, nil
}

// Backend implements backend.Backend against the ElevenLabs API.
type Backend struct {
	apiKey       string
	model        string
	outputFormat string
	sampleRate   int
	baseURL      string
	timeout      time.Duration
	httpClient   *http.Client
	registry     *backend.Registry
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return "elevenlabs/" + b.model }

// Signature implements backend.Backend. The streaming API accepts arbitrary
// settings, so no fixed signature is reported.
func (b *Backend) Signature() []string { return nil }

// IsMultiSpeaker implements backend.Backend.
func (b *Backend) IsMultiSpeaker() bool { return true }

// Speakers implements backend.Backend.
func (b *Backend) Speakers() backend.SpeakerRegistry { return b.registry }

// Capabilities implements backend.Backend.
func (b *Backend) Capabilities() backend.Capabilities { return backend.CapabilitySet{} }

// SpeakerManager implements backend.Backend.
func (b *Backend) SpeakerManager() backend.Capabilities {
	return backend.CapabilitySet{
		"add_speaker": func(ctx context.Context, wavPath string) (any, error) {
			return b.addVoice(ctx, wavPath)
		},
	}
}

// Close releases idle connections.
func (b *Backend) Close() error {
	b.httpClient.CloseIdleConnections()
	return nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// boiMessage is the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// audioResponse is one message received over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TTSToFile streams the call's text through the WebSocket API and writes the
// collected PCM as a WAV file. A call that only carries reference audio
// registers it as a new voice first.
func (b *Backend) TTSToFile(ctx context.Context, call backend.Call) error {
	args, err := call.Args()
	if err != nil {
		return err
	}
	voiceID := args.Speaker
	if voiceID == "" && args.SpeakerWAV != "" {
		voiceID, err = b.addVoice(ctx, args.SpeakerWAV)
		if err != nil {
			return err
		}
	}
	if voiceID == "" {
		return errors.New(backend.MultiSpeakerMessage)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	pcm, err := b.stream(ctx, voiceID, args.Text, args.Speed)
	if err != nil {
		return err
	}
	clip := audio.Clip{Samples: audio.Int16ToFloat(pcm), SampleRate: b.sampleRate}
	if err := audio.WriteWAVFile(args.OutputPath, clip); err != nil {
		return fmt.Errorf("elevenlabs: write output: %w", err)
	}
	return nil
}

func (b *Backend) stream(ctx context.Context, voiceID, text string, speed float64) ([]byte, error) {
	conn, _, err := websocket.Dial(ctx, b.wsURL(voiceID), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	conn.SetReadLimit(16 << 20)

	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75, Speed: speed}
	msgs := []any{
		// ElevenLabs requires a non-empty first text value.
		boiMessage{Text: " ", VoiceSettings: vs, XiAPIKey: b.apiKey},
		textMessage{Text: text + " "},
		textMessage{Text: ""}, // flush
	}
	for _, m := range msgs {
		data, _ := json.Marshal(m)
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return nil, fmt.Errorf("elevenlabs: write: %w", err)
		}
	}

	var pcm []byte
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && len(pcm) > 0 {
				return pcm, nil
			}
			return nil, fmt.Errorf("elevenlabs: read: %w", err)
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("elevenlabs: %s", resp.Error)
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				return nil, fmt.Errorf("elevenlabs: decode audio frame: %w", err)
			}
			pcm = append(pcm, chunk...)
		}
		if resp.IsFinal {
			if len(pcm) == 0 {
				return nil, errors.New("elevenlabs: stream ended without audio")
			}
			return pcm, nil
		}
	}
}

func (b *Backend) wsURL(voiceID string) string {
	base := b.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + fmt.Sprintf(streamPathFmt, voiceID, b.model, b.outputFormat)
}

// ---- voices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []struct {
		VoiceID string `json:"voice_id"`
		Name    string `json:"name"`
	} `json:"voices"`
}

// addVoiceResponse is the response from POST /v1/voices/add.
type addVoiceResponse struct {
	VoiceID string `json:"voice_id"`
}

func (b *Backend) listVoices(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+voicesPath, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", b.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}
	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	ids := make([]string, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		if v.VoiceID != "" {
			ids = append(ids, v.VoiceID)
		}
	}
	return ids, nil
}

// addVoice uploads wavPath as an instant voice clone and records the new
// voice ID in the registry.
func (b *Backend) addVoice(ctx context.Context, wavPath string) (string, error) {
	f, err := os.Open(wavPath)
	if err != nil {
		return "", fmt.Errorf("elevenlabs: open reference audio: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	name := strings.TrimSuffix(filepath.Base(wavPath), filepath.Ext(wavPath))
	if err := mw.WriteField("name", "voxclone-"+name); err != nil {
		return "", fmt.Errorf("elevenlabs: write name field: %w", err)
	}
	fw, err := mw.CreateFormFile("files", filepath.Base(wavPath))
	if err != nil {
		return "", fmt.Errorf("elevenlabs: create form file: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return "", fmt.Errorf("elevenlabs: write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("elevenlabs: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+addVoicePath, &body)
	if err != nil {
		return "", fmt.Errorf("elevenlabs: add voice: %w", err)
	}
	req.Header.Set("xi-api-key", b.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("elevenlabs: add voice HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("elevenlabs: add voice: unexpected status %d", resp.StatusCode)
	}
	var ar addVoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return "", fmt.Errorf("elevenlabs: add voice decode: %w", err)
	}
	if ar.VoiceID == "" {
		return "", errors.New("elevenlabs: add voice response missing voice_id")
	}
	b.registry.Add(ar.VoiceID)
	return ar.VoiceID, nil
}

// sampleRateOf extracts the sample rate from a "pcm_<rate>" output format.
func sampleRateOf(format string) (int, error) {
	rate, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: output format %q is not PCM", format)
	}
	n, err := strconv.Atoi(rate)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("elevenlabs: invalid output format %q", format)
	}
	return n, nil
}
