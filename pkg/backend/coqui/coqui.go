// Package coqui provides a backend.Backend that drives a Coqui TTS server over
// its REST API.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): targets the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is performed via GET /api/tts
//     with URL query parameters; the speaker catalogue is retrieved from
//     GET /details. Reference-audio registration is not available.
//
//   - APIModeXTTS: targets the Coqui XTTS v2 API server. Synthesis is
//     performed via POST /tts_to_audio/ with a JSON body; the speaker
//     catalogue is retrieved from GET /studio_speakers; reference audio is
//     registered via POST /clone_speaker.
//
// The server deserialises its own model, so the load policy passed to Open
// only matters to callers that inspect a local copy of the checkpoint first.
//
// Typical usage:
//
//	o, err := coqui.New("http://localhost:8002", coqui.WithAPIMode(coqui.APIModeXTTS))
//	b, err := o.Open(ctx, backend.LoadPolicy{})
//	err = b.TTSToFile(ctx, backend.Call{Keywords: map[string]any{
//	    "text": "Hello", "file_path": "/tmp/out.wav", "speaker": "Ana Florence",
//	}})
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/MrWong99/voxclone/pkg/audio"
	"github.com/MrWong99/voxclone/pkg/backend"
)

// Compile-time interface assertions.
var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Opener  = (*Opener)(nil)
)

// ---- constants ----

const (
	defaultLanguage        = "en"
	defaultTimeout         = 120 * time.Second
	ttsEndpoint            = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
	cloneSpeakerEndpoint   = "/clone_speaker"
	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"

	// maxResponseBytes caps the size of a synthesised WAV response.
	maxResponseBytes = 64 << 20
)

// ---- APIMode ----

// APIMode selects which Coqui server API the backend targets.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	APIModeStandard APIMode = "standard"
)

// ---- options ----

// Option is a functional option for configuring a Coqui Opener.
type Option func(*Opener)

// WithLanguage sets the language code used when a call carries none.
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(o *Opener) {
		o.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 120 s.
func WithTimeout(d time.Duration) Option {
	return func(o *Opener) {
		o.httpClient.Timeout = d
	}
}

// WithAPIMode sets the server API mode.
func WithAPIMode(mode APIMode) Option {
	return func(o *Opener) {
		o.apiMode = mode
	}
}

// WithOutputSampleRate resamples synthesised audio to rate before writing it.
// Zero (the default) keeps the model's native rate.
func WithOutputSampleRate(rate int) Option {
	return func(o *Opener) {
		o.outputRate = rate
	}
}

// WithHTTPClient replaces the HTTP client. The timeout option still applies
// to the replacement when given after it.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opener) {
		o.httpClient = c
	}
}

// ---- Opener ----

// Opener connects to a Coqui server and builds a [Backend].
type Opener struct {
	serverURL  string
	language   string
	httpClient *http.Client
	apiMode    APIMode
	outputRate int
}

// New creates an Opener targeting the server at serverURL (e.g.
// "http://localhost:5002"). The default API mode is APIModeStandard.
func New(serverURL string, opts ...Option) (*Opener, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	o := &Opener{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeStandard,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(o)
	}
	switch o.apiMode {
	case APIModeStandard, APIModeXTTS:
	default:
		return nil, fmt.Errorf("coqui: unknown API mode %q", o.apiMode)
	}
	return o, nil
}

// Open fetches the server's speaker catalogue and returns a ready Backend.
func (o *Opener) Open(ctx context.Context, _ backend.LoadPolicy) (backend.Backend, error) {
	b := &Backend{
		serverURL:  o.serverURL,
		language:   o.language,
		httpClient: o.httpClient,
		apiMode:    o.apiMode,
		outputRate: o.outputRate,
		registry:   backend.NewRegistry(),
	}
	var err error
	if o.apiMode == APIModeXTTS {
		err = b.loadStudioSpeakers(ctx)
	} else {
		err = b.loadDetails(ctx)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ---- Backend ----

// Backend implements backend.Backend against a running Coqui server. It is
// safe for concurrent use.
type Backend struct {
	serverURL  string
	language   string
	httpClient *http.Client
	apiMode    APIMode
	outputRate int

	modelName    string
	multiSpeaker bool
	registry     *backend.Registry
}

// ---- internal request/response types ----

// ttsRequest is the JSON body sent to POST /tts_to_audio/ (XTTS mode).
type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// cloneSpeakerResponse is the JSON body returned by POST /clone_speaker.
type cloneSpeakerResponse struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// detailsResponse is the JSON body returned by GET /details (standard mode).
// Speakers is nil for single-speaker models.
type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// Name implements backend.Backend.
func (b *Backend) Name() string {
	if b.modelName != "" {
		return "coqui/" + b.modelName
	}
	return "coqui/" + string(b.apiMode)
}

// Signature implements backend.Backend.
func (b *Backend) Signature() []string {
	return []string{
		backend.KeyText,
		backend.KeyFilePath,
		backend.KeyLanguage,
		backend.KeySpeaker,
		backend.KeySpeakerWAV,
		backend.KeySpeakerID,
		backend.KeySpeed,
	}
}

// IsMultiSpeaker implements backend.Backend. XTTS models always need a
// speaker; standard models need one when /details lists speakers.
func (b *Backend) IsMultiSpeaker() bool { return b.multiSpeaker }

// Speakers implements backend.Backend.
func (b *Backend) Speakers() backend.SpeakerRegistry { return b.registry }

// Capabilities implements backend.Backend. The engine itself exposes no
// registration operation; XTTS registration lives on the speaker manager.
func (b *Backend) Capabilities() backend.Capabilities { return backend.CapabilitySet{} }

// SpeakerManager implements backend.Backend.
func (b *Backend) SpeakerManager() backend.Capabilities {
	if b.apiMode != APIModeXTTS {
		return nil
	}
	return backend.CapabilitySet{
		"create_speaker_from_wav": func(ctx context.Context, wavPath string) (any, error) {
			return b.cloneSpeaker(ctx, wavPath)
		},
	}
}

// Close releases idle connections.
func (b *Backend) Close() error {
	b.httpClient.CloseIdleConnections()
	return nil
}

// ---- TTSToFile ----

// TTSToFile synthesises the call's text and writes the resulting WAV to the
// call's output path. On a multi-speaker model a call without a speaker fails
// with [backend.MultiSpeakerMessage]. In XTTS mode a call that only carries
// reference audio registers it on the fly.
func (b *Backend) TTSToFile(ctx context.Context, call backend.Call) error {
	args, err := call.Args()
	if err != nil {
		return err
	}
	if args.Language == "" {
		args.Language = b.language
	}

	speaker := args.Speaker
	if speaker == "" && args.SpeakerWAV != "" && b.apiMode == APIModeXTTS {
		speaker, err = b.cloneSpeaker(ctx, args.SpeakerWAV)
		if err != nil {
			return err
		}
	}
	if b.multiSpeaker && speaker == "" {
		return errors.New(backend.MultiSpeakerMessage)
	}

	var wav []byte
	if b.apiMode == APIModeXTTS {
		wav, err = b.synthesizeXTTS(ctx, args.Text, speaker, args.Language)
	} else {
		wav, err = b.synthesizeStandard(ctx, args.Text, speaker, args.Language)
	}
	if err != nil {
		return err
	}

	clip, err := audio.DecodeWAV(wav)
	if err != nil {
		return fmt.Errorf("coqui: decode synthesised audio: %w", err)
	}
	if b.outputRate > 0 && clip.SampleRate != b.outputRate {
		clip = audio.Clip{Samples: audio.Resample(clip.Samples, clip.SampleRate, b.outputRate), SampleRate: b.outputRate}
	}
	if err := audio.WriteWAVFile(args.OutputPath, clip); err != nil {
		return fmt.Errorf("coqui: write output: %w", err)
	}
	return nil
}

// synthesizeXTTS performs a single POST /tts_to_audio/ call and returns the
// WAV body.
func (b *Backend) synthesizeXTTS(ctx context.Context, text, speaker, language string) ([]byte, error) {
	data, err := json.Marshal(ttsRequest{Text: text, SpeakerWav: speaker, Language: language})
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.serverURL+ttsEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")
	return b.doAudio(req, "POST "+ttsEndpoint)
}

// synthesizeStandard performs a single GET /api/tts call and returns the WAV
// body.
func (b *Backend) synthesizeStandard(ctx context.Context, text, speaker, language string) ([]byte, error) {
	params := url.Values{}
	params.Set("text", text)
	if speaker != "" {
		params.Set("speaker_id", speaker)
	}
	if language != "" {
		params.Set("language_id", language)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")
	return b.doAudio(req, "GET "+apiTTSEndpoint)
}

func (b *Backend) doAudio(req *http.Request, op string) ([]byte, error) {
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s returned status %d: %s", op, resp.StatusCode, readSnippet(resp.Body))
	}
	wav, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	return wav, nil
}

// readSnippet returns the first few hundred bytes of an error body. Servers
// report model errors such as a missing speaker in the body text.
func readSnippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(data))
}

// ---- catalogue ----

// loadStudioSpeakers fills the registry from GET /studio_speakers. XTTS
// synthesis always needs a speaker.
func (b *Backend) loadStudioSpeakers(ctx context.Context) error {
	var raw map[string]json.RawMessage
	if err := b.getJSON(ctx, studioSpeakersEndpoint, &raw); err != nil {
		return err
	}
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, n := range names {
		b.registry.Add(n)
	}
	b.multiSpeaker = true
	return nil
}

// loadDetails fills the registry from GET /details. The model is
// multi-speaker exactly when speakers are listed.
func (b *Backend) loadDetails(ctx context.Context) error {
	var details detailsResponse
	if err := b.getJSON(ctx, detailsEndpoint, &details); err != nil {
		return err
	}
	b.modelName = details.ModelName
	if details.Language != "" && b.language == "" {
		b.language = details.Language
	}
	speakers := append([]string(nil), details.Speakers...)
	sort.Strings(speakers)
	for _, s := range speakers {
		b.registry.Add(s)
	}
	b.multiSpeaker = len(speakers) > 0
	return nil
}

func (b *Backend) getJSON(ctx context.Context, endpoint string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.serverURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("coqui: create %s request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("coqui: GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coqui: GET %s returned status %d", endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("coqui: decode %s response: %w", endpoint, err)
	}
	return nil
}

// ---- registration ----

// cloneSpeaker uploads the WAV at wavPath via POST /clone_speaker and records
// the returned speaker name in the registry.
func (b *Backend) cloneSpeaker(ctx context.Context, wavPath string) (string, error) {
	sample, err := os.ReadFile(wavPath)
	if err != nil {
		return "", fmt.Errorf("coqui: read reference audio: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("wav_files", filepath.Base(wavPath))
	if err != nil {
		return "", fmt.Errorf("coqui: create form file: %w", err)
	}
	if _, err := fw.Write(sample); err != nil {
		return "", fmt.Errorf("coqui: write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("coqui: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.serverURL+cloneSpeakerEndpoint, &body)
	if err != nil {
		return "", fmt.Errorf("coqui: create clone-speaker request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("coqui: POST %s: %w", cloneSpeakerEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("coqui: POST %s returned status %d", cloneSpeakerEndpoint, resp.StatusCode)
	}

	var cloneResp cloneSpeakerResponse
	if err := json.NewDecoder(resp.Body).Decode(&cloneResp); err != nil {
		return "", fmt.Errorf("coqui: decode clone-speaker response: %w", err)
	}
	if cloneResp.Name == "" {
		return "", errors.New("coqui: clone-speaker response missing name")
	}
	b.registry.Add(cloneResp.Name)
	return cloneResp.Name, nil
}
