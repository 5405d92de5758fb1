// Package cloning orchestrates text-to-speech and voice cloning requests.
//
// [Service] is the boundary between request handling and the synthesis core.
// It validates input, picks output locations, obtains the loaded backend and
// makes sure a stable speaker identity, not a raw file path, reaches the
// backend whenever reference audio is involved. Its entry points never return
// errors; failures are reported in the [Response].
package cloning

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxclone/internal/apperr"
	"github.com/MrWong99/voxclone/internal/observe"
	"github.com/MrWong99/voxclone/internal/quality"
	"github.com/MrWong99/voxclone/internal/recording"
	"github.com/MrWong99/voxclone/internal/synth"
	"github.com/MrWong99/voxclone/pkg/backend"
)

// BackendSource provides the loaded synthesis backend. [*model.Loader]
// implements it.
type BackendSource interface {
	Get(ctx context.Context) (backend.Backend, error)
}

// Synthesizer runs synthesis against a backend. [*synth.Invoker] implements
// it.
type Synthesizer interface {
	Synthesize(ctx context.Context, b backend.Backend, req synth.Request) (synth.Result, error)
	Clone(ctx context.Context, b backend.Backend, req synth.Request) (synth.Result, error)
}

// SpeakerResolver registers reference audio as a speaker.
// [*speaker.Resolver] implements it.
type SpeakerResolver interface {
	Resolve(ctx context.Context, b backend.Backend, wavPath string) (string, error)
}

// FileResolver maps an uploaded file id to its path. [*files.Manager]
// implements it.
type FileResolver interface {
	Path(fileID string) (string, error)
}

// Config holds the tunables of a [Service].
type Config struct {
	// OutputDir receives generated audio.
	OutputDir string

	// MaxTextLength bounds the text of a request in characters. Zero
	// disables the check.
	MaxTextLength int

	// Limits is applied to cloning references.
	Limits quality.UploadLimits
}

// Service is the voice cloning orchestrator.
type Service struct {
	models   BackendSource
	synth    Synthesizer
	speakers SpeakerResolver
	files    FileResolver
	cfg      Config
}

// New returns a Service. speakers may be nil, in which case reference audio
// is handed to the backend unresolved.
func New(models BackendSource, s Synthesizer, speakers SpeakerResolver, files FileResolver, cfg Config) *Service {
	if cfg.OutputDir == "" {
		cfg.OutputDir = "output"
	}
	return &Service{models: models, synth: s, speakers: speakers, files: files, cfg: cfg}
}

// SpeechRequest asks for plain synthesis, optionally in the voice of a
// reference recording.
type SpeechRequest struct {
	Text           string
	Language       string
	Speaker        string
	ReferenceAudio string
	Speed          float64
}

// CloneRequest asks for synthesis in the voice of an uploaded reference.
type CloneRequest struct {
	Text             string
	Language         string
	ReferenceAudioID string
	Speed            float64
}

// Response is the structured outcome of a request.
type Response struct {
	Success       bool           `json:"success"`
	Message       string         `json:"message"`
	ErrorCode     apperr.Code    `json:"error_code,omitempty"`
	ErrorKind     apperr.Kind    `json:"error_kind,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	AudioFilePath string         `json:"audio_file_path,omitempty"`
	Speaker       string         `json:"speaker,omitempty"`
	ClonedVoiceID string         `json:"cloned_voice_id,omitempty"`
	ProfileID     string         `json:"profile_id,omitempty"`

	// Err is the underlying failure, kept for logging by the caller.
	Err error `json:"-"`
}

// SynthesizeSpeech renders req.Text. With reference audio, the reference is
// registered as a speaker first; if registration fails the backend receives
// the reference directly.
func (s *Service) SynthesizeSpeech(ctx context.Context, req SpeechRequest) *Response {
	ctx, span := observe.StartSpan(ctx, "cloning.SynthesizeSpeech", trace.WithAttributes(
		attribute.Int("text.length", utf8.RuneCountInString(req.Text)),
		attribute.Bool("reference", req.ReferenceAudio != ""),
	))
	defer span.End()
	log := observe.Logger(ctx)
	log.Info("synthesize speech requested", "text_len", len(req.Text), "has_ref", req.ReferenceAudio != "")

	res, err := s.synthesizeSpeech(ctx, req)
	if err != nil {
		return failure(ctx, span, err)
	}
	log.Info("synthesize speech succeeded", "output", res.OutputPath, "speaker", res.Speaker, "strategy", res.Strategy)
	return &Response{
		Success:       true,
		Message:       "Speech synthesis completed successfully",
		AudioFilePath: res.OutputPath,
		Speaker:       res.Speaker,
	}
}

func (s *Service) synthesizeSpeech(ctx context.Context, req SpeechRequest) (synth.Result, error) {
	if err := s.validateText(req.Text); err != nil {
		return synth.Result{}, err
	}
	out := s.outputPath("tts")

	sreq := synth.Request{
		Text:       req.Text,
		Language:   req.Language,
		OutputPath: out,
		Speaker:    req.Speaker,
		Speed:      req.Speed,
	}

	var ref string
	if req.ReferenceAudio != "" {
		abs, err := filepath.Abs(req.ReferenceAudio)
		if err != nil {
			return synth.Result{}, apperr.Wrap(apperr.ValidationError, err, "Invalid speaker reference path")
		}
		if _, err := os.Stat(abs); err != nil {
			return synth.Result{}, apperr.Wrap(apperr.ValidationError, err, "Provided speaker reference not found: %s", abs).
				WithCode(apperr.CodeFileNotFound)
		}
		ref = abs
	}

	b, err := s.models.Get(ctx)
	if err != nil {
		return synth.Result{}, err
	}

	if ref != "" && sreq.Speaker == "" {
		if id := s.tryRegister(ctx, b, ref); id != "" {
			sreq.Speaker = id
		} else {
			sreq.ReferenceAudio = ref
		}
	}
	return s.synth.Synthesize(ctx, b, sreq)
}

// CloneVoice renders req.Text in the voice of the uploaded reference. The
// reference must pass the upload quality gate and resolve to a speaker
// identity; cloning is not attempted otherwise.
func (s *Service) CloneVoice(ctx context.Context, req CloneRequest) *Response {
	ctx, span := observe.StartSpan(ctx, "cloning.CloneVoice", trace.WithAttributes(
		attribute.String("reference.id", req.ReferenceAudioID),
	))
	defer span.End()
	log := observe.Logger(ctx)
	log.Info("clone voice requested", "reference_id", req.ReferenceAudioID)

	res, err := s.cloneVoice(ctx, req)
	if err != nil {
		return failure(ctx, span, err)
	}
	id := uuid.NewString()
	log.Info("clone voice succeeded", "output", res.OutputPath, "cloned_id", id, "speaker", res.Speaker)
	return &Response{
		Success:       true,
		Message:       "Voice cloning completed successfully",
		AudioFilePath: res.OutputPath,
		Speaker:       res.Speaker,
		ClonedVoiceID: id,
	}
}

func (s *Service) cloneVoice(ctx context.Context, req CloneRequest) (synth.Result, error) {
	if err := s.validateText(req.Text); err != nil {
		return synth.Result{}, err
	}
	if req.ReferenceAudioID == "" {
		return synth.Result{}, apperr.New(apperr.ValidationError, "reference_audio_id is required").
			WithCode(apperr.CodeMissingParameter)
	}
	if s.files == nil {
		return synth.Result{}, apperr.New(apperr.NotFound, "Reference audio not found: %s", req.ReferenceAudioID)
	}
	ref, err := s.files.Path(req.ReferenceAudioID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) || apperr.Is(err, apperr.ValidationError) {
			return synth.Result{}, err
		}
		return synth.Result{}, apperr.Wrap(apperr.NotFound, err, "Reference audio not found: %s", req.ReferenceAudioID)
	}
	if abs, err := filepath.Abs(ref); err == nil {
		ref = abs
	}

	if err := quality.ValidateUpload(ref, s.cfg.Limits); err != nil {
		return synth.Result{}, qualityFailure(err)
	}

	b, err := s.models.Get(ctx)
	if err != nil {
		return synth.Result{}, err
	}
	return s.synth.Clone(ctx, b, synth.Request{
		Text:           req.Text,
		Language:       req.Language,
		OutputPath:     s.outputPath("cloned"),
		ReferenceAudio: ref,
		Speed:          req.Speed,
	})
}

// SynthesizeWithProfile renders text in the voice of a ready profile. Empty
// language and zero speed fall back to the profile's defaults.
func (s *Service) SynthesizeWithProfile(ctx context.Context, u *recording.Usage, text, language string, speed float64) *Response {
	if language == "" {
		language = u.Language
	}
	if speed == 0 {
		speed = u.Speed
	}
	resp := s.SynthesizeSpeech(ctx, SpeechRequest{
		Text:           text,
		Language:       language,
		ReferenceAudio: u.VoiceEmbeddingPath,
		Speed:          speed,
	})
	resp.ProfileID = u.ProfileID
	if resp.Success {
		resp.Message = fmt.Sprintf("Speech synthesized with voice profile %q", u.ProfileName)
	}
	return resp
}

func (s *Service) validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return apperr.New(apperr.ValidationError, "Text for synthesis is empty").WithCode(apperr.CodeMissingParameter)
	}
	if n := utf8.RuneCountInString(text); s.cfg.MaxTextLength > 0 && n > s.cfg.MaxTextLength {
		return apperr.New(apperr.ValidationError, "Text too long: %d characters (maximum %d)", n, s.cfg.MaxTextLength).
			WithCode(apperr.CodeTextTooLong).
			WithDetail("max_length", s.cfg.MaxTextLength)
	}
	return nil
}

func (s *Service) outputPath(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return filepath.Join(s.cfg.OutputDir, prefix+"_"+id+".wav")
}

// tryRegister resolves ref to a speaker identity. Failure is not fatal.
func (s *Service) tryRegister(ctx context.Context, b backend.Backend, ref string) string {
	if s.speakers == nil {
		return ""
	}
	id, err := s.speakers.Resolve(ctx, b, ref)
	if err != nil {
		observe.Logger(ctx).Warn("speaker registration attempt failed, passing reference through", "reference", ref, "err", err)
		return ""
	}
	return id
}

// qualityFailure reports an unsuitable cloning reference. Decoding failures
// keep their own classification.
func qualityFailure(err error) error {
	if apperr.Is(err, apperr.AudioQualityPoor) {
		e, _ := apperr.As(err)
		return apperr.Wrap(apperr.AudioQualityPoor, err, "Reference audio is not suitable for voice cloning").
			WithCode(e.Code).
			WithUserMessage("Reference audio is not suitable for voice cloning: " + e.PublicMessage())
	}
	return err
}

func failure(ctx context.Context, span trace.Span, err error) *Response {
	observe.SpanError(span, err)
	e, ok := apperr.As(err)
	if !ok {
		e = apperr.Wrap(apperr.SystemError, err, "cloning: unexpected failure")
	}
	msg := e.PublicMessage()
	log := observe.Logger(ctx)
	switch e.Kind {
	case apperr.ValidationError, apperr.InvalidStep, apperr.NotFound, apperr.AudioQualityPoor:
		log.Warn("request rejected", "kind", e.Kind, "code", e.Code, "err", err)
	case apperr.ModelLoadError:
		msg = "Model not available: " + msg
		log.Error("model not available", "err", err)
	default:
		log.Error("request failed", "kind", e.Kind, "code", e.Code, "err", err)
	}
	return &Response{
		Success:   false,
		Message:   msg,
		ErrorCode: e.Code,
		ErrorKind: e.Kind,
		Details:   e.Details,
		Err:       err,
	}
}
