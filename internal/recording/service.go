// Package recording drives the voice-profile recording workflow: session
// creation, strictly ordered step submission gated by audio quality, and the
// one-time finalisation that produces the combined reference audio.
//
// All mutations of a profile go through [Service], which serialises them per
// profile id. The underlying [profile.Store] provides no locking of its own.
package recording

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxclone/internal/apperr"
	"github.com/MrWong99/voxclone/internal/observe"
	"github.com/MrWong99/voxclone/internal/profile"
	"github.com/MrWong99/voxclone/internal/quality"
	"github.com/MrWong99/voxclone/pkg/audio"
)

// Config holds the tunables of a [Service].
type Config struct {
	// MinSteps and MaxSteps bound the number of recording steps per session.
	MinSteps int
	MaxSteps int

	// DefaultSteps is used when a session is started with zero steps.
	DefaultSteps int

	// SampleRate is the rate step artifacts and the combined reference are
	// stored at.
	SampleRate int

	// Gap is the silence inserted after every step in the combined reference.
	Gap time.Duration

	// AllowCurrentStepResubmit permits re-recording the most recently
	// completed step while the session is still recording.
	AllowCurrentStepResubmit bool

	// UploadLimits is the validation a take must pass before it is scored.
	UploadLimits quality.UploadLimits
}

func (c *Config) applyDefaults() {
	if c.MinSteps <= 0 {
		c.MinSteps = 5
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = 20
	}
	if c.DefaultSteps <= 0 {
		c.DefaultSteps = 10
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 22050
	}
	if c.Gap <= 0 {
		c.Gap = 200 * time.Millisecond
	}
}

// Service is the recording session state machine.
type Service struct {
	store   profile.Store
	cfg     Config
	locks   *keyedMutex
	metrics *observe.Metrics
	now     func() time.Time
}

// Option configures a [Service].
type Option func(*Service)

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New returns a Service persisting through store.
func New(store profile.Store, cfg Config, opts ...Option) *Service {
	cfg.applyDefaults()
	s := &Service{
		store: store,
		cfg:   cfg,
		locks: newKeyedMutex(),
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// StartRequest describes a new recording session.
type StartRequest struct {
	ProfileName string
	Description string
	TotalSteps  int
}

// Progress is the state of a session after an operation.
type Progress struct {
	ProfileID          string         `json:"profile_id"`
	Status             profile.Status `json:"status"`
	CurrentStep        int            `json:"current_step"`
	TotalSteps         int            `json:"total_steps"`
	NextPrompt         *string        `json:"next_prompt"`
	ProgressPercentage float64        `json:"progress_percentage"`
	Message            string         `json:"message"`

	// StepQuality is the evaluation of the submission, if any.
	StepQuality *quality.Result `json:"step_quality,omitempty"`
}

func progressOf(p *profile.Profile, msg string) *Progress {
	return &Progress{
		ProfileID:          p.ProfileID,
		Status:             p.Status,
		CurrentStep:        p.CurrentStep(),
		TotalSteps:         p.TotalSteps,
		NextPrompt:         p.NextPrompt(),
		ProgressPercentage: p.ProgressPercentage(),
		Message:            msg,
	}
}

// Start creates a profile in the recording state with TotalSteps prompts.
func (s *Service) Start(ctx context.Context, ownerID string, req StartRequest) (*Progress, error) {
	name := strings.TrimSpace(req.ProfileName)
	if name == "" {
		return nil, apperr.New(apperr.ValidationError, "profile name must not be empty").
			WithCode(apperr.CodeMissingParameter)
	}
	steps := req.TotalSteps
	if steps == 0 {
		steps = s.cfg.DefaultSteps
	}
	if steps < s.cfg.MinSteps || steps > s.cfg.MaxSteps {
		return nil, apperr.New(apperr.ValidationError, "total_steps must be between %d and %d, got %d",
			s.cfg.MinSteps, s.cfg.MaxSteps, steps)
	}

	now := s.now()
	p := &profile.Profile{
		ProfileID:      uuid.NewString(),
		OwnerID:        ownerID,
		ProfileName:    name,
		Description:    strings.TrimSpace(req.Description),
		Status:         profile.StatusRecording,
		TotalSteps:     steps,
		RecordingSteps: profile.NewSteps(steps),
		SampleRate:     s.cfg.SampleRate,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Save(ctx, p); err != nil {
		return nil, apperr.System(err, "recording: start session")
	}

	s.metrics.RecordSession(ctx, "started")
	observe.Logger(ctx).Info("recording session started",
		"profile_id", p.ProfileID, "owner_id", ownerID, "total_steps", steps)

	first := p.RecordingSteps[0].TextPrompt
	return progressOf(p, fmt.Sprintf("Recording session started! Please record: '%s'", first)), nil
}

// load returns the profile if it exists and belongs to ownerID.
func (s *Service) load(ctx context.Context, id, ownerID string) (*profile.Profile, error) {
	p, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, apperr.System(err, "recording: load profile")
	}
	if p.OwnerID != ownerID {
		return nil, apperr.New(apperr.AccessDenied, "profile %q is not owned by %q", id, ownerID).
			WithUserMessage("Access to this voice profile is denied")
	}
	return p, nil
}

// Get returns the profile id owned by ownerID.
func (s *Service) Get(ctx context.Context, id, ownerID string) (*profile.Profile, error) {
	return s.load(ctx, id, ownerID)
}

// GetProgress returns the session view of profile id.
func (s *Service) GetProgress(ctx context.Context, id, ownerID string) (*Progress, error) {
	p, err := s.load(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	return progressOf(p, statusMessage(p)), nil
}

func statusMessage(p *profile.Profile) string {
	switch p.Status {
	case profile.StatusRecording:
		return fmt.Sprintf("Recording in progress: step %d of %d", p.CurrentStep(), p.TotalSteps)
	case profile.StatusReady:
		return fmt.Sprintf("Voice profile ready (quality: %s)", p.Quality)
	case profile.StatusFailed:
		return "Voice profile processing failed"
	default:
		return "Voice profile is being processed"
	}
}

// List returns every profile owned by ownerID, newest first.
func (s *Service) List(ctx context.Context, ownerID string) ([]*profile.Profile, error) {
	ps, err := s.store.List(ctx, ownerID)
	if err != nil {
		return nil, apperr.System(err, "recording: list profiles")
	}
	return ps, nil
}

// SubmitStep accepts the audio at audioPath as recording stepNumber of
// profile id. Submissions for one profile are serialised, so concurrent
// submissions of the same step cannot both succeed. The audio at audioPath is
// copied; the caller keeps ownership of the file.
func (s *Service) SubmitStep(ctx context.Context, id, ownerID string, stepNumber int, audioPath string) (prog *Progress, err error) {
	ctx, span := observe.StartSpan(ctx, "recording.SubmitStep", trace.WithAttributes(
		attribute.String("profile_id", id),
		attribute.Int("step", stepNumber),
	))
	defer func() {
		observe.SpanError(span, err)
		span.End()
	}()

	unlock := s.locks.Lock(id)
	defer unlock()

	p, err := s.load(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}

	overwrite, err := s.checkStep(p, stepNumber)
	if err != nil {
		s.metrics.RecordRecordingStep(ctx, "invalid_step")
		return nil, err
	}
	step := p.Step(stepNumber)

	clip, res, err := s.analyse(audioPath, step.TextPrompt, p.SampleRate)
	if err != nil {
		s.metrics.RecordRecordingStep(ctx, "rejected")
		return nil, err
	}
	if !res.Suitable {
		s.metrics.RecordRecordingStep(ctx, "rejected")
		return nil, apperr.New(apperr.AudioQualityPoor, "step %d rejected with score %.1f", stepNumber, res.QualityScore).
			WithUserMessage("Recording quality is too low. Please record again in a quieter environment.").
			WithDetail("quality_score", res.QualityScore).
			WithDetail("issues", res.Issues)
	}

	dst := s.store.StepPath(p.ProfileID, stepNumber)
	if err := audio.WriteWAVFile(dst, clip); err != nil {
		s.metrics.RecordRecordingStep(ctx, "error")
		return nil, apperr.Wrap(apperr.SystemError, err, "recording: store step %d", stepNumber).
			WithCode(apperr.CodeAudioProcessing).
			WithUserMessage("Failed to process your recording. Please try again.")
	}

	step.Completed = true
	step.Duration = res.Duration
	step.QualityScore = res.QualityScore
	step.RecordingURL = dst
	if !overwrite {
		p.CompletedSteps++
	}
	p.Touch(s.now())

	var msg string
	if p.CompletedSteps == p.TotalSteps {
		p.Status = profile.StatusProcessing
		s.finalize(ctx, p)
		if p.Status == profile.StatusReady {
			msg = fmt.Sprintf("Voice recording complete! Profile quality: %s", p.Quality)
		} else {
			msg = "Voice recording complete, but processing the voice profile failed"
		}
	} else {
		msg = fmt.Sprintf("Step %d recorded! Next: '%s'", stepNumber, *p.NextPrompt())
	}

	if err := s.store.Save(ctx, p); err != nil {
		return nil, apperr.System(err, "recording: save profile")
	}

	s.metrics.RecordRecordingStep(ctx, "accepted")
	observe.Logger(ctx).Info("recording step completed",
		"profile_id", p.ProfileID, "step", stepNumber, "quality_score", res.QualityScore,
		"overwrite", overwrite, "status", p.Status)

	prog = progressOf(p, msg)
	prog.StepQuality = &res
	return prog, nil
}

// checkStep enforces strict in-order submission. It reports whether the
// submission overwrites an already completed step.
func (s *Service) checkStep(p *profile.Profile, n int) (overwrite bool, err error) {
	if p.Status != profile.StatusRecording {
		return false, apperr.New(apperr.InvalidStep, "profile %q is %s and accepts no recordings", p.ProfileID, p.Status).
			WithUserMessage("This voice profile is no longer accepting recordings")
	}
	expected := p.CurrentStep()
	switch {
	case n == expected:
		return false, nil
	case s.cfg.AllowCurrentStepResubmit && n == p.CompletedSteps && n >= 1:
		return true, nil
	}
	return false, apperr.New(apperr.InvalidStep, "expected step %d, got %d", expected, n).
		WithUserMessage(fmt.Sprintf("Please record step %d next", expected)).
		WithDetail("expected_step", expected).
		WithDetail("step_number", n)
}

// analyse decodes the submission, validates it against the upload limits and
// runs the quality gate on it. Decoding failures produce the gate's degraded
// result; a failed validation is returned as is.
func (s *Service) analyse(path, prompt string, rate int) (audio.Clip, quality.Result, error) {
	clip, err := audio.LoadFile(path, rate)
	if err != nil {
		slog.Warn("recording: decode submission", "path", path, "err", err)
		return audio.Clip{}, quality.Evaluate(nil, rate, prompt), nil
	}
	if err := quality.ValidateClip(clip, s.cfg.UploadLimits); err != nil {
		return audio.Clip{}, quality.Result{}, err
	}
	return clip, quality.Evaluate(clip.Samples, clip.SampleRate, prompt), nil
}

// finalize builds the combined reference audio and moves p to ready. Any
// failure moves p to failed instead; p never stays in processing.
func (s *Service) finalize(ctx context.Context, p *profile.Profile) {
	ctx, span := observe.StartSpan(ctx, "recording.finalize",
		trace.WithAttributes(attribute.String("profile_id", p.ProfileID)))
	defer span.End()

	err := s.buildReference(ctx, p)
	if err != nil {
		observe.SpanError(span, err)
		observe.Logger(ctx).Error("voice profile finalisation failed", "profile_id", p.ProfileID, "err", err)
		p.Status = profile.StatusFailed
		p.FailureReason = "failed to build the voice reference audio"
		s.metrics.RecordSession(ctx, "failed")
		return
	}
	p.Status = profile.StatusReady
	p.FailureReason = ""
	s.metrics.RecordSession(ctx, "ready")
	observe.Logger(ctx).Info("voice profile finalised",
		"profile_id", p.ProfileID, "quality", p.Quality, "score", p.OverallQualityScore)
}

func (s *Service) buildReference(ctx context.Context, p *profile.Profile) error {
	for _, st := range p.RecordingSteps {
		if !st.Completed || st.RecordingURL == "" {
			return fmt.Errorf("recording: step %d has no recording", st.StepNumber)
		}
	}

	clips := make([]audio.Clip, len(p.RecordingSteps))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, st := range p.RecordingSteps {
		g.Go(func() error {
			c, err := audio.LoadFile(st.RecordingURL, p.SampleRate)
			if err != nil {
				return fmt.Errorf("recording: load step %d: %w", st.StepNumber, err)
			}
			clips[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var sum, dur float64
	for _, st := range p.RecordingSteps {
		sum += st.QualityScore
		dur += st.Duration
	}
	p.OverallQualityScore = sum / float64(len(p.RecordingSteps))
	p.Quality = profile.QualityFor(p.OverallQualityScore)
	p.TotalDuration = dur

	combined := audio.Concat(clips, s.cfg.Gap, p.SampleRate)
	path := s.store.EmbeddingPath(p.ProfileID)
	if err := audio.WriteWAVFile(path, combined); err != nil {
		return fmt.Errorf("recording: write reference: %w", err)
	}
	p.VoiceEmbeddingPath = path
	return nil
}

// Usage is the read-only descriptor handed to synthesis for a ready profile.
type Usage struct {
	ProfileID          string          `json:"profile_id"`
	ProfileName        string          `json:"profile_name"`
	VoiceEmbeddingPath string          `json:"voice_embedding_path"`
	Quality            profile.Quality `json:"quality"`
	SampleRate         int             `json:"sample_rate"`
	Language           string          `json:"language"`
	Speed              float64         `json:"speed"`
	TimesUsed          int             `json:"times_used"`
}

// Use records one use of a ready profile and returns its descriptor. It fails
// with NotReady unless the profile is ready and its reference audio exists.
func (s *Service) Use(ctx context.Context, id, ownerID string) (*Usage, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	p, err := s.load(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if p.Status != profile.StatusReady {
		return nil, apperr.New(apperr.NotReady, "profile %q is %s", id, p.Status).
			WithUserMessage(fmt.Sprintf("Voice profile is not ready (status: %s)", p.Status))
	}
	if p.VoiceEmbeddingPath == "" {
		return nil, apperr.New(apperr.NotReady, "profile %q has no reference audio", id).
			WithUserMessage("Voice profile data is missing. Please re-record your voice.")
	}
	if _, err := os.Stat(p.VoiceEmbeddingPath); err != nil {
		return nil, apperr.Wrap(apperr.NotReady, err, "profile %q reference audio missing", id).
			WithUserMessage("Voice profile data is missing. Please re-record your voice.")
	}

	now := s.now()
	p.TimesUsed++
	p.LastUsed = &now
	p.Touch(now)
	if err := s.store.Save(ctx, p); err != nil {
		return nil, apperr.System(err, "recording: save usage")
	}

	return &Usage{
		ProfileID:          p.ProfileID,
		ProfileName:        p.ProfileName,
		VoiceEmbeddingPath: p.VoiceEmbeddingPath,
		Quality:            p.Quality,
		SampleRate:         p.SampleRate,
		Language:           "en",
		Speed:              1.0,
		TimesUsed:          p.TimesUsed,
	}, nil
}

// Delete removes profile id and all its artifacts. It is allowed in every
// state. Deleting an already deleted profile returns NotFound.
func (s *Service) Delete(ctx context.Context, id, ownerID string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	if _, err := s.load(ctx, id, ownerID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return apperr.System(err, "recording: delete profile")
	}
	s.metrics.RecordSession(ctx, "deleted")
	observe.Logger(ctx).Info("voice profile deleted", "profile_id", id, "owner_id", ownerID)
	return nil
}
