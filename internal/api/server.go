// Package api exposes the voxclone services over HTTP.
//
// All application routes live under /api/v1. Responses are JSON; failures
// use the envelope
//
//	{"success": false, "error_code": "...", "message": "...", "details": {...}}
//
// with the HTTP status derived from the error kind (see [StatusFor]).
package api

import (
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/MrWong99/voxclone/internal/cloning"
	"github.com/MrWong99/voxclone/internal/files"
	"github.com/MrWong99/voxclone/internal/health"
	"github.com/MrWong99/voxclone/internal/model"
	"github.com/MrWong99/voxclone/internal/observe"
	"github.com/MrWong99/voxclone/internal/profile"
	"github.com/MrWong99/voxclone/internal/quality"
	"github.com/MrWong99/voxclone/internal/ratelimit"
	"github.com/MrWong99/voxclone/internal/recording"
)

// Recordings is the guided recording workflow. [*recording.Service]
// implements it.
type Recordings interface {
	Start(ctx context.Context, ownerID string, req recording.StartRequest) (*recording.Progress, error)
	Get(ctx context.Context, id, ownerID string) (*profile.Profile, error)
	GetProgress(ctx context.Context, id, ownerID string) (*recording.Progress, error)
	List(ctx context.Context, ownerID string) ([]*profile.Profile, error)
	SubmitStep(ctx context.Context, id, ownerID string, stepNumber int, audioPath string) (*recording.Progress, error)
	Use(ctx context.Context, id, ownerID string) (*recording.Usage, error)
	Delete(ctx context.Context, id, ownerID string) error
}

// Cloner renders speech. [*cloning.Service] implements it.
type Cloner interface {
	SynthesizeSpeech(ctx context.Context, req cloning.SpeechRequest) *cloning.Response
	CloneVoice(ctx context.Context, req cloning.CloneRequest) *cloning.Response
	SynthesizeWithProfile(ctx context.Context, u *recording.Usage, text, language string, speed float64) *cloning.Response
}

// Files manages uploads, staged audio and generated output.
// [*files.Manager] implements it.
type Files interface {
	SaveUpload(name string, r io.Reader) (string, error)
	Path(fileID string) (string, error)
	Delete(fileID string) error
	Stage(name string, r io.Reader) (string, func(), error)
	OpenOutput(name string) (*os.File, error)
	CleanupOld(maxAge time.Duration) (files.CleanupStats, error)
}

// ModelStatus reports the synthesis backend's load state.
// [*model.Loader] implements it.
type ModelStatus interface {
	Status() model.Status
}

// BreakerReporter reports circuit breaker states by backend.
// [*synth.Invoker] implements it.
type BreakerReporter interface {
	BreakerStates() map[string]string
}

// Config holds the request limits enforced by the handlers.
type Config struct {
	// Version is reported by the health endpoint.
	Version string

	// MaxTextLength bounds request text in characters. Zero disables the
	// check.
	MaxTextLength int

	// Languages lists the accepted language codes. Empty accepts any.
	Languages []string

	// MaxUploadBytes bounds a single uploaded file.
	MaxUploadBytes int64

	// UploadLimits is applied to uploaded reference audio.
	UploadLimits quality.UploadLimits

	// ProfilesDir is the root voice samples may be served from.
	ProfilesDir string
}

// Deps are the collaborators of a [Server]. Breakers, Health, RateLimit and
// Metrics are optional.
type Deps struct {
	Recordings Recordings
	Cloner     Cloner
	Files      Files
	Model      ModelStatus
	Breakers   BreakerReporter
	Health     *health.Handler
	RateLimit  *ratelimit.Middleware
	Metrics    *observe.Metrics
}

// Server serves the voxclone HTTP API.
type Server struct {
	deps    Deps
	cfg     Config
	started time.Time
	now     func() time.Time
}

// New returns a Server.
func New(deps Deps, cfg Config) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 50 << 20
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	return &Server{deps: deps, cfg: cfg, started: time.Now(), now: time.Now}
}

// Handler returns the routed HTTP handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(observe.Middleware(s.deps.Metrics))
	if s.deps.RateLimit != nil {
		r.Use(s.deps.RateLimit.Wrap)
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, notFound("route %s not found", r.URL.Path))
	})
	r.MethodNotAllowed(methodNotAllowed)

	if s.deps.Health != nil {
		s.deps.Health.Register(r)
	}
	r.Method(http.MethodGet, "/metrics", observe.MetricsHandler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/upload-audio", s.handleUpload)
		r.Post("/synthesize", s.handleSynthesize)
		r.Post("/clone-voice", s.handleClone)
		r.Get("/download/{filename}", s.handleDownload)
		r.Delete("/cleanup", s.handleCleanup)

		r.Route("/voice-profiles/profiles", func(r chi.Router) {
			r.Get("/", s.handleListProfiles)
			r.Get("/start-recording", s.handleStartHelp)
			r.Post("/start-recording", s.handleStartRecording)
			r.Post("/submit-recording", s.handleSubmitRecording)
			r.Post("/use-voice", s.handleUseVoice)
			r.Get("/{id}", s.handleGetProfile)
			r.Delete("/{id}", s.handleDeleteProfile)
			r.Get("/{id}/sample", s.handleSample)
		})
	})
	return r
}
