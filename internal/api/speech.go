package api

import (
	"fmt"
	"mime"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/voxclone/internal/apperr"
	"github.com/MrWong99/voxclone/internal/cloning"
	"github.com/MrWong99/voxclone/internal/files"
	"github.com/MrWong99/voxclone/internal/model"
	"github.com/MrWong99/voxclone/internal/observe"
	"github.com/MrWong99/voxclone/internal/quality"
	"github.com/MrWong99/voxclone/internal/resilience"
)

// Speed bounds accepted by the synthesis endpoints.
const (
	MinSpeed = 0.5
	MaxSpeed = 2.0
)

const (
	defaultLanguage = "en"

	// multipartOverhead is allowed on top of the file size for form fields
	// and part headers.
	multipartOverhead = 1 << 20

	// multipartMemory is buffered in memory before parts spill to disk.
	multipartMemory = 8 << 20

	defaultCleanupHours = 24
)

// speechParams are the normalised synthesis parameters of a request.
type speechParams struct {
	Text     string
	Language string
	Speed    float64
}

// validateSpeech checks text, language and speed. An empty language selects
// English and a nil speed selects 1.0.
func (s *Server) validateSpeech(text, language string, speed *float64) (speechParams, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return speechParams{}, apperr.New(apperr.ValidationError, "Text cannot be empty").
			WithCode(apperr.CodeMissingParameter)
	}
	if n := utf8.RuneCountInString(text); s.cfg.MaxTextLength > 0 && n > s.cfg.MaxTextLength {
		return speechParams{}, apperr.New(apperr.ValidationError, "Text too long: %d characters (maximum %d)", n, s.cfg.MaxTextLength).
			WithCode(apperr.CodeTextTooLong).
			WithDetail("max_length", s.cfg.MaxTextLength)
	}

	language = strings.ToLower(strings.TrimSpace(language))
	if language == "" {
		language = defaultLanguage
	}
	if len(s.cfg.Languages) > 0 && !slices.Contains(s.cfg.Languages, language) {
		return speechParams{}, apperr.New(apperr.ValidationError, "Unsupported language %q", language).
			WithCode(apperr.CodeInvalidLanguage).
			WithDetail("supported_languages", s.cfg.Languages)
	}

	sp := 1.0
	if speed != nil {
		sp = *speed
	}
	if sp < MinSpeed || sp > MaxSpeed {
		return speechParams{}, apperr.New(apperr.ValidationError, "Speed %.2f is out of range [%.1f, %.1f]", sp, MinSpeed, MaxSpeed).
			WithCode(apperr.CodeInvalidInput).
			WithDetail("min_speed", MinSpeed).
			WithDetail("max_speed", MaxSpeed)
	}
	return speechParams{Text: text, Language: language, Speed: sp}, nil
}

type healthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	ModelLoaded   bool              `json:"model_loaded"`
	Model         model.Status      `json:"model"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Breakers      map[string]string `json:"circuit_breakers,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := model.Status{State: model.StateNotLoaded}
	if s.deps.Model != nil {
		st = s.deps.Model.Status()
	}
	resp := healthResponse{
		Version:       s.cfg.Version,
		ModelLoaded:   st.State == model.StateLoaded,
		Model:         st,
		UptimeSeconds: s.now().Sub(s.started).Seconds(),
	}
	if s.deps.Breakers != nil {
		resp.Breakers = s.deps.Breakers.BreakerStates()
	}
	switch {
	case st.State == model.StateFailed:
		resp.Status = "unhealthy"
	case st.State != model.StateLoaded:
		resp.Status = "starting"
	case anyOpen(resp.Breakers):
		resp.Status = "degraded"
	default:
		resp.Status = "healthy"
	}
	writeJSON(w, http.StatusOK, resp)
}

func anyOpen(breakers map[string]string) bool {
	for _, st := range breakers {
		if st == resilience.StateOpen.String() {
			return true
		}
	}
	return false
}

type uploadResponse struct {
	Success  bool   `json:"success"`
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	Message  string `json:"message"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, r, multipartError(err, s.cfg.MaxUploadBytes))
		return
	}
	defer r.MultipartForm.RemoveAll()

	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.ValidationError, err, "api: missing form file").
			WithCode(apperr.CodeMissingParameter).
			WithUserMessage("An audio file must be sent in the form field \"file\""))
		return
	}
	defer f.Close()

	id, err := s.deps.Files.SaveUpload(hdr.Filename, f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	path, err := s.deps.Files.Path(id)
	if err == nil {
		err = quality.ValidateUpload(path, s.cfg.UploadLimits)
	}
	if err != nil {
		if derr := s.deps.Files.Delete(id); derr != nil {
			observe.Logger(r.Context()).Warn("failed to remove rejected upload", "file_id", id, "err", derr)
		}
		writeError(w, r, err)
		return
	}

	observe.Logger(r.Context()).Info("audio uploaded", "file_id", id, "filename", hdr.Filename, "size", hdr.Size)
	writeJSON(w, http.StatusOK, uploadResponse{
		Success:  true,
		FileID:   id,
		Filename: hdr.Filename,
		Message:  "Audio file uploaded successfully",
	})
}

// multipartError classifies a failed multipart parse.
func multipartError(err error, limit int64) error {
	if uploadTooLarge(err) {
		return apperr.Wrap(apperr.ValidationError, err, "api: upload exceeds limit").
			WithCode(apperr.CodeFileTooLarge).
			WithUserMessage(fmt.Sprintf("File too large (maximum %d bytes)", limit)).
			WithDetail("max_bytes", limit)
	}
	return apperr.Wrap(apperr.ValidationError, err, "api: parse multipart form").
		WithUserMessage("Request must be a multipart form upload")
}

type synthesizeRequest struct {
	Text string `json:"text"`

	Language string   `json:"language"`
	Speed    *float64 `json:"speed"`

	// Speaker names a speaker already known to the backend.
	Speaker string `json:"speaker"`

	// ReferenceAudioID selects an uploaded file as the voice reference.
	ReferenceAudioID string `json:"reference_audio_id"`
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var req synthesizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.validateSpeech(req.Text, req.Language, req.Speed)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sr := cloning.SpeechRequest{
		Text:     p.Text,
		Language: p.Language,
		Speaker:  strings.TrimSpace(req.Speaker),
		Speed:    p.Speed,
	}
	if req.ReferenceAudioID != "" {
		path, err := s.deps.Files.Path(req.ReferenceAudioID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		sr.ReferenceAudio = path
	}

	resp := s.deps.Cloner.SynthesizeSpeech(r.Context(), sr)
	writeResponse(w, http.StatusOK, resp.Success, resp.ErrorKind, resp)
}

type cloneRequest struct {
	Text             string   `json:"text"`
	Language         string   `json:"language"`
	Speed            *float64 `json:"speed"`
	ReferenceAudioID string   `json:"reference_audio_id"`
}

func (s *Server) handleClone(w http.ResponseWriter, r *http.Request) {
	var req cloneRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.validateSpeech(req.Text, req.Language, req.Speed)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.ReferenceAudioID) == "" {
		writeError(w, r, apperr.New(apperr.ValidationError, "reference_audio_id is required").
			WithCode(apperr.CodeMissingParameter))
		return
	}

	resp := s.deps.Cloner.CloneVoice(r.Context(), cloning.CloneRequest{
		Text:             p.Text,
		Language:         p.Language,
		ReferenceAudioID: req.ReferenceAudioID,
		Speed:            p.Speed,
	})
	writeResponse(w, http.StatusOK, resp.Success, resp.ErrorKind, resp)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	f, err := s.deps.Files.OpenOutput(name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, r, apperr.System(err, "api: stat output"))
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

type cleanupResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	files.CleanupStats
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	hours := defaultCleanupHours
	if v := r.URL.Query().Get("max_age_hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, apperr.New(apperr.ValidationError, "max_age_hours must be a non-negative integer, got %q", v).
				WithCode(apperr.CodeInvalidInput))
			return
		}
		hours = n
	}

	stats, err := s.deps.Files.CleanupOld(time.Duration(hours) * time.Hour)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cleanupResponse{
		Success:      true,
		Message:      fmt.Sprintf("Deleted %d old files", stats.Files),
		CleanupStats: stats,
	})
}
