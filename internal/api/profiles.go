package api

import (
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/voxclone/internal/apperr"
	"github.com/MrWong99/voxclone/internal/cloning"
	"github.com/MrWong99/voxclone/internal/observe"
	"github.com/MrWong99/voxclone/internal/profile"
	"github.com/MrWong99/voxclone/internal/recording"
)

// sessionResponse reports session progress.
type sessionResponse struct {
	Success bool `json:"success"`
	*recording.Progress
}

type startRequest struct {
	ProfileName string `json:"profile_name"`
	Description string `json:"description"`
	TotalSteps  int    `json:"total_steps"`
}

func (s *Server) handleStartHelp(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": false,
		"message": "This endpoint expects a POST with a JSON body. Use POST /api/v1/voice-profiles/profiles/start-recording",
		"example_request": startRequest{
			ProfileName: "MyVoice",
			Description: "Optional description",
			TotalSteps:  10,
		},
		"note": "POST returns the recording session progress on success.",
	})
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	prog, err := s.deps.Recordings.Start(r.Context(), OwnerID(r), recording.StartRequest{
		ProfileName: req.ProfileName,
		Description: req.Description,
		TotalSteps:  req.TotalSteps,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Success: true, Progress: prog})
}

// handleSubmitRecording stages the uploaded take in the temp directory and
// removes it once the step has been processed.
func (s *Server) handleSubmitRecording(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, r, multipartError(err, s.cfg.MaxUploadBytes))
		return
	}
	defer r.MultipartForm.RemoveAll()

	id := strings.TrimSpace(r.FormValue("profile_id"))
	if id == "" {
		writeError(w, r, apperr.New(apperr.ValidationError, "profile_id is required").WithCode(apperr.CodeMissingParameter))
		return
	}
	step, err := strconv.Atoi(strings.TrimSpace(r.FormValue("step_number")))
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.ValidationError, err, "step_number must be an integer").
			WithCode(apperr.CodeMissingParameter))
		return
	}
	f, hdr, err := r.FormFile("audio_file")
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.ValidationError, err, "api: missing form file").
			WithCode(apperr.CodeMissingParameter).
			WithUserMessage("A recording must be sent in the form field \"audio_file\""))
		return
	}
	defer f.Close()

	path, cleanup, err := s.deps.Files.Stage(hdr.Filename, f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer cleanup()

	prog, err := s.deps.Recordings.SubmitStep(r.Context(), id, OwnerID(r), step, path)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Success: true, Progress: prog})
}

type profileListResponse struct {
	Success    bool               `json:"success"`
	Profiles   []*profile.Profile `json:"profiles"`
	TotalCount int                `json:"total_count"`
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Recordings.List(r.Context(), OwnerID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*profile.Profile{}
	}
	writeJSON(w, http.StatusOK, profileListResponse{Success: true, Profiles: list, TotalCount: len(list)})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	prog, err := s.deps.Recordings.GetProgress(r.Context(), chi.URLParam(r, "id"), OwnerID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Success: true, Progress: prog})
}

type useVoiceRequest struct {
	ProfileID string   `json:"profile_id"`
	Text      string   `json:"text"`
	Language  string   `json:"language"`
	Speed     *float64 `json:"speed"`
}

type voiceProfileRef struct {
	ProfileID   string          `json:"profile_id"`
	ProfileName string          `json:"profile_name"`
	Quality     profile.Quality `json:"quality"`
	TimesUsed   int             `json:"times_used"`
}

type useVoiceResponse struct {
	*cloning.Response
	VoiceProfile *voiceProfileRef `json:"voice_profile,omitempty"`
}

// handleUseVoice validates the request before touching the profile so a
// rejected request does not count as a use.
func (s *Server) handleUseVoice(w http.ResponseWriter, r *http.Request) {
	var req useVoiceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.ProfileID) == "" {
		writeError(w, r, apperr.New(apperr.ValidationError, "profile_id is required").WithCode(apperr.CodeMissingParameter))
		return
	}
	p, err := s.validateSpeech(req.Text, req.Language, req.Speed)
	if err != nil {
		writeError(w, r, err)
		return
	}

	u, err := s.deps.Recordings.Use(r.Context(), req.ProfileID, OwnerID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := s.deps.Cloner.SynthesizeWithProfile(r.Context(), u, p.Text, p.Language, p.Speed)
	out := useVoiceResponse{Response: resp}
	if resp.Success {
		out.VoiceProfile = &voiceProfileRef{
			ProfileID:   u.ProfileID,
			ProfileName: u.ProfileName,
			Quality:     u.Quality,
			TimesUsed:   u.TimesUsed,
		}
	}
	writeResponse(w, http.StatusOK, resp.Success, resp.ErrorKind, out)
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Recordings.Delete(r.Context(), id, OwnerID(r)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Voice profile deleted successfully",
	})
}

// handleSample streams the combined reference recording of a profile. Only
// files below the profiles directory are served.
func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.deps.Recordings.Get(r.Context(), id, OwnerID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	unavailable := apperr.New(apperr.NotFound, "voice sample of %s not available", id).
		WithUserMessage("Voice sample not available")
	if p.VoiceEmbeddingPath == "" || s.cfg.ProfilesDir == "" {
		writeError(w, r, unavailable)
		return
	}

	rel, err := filepath.Rel(s.cfg.ProfilesDir, p.VoiceEmbeddingPath)
	if err != nil || !filepath.IsLocal(rel) {
		observe.Logger(r.Context()).Warn("voice sample outside profiles directory", "profile_id", id, "path", p.VoiceEmbeddingPath)
		writeError(w, r, unavailable)
		return
	}
	f, err := os.OpenInRoot(s.cfg.ProfilesDir, rel)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			observe.Logger(r.Context()).Warn("open voice sample", "profile_id", id, "err", err)
		}
		writeError(w, r, unavailable)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, r, apperr.System(err, "api: stat voice sample"))
		return
	}

	name := "voice_sample_" + id + ".wav"
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, info.ModTime(), f)
}
