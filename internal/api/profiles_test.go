package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/MrWong99/voxclone/internal/apperr"
	"github.com/MrWong99/voxclone/internal/profile"
)

type session struct {
	Success            bool           `json:"success"`
	ProfileID          string         `json:"profile_id"`
	Status             profile.Status `json:"status"`
	CurrentStep        int            `json:"current_step"`
	TotalSteps         int            `json:"total_steps"`
	NextPrompt         *string        `json:"next_prompt"`
	ProgressPercentage float64        `json:"progress_percentage"`
}

func (e *env) startSession(t *testing.T, steps int) session {
	t.Helper()
	rec := e.postJSON(t, "/api/v1/voice-profiles/profiles/start-recording", map[string]any{
		"profile_name": "My Voice",
		"total_steps":  steps,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	s := decode[session](t, rec)
	if !s.Success || s.ProfileID == "" || s.CurrentStep != 1 || s.NextPrompt == nil {
		t.Fatalf("start = %+v", s)
	}
	return s
}

func (e *env) submit(t *testing.T, id string, step int, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, multipartRequest(t, "/api/v1/voice-profiles/profiles/submit-recording", "audio_file", "take.wav", data, map[string]string{
		"profile_id":  id,
		"step_number": strconv.Itoa(step),
	}))
}

func TestStartRecording_Help(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/voice-profiles/profiles/start-recording", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["success"] != false || body["example_request"] == nil {
		t.Errorf("help = %v", body)
	}
}

func TestStartRecording_Invalid(t *testing.T) {
	e := newEnv(t)
	rec := e.postJSON(t, "/api/v1/voice-profiles/profiles/start-recording", map[string]any{
		"profile_name": "x",
		"total_steps":  99,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
}

func TestProfileLifecycle(t *testing.T) {
	e := newEnv(t)
	s := e.startSession(t, 2)
	take := toneWAV(t, 5, 0.3)

	// Out of order.
	wantFailure(t, e.submit(t, s.ProfileID, 2, take), http.StatusBadRequest, apperr.CodeInvalidStep)

	for n := 1; n <= 2; n++ {
		rec := e.submit(t, s.ProfileID, n, take)
		if rec.Code != http.StatusOK {
			t.Fatalf("submit %d: %d %s", n, rec.Code, rec.Body.String())
		}
		if got := decode[session](t, rec); got.CurrentStep != n+1 {
			t.Errorf("submit %d: current_step = %d", n, got.CurrentStep)
		}
	}

	rec := e.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/voice-profiles/profiles/"+s.ProfileID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[session](t, rec); got.Status != profile.StatusReady || got.ProgressPercentage != 100 {
		t.Errorf("get = %+v", got)
	}

	rec = e.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/voice-profiles/profiles", nil))
	list := decode[profileListResponse](t, rec)
	if list.TotalCount != 1 || list.Profiles[0].ProfileID != s.ProfileID {
		t.Errorf("list = %+v", list)
	}

	rec = e.postJSON(t, "/api/v1/voice-profiles/profiles/use-voice", map[string]any{
		"profile_id": s.ProfileID,
		"text":       "speak in my voice",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("use-voice: %d %s", rec.Code, rec.Body.String())
	}
	used := decode[struct {
		Success       bool             `json:"success"`
		AudioFilePath string           `json:"audio_file_path"`
		ProfileID     string           `json:"profile_id"`
		VoiceProfile  *voiceProfileRef `json:"voice_profile"`
	}](t, rec)
	if !used.Success || used.AudioFilePath == "" || used.ProfileID != s.ProfileID {
		t.Errorf("use-voice = %+v", used)
	}
	if used.VoiceProfile == nil || used.VoiceProfile.TimesUsed != 1 || used.VoiceProfile.ProfileName != "My Voice" {
		t.Errorf("voice_profile = %+v", used.VoiceProfile)
	}

	rec = e.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/voice-profiles/profiles/"+s.ProfileID+"/sample", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("sample: %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/wav" || !bytes.HasPrefix(rec.Body.Bytes(), []byte("RIFF")) {
		t.Errorf("sample Content-Type %q", ct)
	}

	del := func() *httptest.ResponseRecorder {
		return e.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/voice-profiles/profiles/"+s.ProfileID, nil))
	}
	if rec := del(); rec.Code != http.StatusOK {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body.String())
	}
	wantFailure(t, del(), http.StatusNotFound, apperr.CodeFileNotFound)
}

func TestProfile_OwnerScoped(t *testing.T) {
	e := newEnv(t)
	s := e.startSession(t, 2)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/voice-profiles/profiles/"+s.ProfileID, nil)
	req.Header.Set("X-User-ID", "mallory")
	wantFailure(t, e.do(t, req), http.StatusForbidden, apperr.CodeAccessDenied)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/voice-profiles/profiles", nil)
	req.Header.Set("X-User-ID", "mallory")
	if list := decode[profileListResponse](t, e.do(t, req)); list.TotalCount != 0 || list.Profiles == nil {
		t.Errorf("list = %+v", list)
	}
}

func TestUseVoice_NotReady(t *testing.T) {
	e := newEnv(t)
	s := e.startSession(t, 2)

	rec := e.postJSON(t, "/api/v1/voice-profiles/profiles/use-voice", map[string]any{
		"profile_id": s.ProfileID,
		"text":       "hello",
	})
	wantFailure(t, rec, http.StatusConflict, apperr.CodeProfileNotReady)

	rec = e.postJSON(t, "/api/v1/voice-profiles/profiles/use-voice", map[string]any{
		"profile_id": s.ProfileID,
		"text":       "",
	})
	wantFailure(t, rec, http.StatusBadRequest, apperr.CodeMissingParameter)

	// A missing sample is reported rather than served.
	rec = e.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/voice-profiles/profiles/"+s.ProfileID+"/sample", nil))
	wantFailure(t, rec, http.StatusNotFound, apperr.CodeFileNotFound)
}

func TestSubmitRecording_BadForm(t *testing.T) {
	e := newEnv(t)
	s := e.startSession(t, 2)

	tests := []struct {
		name   string
		fields map[string]string
		file   string
		code   apperr.Code
	}{
		{"missing profile", map[string]string{"step_number": "1"}, "take.wav", apperr.CodeMissingParameter},
		{"bad step", map[string]string{"profile_id": s.ProfileID, "step_number": "one"}, "take.wav", apperr.CodeMissingParameter},
		{"bad format", map[string]string{"profile_id": s.ProfileID, "step_number": "1"}, "take.ogg", apperr.CodeAudioFormat},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := e.do(t, multipartRequest(t, "/api/v1/voice-profiles/profiles/submit-recording", "audio_file", tc.file, []byte("RIFF"), tc.fields))
			wantFailure(t, rec, http.StatusBadRequest, tc.code)
		})
	}
}
