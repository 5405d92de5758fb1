package cloning

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxclone/internal/apperr"
	"github.com/MrWong99/voxclone/internal/observe"
	"github.com/MrWong99/voxclone/internal/quality"
	"github.com/MrWong99/voxclone/internal/recording"
	"github.com/MrWong99/voxclone/internal/speaker"
	"github.com/MrWong99/voxclone/internal/synth"
	"github.com/MrWong99/voxclone/pkg/backend"
	"github.com/MrWong99/voxclone/pkg/backend/mock"
)

type staticSource struct {
	b   backend.Backend
	err error
}

func (s staticSource) Get(context.Context) (backend.Backend, error) { return s.b, s.err }

type fileMap map[string]string

func (m fileMap) Path(id string) (string, error) {
	p, ok := m[id]
	if !ok {
		return "", apperr.New(apperr.NotFound, "file %s not found", id)
	}
	return p, nil
}

type env struct {
	svc    *Service
	b      *mock.Backend
	outDir string
}

func newEnv(t *testing.T, b *mock.Backend, files fileMap) *env {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	res, err := speaker.NewResolver(8, speaker.WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	inv := synth.New(res, synth.Config{}, synth.WithMetrics(m))
	out := filepath.Join(t.TempDir(), "output")
	svc := New(staticSource{b: b}, inv, res, files, Config{
		OutputDir:     out,
		MaxTextLength: 50,
		Limits:        quality.UploadLimits{MinDuration: 0.5, MaxDuration: 300},
	})
	return &env{svc: svc, b: b, outDir: out}
}

func writeTone(t *testing.T, d time.Duration) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "ref.wav")
	if err := mock.WriteTone(p, d); err != nil {
		t.Fatal(err)
	}
	return p
}

// registering returns a backend whose speaker manager registers any
// reference as id.
func registering(id string) *mock.Backend {
	reg := backend.NewRegistry()
	return &mock.Backend{
		MultiSpeaker: true,
		Registry:     reg,
		Manager: backend.CapabilitySet{
			"create_speaker_from_wav": func(context.Context, string) (any, error) {
				reg.Add(id)
				return id, nil
			},
		},
	}
}

func TestSynthesizeSpeech_Plain(t *testing.T) {
	e := newEnv(t, &mock.Backend{}, nil)
	resp := e.svc.SynthesizeSpeech(context.Background(), SpeechRequest{Text: "hello", Language: "en"})
	if !resp.Success {
		t.Fatalf("response = %+v", resp)
	}
	if filepath.Dir(resp.AudioFilePath) != e.outDir || !strings.HasPrefix(filepath.Base(resp.AudioFilePath), "tts_") {
		t.Errorf("output path = %s", resp.AudioFilePath)
	}
	if _, err := os.Stat(resp.AudioFilePath); err != nil {
		t.Errorf("output missing: %v", err)
	}
}

func TestSynthesizeSpeech_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  SpeechRequest
		code apperr.Code
	}{
		{"empty text", SpeechRequest{Text: "   "}, apperr.CodeMissingParameter},
		{"text too long", SpeechRequest{Text: strings.Repeat("a", 51)}, apperr.CodeTextTooLong},
		{"missing reference", SpeechRequest{Text: "hi", ReferenceAudio: "/does/not/exist.wav"}, apperr.CodeFileNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, &mock.Backend{}, nil)
			resp := e.svc.SynthesizeSpeech(context.Background(), tc.req)
			if resp.Success {
				t.Fatal("expected failure")
			}
			if resp.ErrorKind != apperr.ValidationError || resp.ErrorCode != tc.code {
				t.Errorf("got (%s, %s), want (ValidationError, %s)", resp.ErrorKind, resp.ErrorCode, tc.code)
			}
			if n := len(e.b.CallsSnapshot()); n != 0 {
				t.Errorf("backend called %d times", n)
			}
		})
	}
}

func TestSynthesizeSpeech_ReferenceResolvedToSpeaker(t *testing.T) {
	e := newEnv(t, registering("ref-spk"), nil)
	resp := e.svc.SynthesizeSpeech(context.Background(), SpeechRequest{Text: "hi", ReferenceAudio: writeTone(t, 4*time.Second)})
	if !resp.Success {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Speaker != "ref-spk" {
		t.Errorf("speaker = %q", resp.Speaker)
	}
	for i, c := range e.b.CallsSnapshot() {
		if _, ok := c.Keywords[backend.KeySpeakerWAV]; ok {
			t.Errorf("call %d passed the raw reference path", i)
		}
	}
}

func TestSynthesizeSpeech_UnregistrableReferencePassedThrough(t *testing.T) {
	e := newEnv(t, &mock.Backend{}, nil)
	ref := writeTone(t, 4*time.Second)
	resp := e.svc.SynthesizeSpeech(context.Background(), SpeechRequest{Text: "hi", ReferenceAudio: ref})
	if !resp.Success {
		t.Fatalf("response = %+v", resp)
	}
	calls := e.b.CallsSnapshot()
	if len(calls) == 0 || calls[0].Keywords[backend.KeySpeakerWAV] != ref {
		t.Errorf("calls = %+v, want speaker_wav=%s", calls, ref)
	}
}

func TestSynthesizeSpeech_ModelUnavailable(t *testing.T) {
	e := newEnv(t, &mock.Backend{}, nil)
	e.svc.models = staticSource{err: apperr.New(apperr.ModelLoadError, "checkpoint trust is disabled")}
	resp := e.svc.SynthesizeSpeech(context.Background(), SpeechRequest{Text: "hi"})
	if resp.Success || resp.ErrorKind != apperr.ModelLoadError || resp.ErrorCode != apperr.CodeModelLoad {
		t.Fatalf("response = %+v", resp)
	}
	if !strings.HasPrefix(resp.Message, "Model not available: ") {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestSynthesizeSpeech_SystemErrorsAreGeneric(t *testing.T) {
	e := newEnv(t, &mock.Backend{}, nil)
	e.svc.models = staticSource{err: context.DeadlineExceeded}
	resp := e.svc.SynthesizeSpeech(context.Background(), SpeechRequest{Text: "hi"})
	if resp.ErrorKind != apperr.SystemError {
		t.Fatalf("kind = %s", resp.ErrorKind)
	}
	if strings.Contains(resp.Message, "deadline") {
		t.Errorf("internal error text leaked: %q", resp.Message)
	}
}

func TestCloneVoice(t *testing.T) {
	ref := writeTone(t, 4*time.Second)
	e := newEnv(t, registering("clone-spk"), fileMap{"ref-1": ref})

	resp := e.svc.CloneVoice(context.Background(), CloneRequest{Text: "hi", Language: "en", ReferenceAudioID: "ref-1"})
	if !resp.Success {
		t.Fatalf("response = %+v", resp)
	}
	if !strings.HasPrefix(filepath.Base(resp.AudioFilePath), "cloned_") {
		t.Errorf("output = %s", resp.AudioFilePath)
	}
	if resp.ClonedVoiceID == "" || resp.Speaker != "clone-spk" {
		t.Errorf("response = %+v", resp)
	}
	calls := e.b.CallsSnapshot()
	if len(calls) != 1 || calls[0].Keywords[backend.KeySpeaker] != "clone-spk" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestCloneVoice_Failures(t *testing.T) {
	short := writeTone(t, time.Second)
	good := writeTone(t, 4*time.Second)
	tests := []struct {
		name string
		b    *mock.Backend
		id   string
		kind apperr.Kind
		code apperr.Code
	}{
		{"unknown reference", registering("x"), "missing", apperr.NotFound, ""},
		{"no reference id", registering("x"), "", apperr.ValidationError, apperr.CodeMissingParameter},
		{"reference too short", registering("x"), "short", apperr.AudioQualityPoor, apperr.CodeAudioTooShort},
		{"registration unavailable", &mock.Backend{MultiSpeaker: true}, "good", apperr.SynthesisError, apperr.CodeSpeakerUnresolvable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, tc.b, fileMap{"short": short, "good": good})
			resp := e.svc.CloneVoice(context.Background(), CloneRequest{Text: "hi", ReferenceAudioID: tc.id})
			if resp.Success {
				t.Fatal("expected failure")
			}
			if resp.ErrorKind != tc.kind {
				t.Errorf("kind = %s, want %s (%s)", resp.ErrorKind, tc.kind, resp.Message)
			}
			if tc.code != "" && resp.ErrorCode != tc.code {
				t.Errorf("code = %s, want %s", resp.ErrorCode, tc.code)
			}
			if n := len(e.b.CallsSnapshot()); n != 0 {
				t.Errorf("backend called %d times", n)
			}
		})
	}
}

func TestSynthesizeWithProfile(t *testing.T) {
	e := newEnv(t, registering("profile-spk"), nil)
	u := &recording.Usage{
		ProfileID:          "p-1",
		ProfileName:        "Voice A",
		VoiceEmbeddingPath: writeTone(t, 4*time.Second),
		Language:           "en",
		Speed:              1.0,
	}
	resp := e.svc.SynthesizeWithProfile(context.Background(), u, "hello there", "", 0)
	if !resp.Success {
		t.Fatalf("response = %+v", resp)
	}
	if resp.ProfileID != "p-1" || resp.Speaker != "profile-spk" {
		t.Errorf("response = %+v", resp)
	}
	calls := e.b.CallsSnapshot()
	if calls[0].Keywords[backend.KeyLanguage] != "en" || calls[0].Keywords[backend.KeySpeed] != 1.0 {
		t.Errorf("keywords = %v", calls[0].Keywords)
	}
}
