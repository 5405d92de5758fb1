package profile_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxclone/internal/apperr"
	"github.com/MrWong99/voxclone/internal/profile"
)

func newStore(t *testing.T) *profile.FileStore {
	t.Helper()
	s, err := profile.NewFileStore(filepath.Join(t.TempDir(), "profiles"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return s
}

func newProfile(owner string, created time.Time) *profile.Profile {
	return &profile.Profile{
		ProfileID:      uuid.NewString(),
		OwnerID:        owner,
		ProfileName:    "Voice A",
		Status:         profile.StatusRecording,
		TotalSteps:     3,
		RecordingSteps: profile.NewSteps(3),
		SampleRate:     22050,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func TestFileStore_SaveLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := newProfile("u1", now)
	p.LastUsed = &now
	if err := s.Save(ctx, p); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(ctx, p.ProfileID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.OwnerID != "u1" || len(got.RecordingSteps) != 3 || !got.CreatedAt.Equal(now) {
		t.Errorf("unexpected profile %+v", got)
	}
	if got.LastUsed == nil || !got.LastUsed.Equal(now) {
		t.Errorf("LastUsed = %v", got.LastUsed)
	}

	// Full overwrite.
	p.CompletedSteps = 2
	if err := s.Save(ctx, p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, _ = s.Load(ctx, p.ProfileID)
	if got.CompletedSteps != 2 {
		t.Errorf("CompletedSteps = %d, want 2", got.CompletedSteps)
	}
}

func TestFileStore_LayoutAndISOTimes(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	p := newProfile("u1", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	if err := s.Save(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(s.Root(), p.ProfileID, "meta.json"))
	if err != nil {
		t.Fatalf("meta.json missing: %v", err)
	}
	if !strings.Contains(string(data), `"created_at": "2026-01-02T03:04:05Z"`) {
		t.Errorf("created_at not ISO-8601 in %s", data)
	}
	if got := s.StepPath(p.ProfileID, 3); filepath.Base(got) != "step_03.wav" || filepath.Dir(got) != filepath.Join(s.Root(), p.ProfileID) {
		t.Errorf("StepPath = %q", got)
	}
}

func TestFileStore_LoadNotFound(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	for _, id := range []string{uuid.NewString(), "../etc", ""} {
		_, err := s.Load(context.Background(), id)
		if !apperr.Is(err, apperr.NotFound) {
			t.Errorf("Load(%q) err = %v, want NotFound", id, err)
		}
	}
}

func TestFileStore_ListFiltersAndSorts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	older := newProfile("u1", base)
	newer := newProfile("u1", base.Add(time.Hour))
	other := newProfile("u2", base)
	for _, p := range []*profile.Profile{older, newer, other} {
		if err := s.Save(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	// Garbage directory is skipped.
	if err := os.MkdirAll(filepath.Join(s.Root(), "not-a-profile"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := s.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ProfileID != newer.ProfileID {
		t.Errorf("expected newest first")
	}
}

func TestFileStore_Delete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	p := newProfile("u1", time.Now())
	if err := s.Save(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.StepPath(p.ProfileID, 1), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := s.Delete(ctx, p.ProfileID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), p.ProfileID)); !os.IsNotExist(err) {
		t.Errorf("profile directory still present: %v", err)
	}
	if err := s.Delete(ctx, p.ProfileID); !apperr.Is(err, apperr.NotFound) {
		t.Errorf("second Delete err = %v, want NotFound", err)
	}
}
