package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/google/uuid"

	"github.com/MrWong99/voxclone/internal/apperr"
)

// ErrNotFound is wrapped into the NotFound error returned for unknown ids.
var ErrNotFound = errors.New("profile not found")

const (
	metaFile      = "meta.json"
	embeddingFile = "voice_embedding.wav"
)

// Store persists voice profiles.
//
// Implementations do not serialise writers: concurrent Save calls for the same
// id are last-write-wins. Callers needing ordering must provide it.
type Store interface {
	// Save writes the complete record, replacing any previous version.
	Save(ctx context.Context, p *Profile) error

	// Load returns the record for id. Unknown or malformed ids yield an
	// apperr.NotFound error wrapping [ErrNotFound].
	Load(ctx context.Context, id string) (*Profile, error)

	// List returns every profile owned by ownerID, newest first.
	List(ctx context.Context, ownerID string) ([]*Profile, error)

	// Delete removes the record and every artifact stored with it. Deleting
	// an unknown id returns a NotFound error.
	Delete(ctx context.Context, id string) error

	// StepPath is where the audio for step n of profile id is stored.
	StepPath(id string, n int) string

	// EmbeddingPath is where the combined reference audio of id is stored.
	EmbeddingPath(id string) string
}

// Compile-time assertion that FileStore satisfies the Store interface.
var _ Store = (*FileStore)(nil)

// FileStore keeps one directory per profile under a root directory. Each
// directory holds meta.json, step_NN.wav artifacts and voice_embedding.wav.
type FileStore struct {
	root string
}

// NewFileStore returns a FileStore rooted at root, creating it if necessary.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("profile: create root %q: %w", root, err)
	}
	return &FileStore{root: root}, nil
}

// Root returns the storage root directory.
func (s *FileStore) Root() string { return s.root }

func (s *FileStore) dir(id string) string { return filepath.Join(s.root, id) }

// StepPath implements [Store.StepPath].
func (s *FileStore) StepPath(id string, n int) string {
	return filepath.Join(s.dir(id), fmt.Sprintf("step_%02d.wav", n))
}

// EmbeddingPath implements [Store.EmbeddingPath].
func (s *FileStore) EmbeddingPath(id string) string {
	return filepath.Join(s.dir(id), embeddingFile)
}

func notFound(id string) error {
	return apperr.Wrap(apperr.NotFound, ErrNotFound, "profile %q", id).
		WithUserMessage("Voice profile not found")
}

// validID rejects anything that is not a UUID so ids can never escape the
// storage root.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Save implements [Store.Save]. The record is written to a temporary file and
// renamed into place.
func (s *FileStore) Save(ctx context.Context, p *Profile) error {
	if !validID(p.ProfileID) {
		return apperr.New(apperr.ValidationError, "profile: invalid id %q", p.ProfileID)
	}
	dir := s.dir(p.ProfileID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.Wrap(apperr.SystemError, err, "profile: create dir").WithCode(apperr.CodeStorage)
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.SystemError, err, "profile: encode %q", p.ProfileID)
	}

	tmp, err := os.CreateTemp(dir, metaFile+".*.tmp")
	if err != nil {
		return apperr.Wrap(apperr.SystemError, err, "profile: save %q", p.ProfileID).WithCode(apperr.CodeStorage)
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(tmpName)
		return apperr.Wrap(apperr.SystemError, err, "profile: save %q", p.ProfileID).WithCode(apperr.CodeStorage)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, metaFile)); err != nil {
		_ = os.Remove(tmpName)
		return apperr.Wrap(apperr.SystemError, err, "profile: save %q", p.ProfileID).WithCode(apperr.CodeStorage)
	}
	return nil
}

// Load implements [Store.Load].
func (s *FileStore) Load(ctx context.Context, id string) (*Profile, error) {
	if !validID(id) {
		return nil, notFound(id)
	}
	return s.read(filepath.Join(s.dir(id), metaFile), id)
}

func (s *FileStore) read(path, id string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.SystemError, err, "profile: read %q", id).WithCode(apperr.CodeStorage)
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, apperr.Wrap(apperr.SystemError, err, "profile: decode %q", id).WithCode(apperr.CodeStorage)
	}
	return &p, nil
}

// List implements [Store.List]. It scans every profile directory; records
// that cannot be read are logged and skipped.
func (s *FileStore) List(ctx context.Context, ownerID string) ([]*Profile, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, apperr.Wrap(apperr.SystemError, err, "profile: list").WithCode(apperr.CodeStorage)
	}

	var out []*Profile
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() || !validID(e.Name()) {
			continue
		}
		p, err := s.read(filepath.Join(s.root, e.Name(), metaFile), e.Name())
		if err != nil {
			if !apperr.Is(err, apperr.NotFound) {
				slog.Warn("skipping unreadable profile", "profile_id", e.Name(), "err", err)
			}
			continue
		}
		if p.OwnerID == ownerID {
			out = append(out, p)
		}
	}

	slices.SortFunc(out, func(a, b *Profile) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

// Delete implements [Store.Delete].
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if !validID(id) {
		return notFound(id)
	}
	dir := s.dir(id)
	if _, err := os.Stat(filepath.Join(dir, metaFile)); errors.Is(err, fs.ErrNotExist) {
		return notFound(id)
	}
	if err := os.RemoveAll(dir); err != nil {
		return apperr.Wrap(apperr.SystemError, err, "profile: delete %q", id).WithCode(apperr.CodeStorage)
	}
	return nil
}
