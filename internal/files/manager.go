// Package files manages uploaded reference audio, staged recordings and
// generated output on local disk.
package files

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxclone/internal/apperr"
)

// Config locates the managed directories.
type Config struct {
	UploadDir string
	OutputDir string
	TempDir   string

	// AllowedFormats lists accepted upload extensions without the leading
	// dot, e.g. "wav".
	AllowedFormats []string

	// MaxUploadBytes bounds a single upload. Zero disables the check.
	MaxUploadBytes int64

	// CleanupDirs are swept by [Manager.CleanupOld]. Defaults to the temp,
	// output and upload directories.
	CleanupDirs []string
}

// Manager owns the file layout. It is safe for concurrent use; every file it
// creates has a unique name.
type Manager struct {
	cfg Config
}

// New creates the managed directories and returns a Manager.
func New(cfg Config) (*Manager, error) {
	if len(cfg.AllowedFormats) == 0 {
		cfg.AllowedFormats = []string{"wav", "mp3", "flac"}
	}
	for i, f := range cfg.AllowedFormats {
		cfg.AllowedFormats[i] = strings.ToLower(strings.TrimPrefix(f, "."))
	}
	if len(cfg.CleanupDirs) == 0 {
		cfg.CleanupDirs = []string{cfg.TempDir, cfg.OutputDir, cfg.UploadDir}
	}
	for _, dir := range []string{cfg.UploadDir, cfg.OutputDir, cfg.TempDir} {
		if dir == "" {
			return nil, errors.New("files: upload, output and temp directories must be set")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("files: create %s: %w", dir, err)
		}
	}
	return &Manager{cfg: cfg}, nil
}

// OutputDir returns the directory generated audio is written to.
func (m *Manager) OutputDir() string { return m.cfg.OutputDir }

// SaveUpload stores r as a new upload and returns its id. name is only used
// for its extension.
func (m *Manager) SaveUpload(name string, r io.Reader) (string, error) {
	ext, err := m.extension(name)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	dst := filepath.Join(m.cfg.UploadDir, id+ext)
	if _, err := m.write(dst, r); err != nil {
		return "", err
	}
	return id, nil
}

// Path resolves an upload id to the stored file.
func (m *Manager) Path(fileID string) (string, error) {
	if err := uuid.Validate(fileID); err != nil {
		return "", apperr.New(apperr.ValidationError, "Invalid file id: %q", fileID).
			WithCode(apperr.CodeInvalidInput)
	}
	for _, f := range m.cfg.AllowedFormats {
		p := filepath.Join(m.cfg.UploadDir, fileID+"."+f)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, nil
		}
	}
	return "", apperr.New(apperr.NotFound, "Audio file not found: %s", fileID).
		WithCode(apperr.CodeFileNotFound)
}

// Delete removes an upload. Deleting a missing upload reports NotFound.
func (m *Manager) Delete(fileID string) error {
	p, err := m.Path(fileID)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		return apperr.Wrap(apperr.SystemError, err, "files: delete %s", fileID).WithCode(apperr.CodeStorage)
	}
	return nil
}

// Stage writes r to a uniquely named temp file. The returned cleanup removes
// it and is safe to call more than once.
func (m *Manager) Stage(name string, r io.Reader) (string, func(), error) {
	ext, err := m.extension(name)
	if err != nil {
		return "", func() {}, err
	}
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", func() {}, apperr.System(err, "files: stage")
	}
	p := filepath.Join(m.cfg.TempDir, "upload_"+hex.EncodeToString(buf)+ext)
	cleanup := func() { _ = os.Remove(p) }
	if _, err := m.write(p, r); err != nil {
		cleanup()
		return "", func() {}, err
	}
	return p, cleanup, nil
}

// OpenOutput opens a generated file by base name. Names that would leave the
// output directory are rejected.
func (m *Manager) OpenOutput(name string) (*os.File, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return nil, apperr.New(apperr.AccessDenied, "Invalid file name: %q", name)
	}
	f, err := os.OpenInRoot(m.cfg.OutputDir, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.New(apperr.NotFound, "File not found: %s", name).WithCode(apperr.CodeFileNotFound)
		}
		return nil, apperr.Wrap(apperr.AccessDenied, err, "Access to %s denied", name)
	}
	return f, nil
}

// CleanupStats summarizes a cleanup sweep.
type CleanupStats struct {
	Files int   `json:"files_deleted"`
	Bytes int64 `json:"bytes_freed"`
}

// CleanupOld removes regular files older than maxAge below the cleanup
// directories. Files that cannot be removed are skipped.
func (m *Manager) CleanupOld(maxAge time.Duration) (CleanupStats, error) {
	var stats CleanupStats
	cutoff := time.Now().Add(-maxAge)
	var errs []error
	for _, dir := range m.cfg.CleanupDirs {
		err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				return nil
			}
			if os.Remove(p) == nil {
				stats.Files++
				stats.Bytes += info.Size()
			}
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("files: sweep %s: %w", dir, err))
		}
	}
	return stats, errors.Join(errs...)
}

func (m *Manager) extension(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", apperr.New(apperr.ValidationError, "No filename provided").WithCode(apperr.CodeMissingParameter)
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !slices.Contains(m.cfg.AllowedFormats, strings.TrimPrefix(ext, ".")) {
		return "", apperr.New(apperr.ValidationError, "Unsupported file format %q. Allowed: %s", ext, strings.Join(m.cfg.AllowedFormats, ", ")).
			WithCode(apperr.CodeAudioFormat).
			WithDetail("allowed_formats", m.cfg.AllowedFormats)
	}
	return ext, nil
}

// write copies r to dst, enforcing the upload limit. A partial file is
// removed on failure.
func (m *Manager) write(dst string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, apperr.Wrap(apperr.SystemError, err, "files: create %s", dst).WithCode(apperr.CodeStorage)
	}
	src := r
	if m.cfg.MaxUploadBytes > 0 {
		src = io.LimitReader(r, m.cfg.MaxUploadBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return 0, apperr.Wrap(apperr.SystemError, err, "files: write %s", dst).WithCode(apperr.CodeStorage)
	}
	if m.cfg.MaxUploadBytes > 0 && n > m.cfg.MaxUploadBytes {
		_ = os.Remove(dst)
		return 0, apperr.New(apperr.ValidationError, "File too large. Maximum size: %d MB", m.cfg.MaxUploadBytes>>20).
			WithCode(apperr.CodeFileTooLarge).
			WithDetail("max_bytes", m.cfg.MaxUploadBytes)
	}
	return n, nil
}
