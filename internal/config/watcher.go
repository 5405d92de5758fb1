package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ErrWatcherStopped is returned by [Watcher.Reload] after [Watcher.Stop].
var ErrWatcherStopped = errors.New("config: watcher stopped")

// ChangeFunc is called after a changed config file loaded successfully.
type ChangeFunc func(old, new *Config, diff ConfigDiff)

// Watcher keeps a configuration in sync with its YAML file. The file is
// polled for size and mtime changes; a change is only applied when the
// content hash differs and the new document validates. A single goroutine
// performs every reload, so callbacks never run concurrently.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	requests chan chan error
	done     chan struct{}
	finished chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	current *Config

	// state is owned by the reload goroutine after construction.
	state fileState
}

// fileState identifies the last file version that was examined.
type fileState struct {
	modTime time.Time
	size    int64
	sum     [sha256.Size]byte
}

func (s fileState) unchanged(info os.FileInfo) bool {
	return s.size == info.Size() && s.modTime.Equal(info.ModTime())
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts watching it. The initial load must
// succeed.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		requests: make(chan chan error),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	data, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.state = st

	go w.run()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload re-reads the file now, regardless of its mtime, and reports why
// it could not be applied. Unchanged content is not an error.
func (w *Watcher) Reload(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case w.requests <- reply:
	case <-w.done:
		return ErrWatcherStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops watching and waits for an in-flight reload to finish. It is
// safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	<-w.finished
}

func (w *Watcher) run() {
	defer close(w.finished)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if err := w.check(false); err != nil {
				slog.Warn("config watcher: reload failed, keeping previous config", "path", w.path, "err", err)
			}
		case reply := <-w.requests:
			reply <- w.check(true)
		}
	}
}

// check applies the file if its content changed. Unless force is set, files
// whose size and mtime match the last examined version are skipped.
func (w *Watcher) check(force bool) error {
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			return err
		}
		if w.state.unchanged(info) {
			return nil
		}
	}

	data, st, err := w.read()
	if err != nil {
		return err
	}
	if st.sum == w.state.sum {
		w.state = st
		return nil
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	// A rejected version is remembered so it is not re-parsed every tick.
	w.state = st
	if err != nil {
		return err
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	diff := Diff(old, cfg)
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level_changed", diff.LogLevelChanged,
		"rate_limits_changed", diff.RateLimitsChanged,
	)
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config watcher: some changes require a restart", "sections", diff.RestartRequired)
	}
	if w.onChange != nil && !diff.Empty() {
		w.onChange(old, cfg, diff)
	}
	return nil
}

// read returns the file content and the state identifying it.
func (w *Watcher) read() ([]byte, fileState, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fileState{}, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, fileState{}, fmt.Errorf("config: read %q: %w", w.path, err)
	}
	data := buf.Bytes()
	return data, fileState{modTime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}, nil
}
