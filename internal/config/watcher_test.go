package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxclone/internal/config"
)

// watchedYAML renders a config with the given log level and upload quota.
func watchedYAML(level string, uploads int) string {
	return "server:\n  log_level: " + level + "\n" +
		"rate_limits:\n  classes:\n    upload:\n      requests: " + strconv.Itoa(uploads) + "\n      window: 1h\n"
}

// changeLog records watcher callbacks.
type changeLog struct {
	mu    sync.Mutex
	diffs []config.ConfigDiff
	news  []*config.Config
	fired chan struct{}
}

func newChangeLog() *changeLog { return &changeLog{fired: make(chan struct{}, 16)} }

func (c *changeLog) record(_, new *config.Config, diff config.ConfigDiff) {
	c.mu.Lock()
	c.diffs = append(c.diffs, diff)
	c.news = append(c.news, new)
	c.mu.Unlock()
	c.fired <- struct{}{}
}

func (c *changeLog) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.diffs)
}

func (c *changeLog) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.fired:
	case <-time.After(3 * time.Second):
		t.Fatal("change callback not invoked")
	}
}

// writeConfig writes content and moves its mtime forward so the change is
// visible even on filesystems with coarse timestamps.
func writeConfig(t *testing.T, path, content string, bump time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	ts := time.Now().Add(bump)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatal(err)
	}
}

func startWatcher(t *testing.T, content string, interval time.Duration) (string, *config.Watcher, *changeLog) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voxclone.yaml")
	writeConfig(t, path, content, 0)
	log := newChangeLog()
	w, err := config.NewWatcher(path, log.record, config.WithInterval(interval))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return path, w, log
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	_, w, _ := startWatcher(t, watchedYAML("warn", 3), time.Hour)

	cur := w.Current()
	if cur.Server.LogLevel != config.LogWarn {
		t.Errorf("log level = %q", cur.Server.LogLevel)
	}
	if got := cur.RateLimits.Classes["upload"].Requests; got != 3 {
		t.Errorf("upload quota = %d", got)
	}
	// Defaults are filled for the classes the file omits.
	if cur.RateLimits.Classes["synthesize"].Requests == 0 {
		t.Error("synthesize quota not defaulted")
	}
}

func TestWatcher_InitialLoadErrors(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("missing file accepted")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeConfig(t, path, "server:\n  log_level: loud\n", 0)
	if _, err := config.NewWatcher(path, nil); err == nil || !strings.Contains(err.Error(), "server.log_level") {
		t.Errorf("invalid file: err = %v", err)
	}
}

func TestWatcher_PollsForChanges(t *testing.T) {
	t.Parallel()
	path, w, log := startWatcher(t, watchedYAML("info", 10), 20*time.Millisecond)

	writeConfig(t, path, watchedYAML("debug", 25), 2*time.Second)
	log.wait(t)

	log.mu.Lock()
	diff := log.diffs[0]
	log.mu.Unlock()
	if !diff.LogLevelChanged || diff.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", diff)
	}
	if !diff.RateLimitsChanged || diff.NewRateLimits.Classes["upload"].Requests != 25 {
		t.Errorf("rate limit diff = %+v", diff)
	}
	if len(diff.RestartRequired) != 0 {
		t.Errorf("restart required for %v", diff.RestartRequired)
	}
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Error("Current not updated")
	}
}

func TestWatcher_RejectedFileKeepsConfig(t *testing.T) {
	t.Parallel()
	path, w, log := startWatcher(t, watchedYAML("info", 10), time.Hour)

	writeConfig(t, path, "server:\n  log_level: bananas\n", 2*time.Second)
	if err := w.Reload(context.Background()); err == nil {
		t.Fatal("Reload accepted an invalid file")
	}
	if w.Current().Server.LogLevel != config.LogInfo || log.count() != 0 {
		t.Errorf("invalid file applied: level %q, %d callbacks", w.Current().Server.LogLevel, log.count())
	}

	// Fixing the file is picked up again.
	writeConfig(t, path, watchedYAML("error", 10), 4*time.Second)
	if err := w.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if w.Current().Server.LogLevel != config.LogError || log.count() != 1 {
		t.Errorf("fixed file: level %q, %d callbacks", w.Current().Server.LogLevel, log.count())
	}
}

func TestWatcher_ReloadIgnoresMtime(t *testing.T) {
	t.Parallel()
	path, w, log := startWatcher(t, watchedYAML("info", 10), time.Hour)

	// Same size and mtime as before: polling would miss this edit.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(watchedYAML("info", 11)), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, info.ModTime(), info.ModTime()); err != nil {
		t.Fatal(err)
	}

	if err := w.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if log.count() != 1 || w.Current().RateLimits.Classes["upload"].Requests != 11 {
		t.Errorf("forced reload not applied: %d callbacks", log.count())
	}
}

func TestWatcher_UnchangedContent(t *testing.T) {
	t.Parallel()
	content := watchedYAML("info", 10)
	path, w, log := startWatcher(t, content, 20*time.Millisecond)

	writeConfig(t, path, content, 2*time.Second)
	time.Sleep(150 * time.Millisecond)
	if err := w.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if n := log.count(); n != 0 {
		t.Errorf("touch produced %d callbacks", n)
	}
}

func TestWatcher_Stop(t *testing.T) {
	t.Parallel()
	_, w, _ := startWatcher(t, watchedYAML("info", 10), 20*time.Millisecond)

	w.Stop()
	w.Stop()
	if err := w.Reload(context.Background()); !errors.Is(err, config.ErrWatcherStopped) {
		t.Errorf("Reload after Stop = %v", err)
	}
}
