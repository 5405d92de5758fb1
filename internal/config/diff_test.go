package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voxclone/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	d := config.Diff(cfg, cfg)
	if !d.Empty() {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level is live, got restart sections %v", d.RestartRequired)
	}
}

func TestDiff_RateLimits(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"limit raised", func(c *config.Config) {
			c.RateLimits.Classes["upload"] = config.RateLimit{Requests: 20, Window: time.Hour}
		}},
		{"class added", func(c *config.Config) {
			c.RateLimits.Classes["batch"] = config.RateLimit{Requests: 1, Window: time.Minute}
		}},
		{"disabled", func(c *config.Config) {
			off := false
			c.RateLimits.Enabled = &off
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old, new := config.Default(), config.Default()
			tc.mutate(new)
			d := config.Diff(old, new)
			if !d.RateLimitsChanged {
				t.Fatal("expected RateLimitsChanged=true")
			}
			if len(d.NewRateLimits.Classes) != len(new.RateLimits.Classes) {
				t.Errorf("NewRateLimits = %+v", d.NewRateLimits)
			}
			if d.LogLevelChanged || len(d.RestartRequired) != 0 {
				t.Errorf("unexpected extra changes: %+v", d)
			}
		})
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := config.Default(), config.Default()
	new.Server.ListenAddr = ":9999"
	new.Backend.Workers = 8
	new.Cleanup.MaxAge = time.Hour

	d := config.Diff(old, new)
	want := []string{"server", "backend", "cleanup"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.LogLevelChanged || d.RateLimitsChanged {
		t.Errorf("unexpected live changes: %+v", d)
	}
}
