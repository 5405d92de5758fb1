package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/voxclone/internal/config"
	"github.com/MrWong99/voxclone/pkg/backend"
	"github.com/MrWong99/voxclone/pkg/backend/mock"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "invalid log level and format",
			yaml: "server:\n  log_level: bananas\n  log_format: xml\n",
			want: []string{"server.log_level", "server.log_format"},
		},
		{
			name: "unsupported audio format",
			yaml: "audio:\n  allowed_formats: [wav, ogg]\n",
			want: []string{`audio.allowed_formats[1] "ogg"`},
		},
		{
			name: "step bounds",
			yaml: "recording:\n  min_steps: 8\n  max_steps: 6\n",
			want: []string{"min_steps 8 exceeds max_steps 6", "default_steps"},
		},
		{
			name: "cleanup dirs",
			yaml: "cleanup:\n  dirs: [temp, profiles]\n",
			want: []string{`cleanup.dirs[1] "profiles"`},
		},
		{
			name: "tls incomplete",
			yaml: "server:\n  tls:\n    cert_file: cert.pem\n",
			want: []string{"server.tls"},
		},
		{
			name: "negative rate limit",
			yaml: "rate_limits:\n  classes:\n    clone:\n      requests: -1\n",
			want: []string{"rate_limits.classes.clone"},
		},
		{
			name: "sample ratio",
			yaml: "telemetry:\n  trace_sample_ratio: 2\n",
			want: []string{"telemetry.trace_sample_ratio"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			for _, w := range tc.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error should mention %q, got: %v", w, err)
				}
			}
		})
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":1\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "voxclone.yaml")
	if err := os.WriteFile(path, []byte("backend:\n  name: openai\n  api_key: k\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.Name != "openai" {
		t.Errorf("backend.name: got %q", cfg.Backend.Name)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	var got config.BackendConfig
	reg.Register("mock", func(cfg config.BackendConfig) (backend.Opener, error) {
		got = cfg
		return &mock.Opener{}, nil
	})

	if _, err := reg.Create(config.BackendConfig{Name: "mock", Model: "m1"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got.Model != "m1" {
		t.Errorf("factory received %+v", got)
	}

	_, err := reg.Create(config.BackendConfig{Name: "nope"})
	if !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("err = %v, want ErrBackendNotRegistered", err)
	}
	if names := reg.Names(); len(names) != 1 || names[0] != "mock" {
		t.Errorf("Names() = %v", names)
	}
}

func TestBackendConfig_Options(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(`
backend:
  options:
    api_mode: xtts
    output_sample_rate: 24000
    ratio: 1.5
`))
	if err != nil {
		t.Fatal(err)
	}
	b := cfg.Backend
	if b.OptString("api_mode") != "xtts" || b.OptString("missing") != "" {
		t.Errorf("OptString: got %q", b.OptString("api_mode"))
	}
	if b.OptInt("output_sample_rate") != 24000 || b.OptInt("ratio") != 1 || b.OptInt("api_mode") != 0 {
		t.Errorf("OptInt: got %d", b.OptInt("output_sample_rate"))
	}
}
