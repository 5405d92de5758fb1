package backend

import (
	"context"
	"errors"
	"slices"
	"testing"
)

func TestCallArgs(t *testing.T) {
	tests := []struct {
		name    string
		call    Call
		want    Args
		wantErr bool
	}{
		{
			name: "keywords",
			call: Call{Keywords: map[string]any{
				KeyText: "hi", KeyFilePath: "/o.wav", KeyLanguage: "en", KeySpeaker: "alice", KeySpeed: 1.5,
			}},
			want: Args{Text: "hi", OutputPath: "/o.wav", Language: "en", Speaker: "alice", Speed: 1.5},
		},
		{
			name: "positional",
			call: Call{Positional: []any{"hi", "/o.wav", "de"}},
			want: Args{Text: "hi", OutputPath: "/o.wav", Language: "de"},
		},
		{
			name: "positional plus speaker keyword",
			call: Call{Positional: []any{"hi", "/o.wav"}, Keywords: map[string]any{KeySpeakerWAV: "/ref.wav", KeyLanguage: "en"}},
			want: Args{Text: "hi", OutputPath: "/o.wav", Language: "en", SpeakerWAV: "/ref.wav"},
		},
		{
			name: "output path aliases",
			call: Call{Keywords: map[string]any{KeyText: "hi", KeyFilename: "/f.wav", KeySpeakerID: "bob", KeySpeakerWAVPath: "/r.wav"}},
			want: Args{Text: "hi", OutputPath: "/f.wav", Speaker: "bob", SpeakerWAV: "/r.wav"},
		},
		{
			name: "unknown keywords ignored",
			call: Call{Keywords: map[string]any{KeyText: "hi", KeyPath: "/p.wav", "emotion": "happy"}},
			want: Args{Text: "hi", OutputPath: "/p.wav"},
		},
		{
			name:    "missing text",
			call:    Call{Keywords: map[string]any{KeyFilePath: "/o.wav"}},
			wantErr: true,
		},
		{
			name:    "missing output",
			call:    Call{Positional: []any{"hi"}},
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.call.Args()
			if tc.wantErr {
				if !errors.Is(err, ErrMissingArgument) {
					t.Fatalf("err = %v, want ErrMissingArgument", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Args: %v", err)
			}
			if got != tc.want {
				t.Errorf("Args = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry("a", "b", "")
	r.Add("c")
	r.Add("a")
	if got, want := r.Names(), []string{"b", "c", "a"}; !slices.Equal(got, want) {
		t.Errorf("Names = %v, want %v", got, want)
	}

	names := r.Names()
	names[0] = "mutated"
	if r.Names()[0] != "b" {
		t.Error("Names returned internal slice")
	}
}

func TestCapabilitySet(t *testing.T) {
	set := CapabilitySet{
		"add_speaker": func(context.Context, string) (any, error) { return "x", nil },
		"nil_entry":   nil,
	}
	if _, ok := set.Lookup("add_speaker"); !ok {
		t.Error("add_speaker not found")
	}
	if _, ok := set.Lookup("nil_entry"); ok {
		t.Error("nil entry reported as present")
	}
	if _, ok := set.Lookup("missing"); ok {
		t.Error("missing entry reported as present")
	}
}

func TestOpenerFunc(t *testing.T) {
	var got LoadPolicy
	o := OpenerFunc(func(_ context.Context, p LoadPolicy) (Backend, error) {
		got = p
		return nil, ErrUnsupported
	})
	_, err := o.Open(context.Background(), LoadPolicy{Trusted: true})
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("err = %v", err)
	}
	if !got.Trusted {
		t.Error("policy not forwarded")
	}
}
