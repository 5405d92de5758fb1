package audio_test

import (
	"math"
	"testing"
	"time"

	"github.com/MrWong99/voxclone/pkg/audio"
)

func TestResample_SameRateReturnsInput(t *testing.T) {
	in := []float32{0.1, 0.2, 0.3}
	out := audio.Resample(in, 22050, 22050)
	if &out[0] != &in[0] {
		t.Error("expected the input slice to be returned unchanged")
	}
}

func TestResample_Length(t *testing.T) {
	tests := []struct {
		name     string
		n        int
		src, dst int
		want     int
	}{
		{"downsample 2x", 1000, 44100, 22050, 500},
		{"upsample 2x", 500, 11025, 22050, 1000},
		{"48k to 22.05k", 4800, 48000, 22050, 2205},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := audio.Resample(make([]float32, tc.n), tc.src, tc.dst)
			if len(got) != tc.want {
				t.Errorf("len = %d, want %d", len(got), tc.want)
			}
		})
	}
}

func TestResample_Interpolates(t *testing.T) {
	got := audio.Resample([]float32{0, 1}, 1, 2)
	want := []float32{0, 0.5, 1, 1}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDownmix(t *testing.T) {
	got := audio.Downmix([]float32{0.2, 0.4, -0.2, -0.6}, 2)
	want := []float32{0.3, -0.4}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("frame %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestInt16RoundTrip_Clamps(t *testing.T) {
	pcm := audio.FloatToInt16([]float32{2, -2, 0})
	got := audio.Int16ToFloat(pcm)
	if got[0] < 0.999 || got[1] > -0.999 || got[2] != 0 {
		t.Errorf("unexpected clamp result %v", got)
	}
}

func TestConcat_InsertsGaps(t *testing.T) {
	a := audio.Clip{Samples: []float32{1, 1, 1, 1}, SampleRate: 10}
	b := audio.Clip{Samples: []float32{-1, -1}, SampleRate: 10}
	out := audio.Concat([]audio.Clip{a, b}, 200*time.Millisecond, 10)

	// 4 + 2 gap + 2 + 2 gap
	if len(out.Samples) != 10 {
		t.Fatalf("len = %d, want 10", len(out.Samples))
	}
	if out.Samples[4] != 0 || out.Samples[5] != 0 {
		t.Errorf("expected silence after first clip, got %v", out.Samples[4:6])
	}
	if out.Samples[6] != -1 {
		t.Errorf("second clip should start at index 6, got %v", out.Samples[6])
	}
}

func TestClip_DurationAndPeak(t *testing.T) {
	c := audio.Clip{Samples: make([]float32, 44100), SampleRate: 22050}
	c.Samples[10] = -0.75
	if c.Duration() != 2*time.Second {
		t.Errorf("Duration = %v, want 2s", c.Duration())
	}
	if c.Peak() != 0.75 {
		t.Errorf("Peak = %v, want 0.75", c.Peak())
	}
	if (audio.Clip{}).Seconds() != 0 {
		t.Error("zero clip should have zero duration")
	}
}
