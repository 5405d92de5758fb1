package audio_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/voxclone/pkg/audio"
)

// sine returns a mono clip with a 220 Hz tone.
func sine(seconds float64, amplitude float32, rate int) audio.Clip {
	n := int(seconds * float64(rate))
	s := make([]float32, n)
	for i := range s {
		s[i] = amplitude * float32(math.Sin(2*math.Pi*220*float64(i)/float64(rate)))
	}
	return audio.Clip{Samples: s, SampleRate: rate}
}

// buildWAV assembles a RIFF/WAVE file with an optional extra chunk before
// the fmt chunk.
func buildWAV(format, channels, rate, bits int, data []byte, extra bool) []byte {
	le := binary.LittleEndian
	var b bytes.Buffer
	b.WriteString("RIFF")
	binary.Write(&b, le, uint32(0))
	b.WriteString("WAVE")
	if extra {
		b.WriteString("LIST")
		binary.Write(&b, le, uint32(3))
		b.Write([]byte{1, 2, 3, 0}) // odd size + pad byte
	}
	b.WriteString("fmt ")
	binary.Write(&b, le, uint32(16))
	binary.Write(&b, le, uint16(format))
	binary.Write(&b, le, uint16(channels))
	binary.Write(&b, le, uint32(rate))
	binary.Write(&b, le, uint32(rate*channels*bits/8))
	binary.Write(&b, le, uint16(channels*bits/8))
	binary.Write(&b, le, uint16(bits))
	b.WriteString("data")
	binary.Write(&b, le, uint32(len(data)))
	b.Write(data)
	return b.Bytes()
}

func TestEncodeDecodeWAV(t *testing.T) {
	clip := sine(0.5, 0.3, 22050)
	var buf bytes.Buffer
	if err := audio.EncodeWAV(&buf, clip); err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}

	got, err := audio.DecodeWAV(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if got.SampleRate != 22050 {
		t.Errorf("SampleRate = %d, want 22050", got.SampleRate)
	}
	if len(got.Samples) != len(clip.Samples) {
		t.Fatalf("len = %d, want %d", len(got.Samples), len(clip.Samples))
	}
	if math.Abs(got.Peak()-0.3) > 0.01 {
		t.Errorf("Peak = %v, want ~0.3", got.Peak())
	}
}

func TestDecodeWAV_Formats(t *testing.T) {
	le := binary.LittleEndian

	t.Run("stereo 16-bit is downmixed", func(t *testing.T) {
		data := make([]byte, 8)
		le.PutUint16(data[0:], uint16(16384))
		le.PutUint16(data[2:], 0)
		le.PutUint16(data[4:], uint16(0xC000)) // -16384
		le.PutUint16(data[6:], 0)
		clip, err := audio.DecodeWAV(buildWAV(1, 2, 16000, 16, data, false))
		if err != nil {
			t.Fatalf("DecodeWAV: %v", err)
		}
		if len(clip.Samples) != 2 {
			t.Fatalf("len = %d, want 2", len(clip.Samples))
		}
		if math.Abs(float64(clip.Samples[0])-0.25) > 1e-4 || math.Abs(float64(clip.Samples[1])+0.25) > 1e-4 {
			t.Errorf("samples = %v, want [0.25 -0.25]", clip.Samples)
		}
	})

	t.Run("32-bit float", func(t *testing.T) {
		data := make([]byte, 8)
		le.PutUint32(data[0:], math.Float32bits(0.5))
		le.PutUint32(data[4:], math.Float32bits(-0.125))
		clip, err := audio.DecodeWAV(buildWAV(3, 1, 8000, 32, data, false))
		if err != nil {
			t.Fatalf("DecodeWAV: %v", err)
		}
		if clip.Samples[0] != 0.5 || clip.Samples[1] != -0.125 {
			t.Errorf("samples = %v", clip.Samples)
		}
	})

	t.Run("24-bit with leading chunk", func(t *testing.T) {
		// 0x400000 = half scale positive.
		data := []byte{0x00, 0x00, 0x40}
		clip, err := audio.DecodeWAV(buildWAV(1, 1, 8000, 24, data, true))
		if err != nil {
			t.Fatalf("DecodeWAV: %v", err)
		}
		if math.Abs(float64(clip.Samples[0])-0.5) > 1e-6 {
			t.Errorf("sample = %v, want 0.5", clip.Samples[0])
		}
	})
}

func TestDecodeWAV_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"too short", []byte("RIFF")},
		{"not riff", append([]byte("JUNK0000WAVE"), make([]byte, 32)...)},
		{"no data chunk", []byte("RIFF\x00\x00\x00\x00WAVE")},
		{"unsupported bits", buildWAV(1, 1, 8000, 12, []byte{0, 0}, false)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := audio.DecodeWAV(tc.data)
			if !errors.Is(err, audio.ErrInvalidWAV) {
				t.Errorf("err = %v, want ErrInvalidWAV", err)
			}
		})
	}
}

func TestWriteWAVFile_LoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "clip.wav")
	if err := audio.WriteWAVFile(path, sine(1, 0.5, 44100)); err != nil {
		t.Fatalf("WriteWAVFile: %v", err)
	}

	clip, err := audio.LoadFile(path, 22050)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if clip.SampleRate != 22050 {
		t.Errorf("SampleRate = %d, want 22050", clip.SampleRate)
	}
	if math.Abs(clip.Seconds()-1) > 0.01 {
		t.Errorf("Seconds = %v, want ~1", clip.Seconds())
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("expected no leftover temp files, got %d entries", len(entries))
	}
}

func TestDecodeFile_UnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.ogg")
	if err := os.WriteFile(path, []byte("OggS"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := audio.DecodeFile(path)
	if !errors.Is(err, audio.ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
	if audio.SupportedFormat("ogg") {
		t.Error("ogg should not be reported as supported")
	}
	if !audio.SupportedFormat(".MP3") {
		t.Error("mp3 should be reported as supported")
	}
}
