package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"
)

// ErrUnsupportedFormat is returned by [DecodeFile] for extensions without a
// registered decoder.
var ErrUnsupportedFormat = errors.New("audio: unsupported format")

// decoders maps a lower-case file extension to its decoder.
var decoders = map[string]func(r io.Reader) (Clip, error){
	".wav":  decodeWAVReader,
	".mp3":  decodeMP3,
	".flac": decodeFLAC,
}

// SupportedFormat reports whether ext (with or without the leading dot) has a
// decoder.
func SupportedFormat(ext string) bool {
	ext = strings.ToLower(ext)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	_, ok := decoders[ext]
	return ok
}

// DecodeFile reads and decodes the audio file at path into a mono [Clip]. The
// decoder is chosen from the file extension.
func DecodeFile(path string) (Clip, error) {
	ext := strings.ToLower(filepath.Ext(path))
	dec, ok := decoders[ext]
	if !ok {
		return Clip{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, fmt.Errorf("audio: open %q: %w", path, err)
	}
	defer f.Close()

	clip, err := dec(f)
	if err != nil {
		return Clip{}, fmt.Errorf("audio: decode %q: %w", path, err)
	}
	return clip, nil
}

// LoadFile decodes path and resamples the result to sampleRate. A sampleRate
// of 0 keeps the native rate.
func LoadFile(path string, sampleRate int) (Clip, error) {
	clip, err := DecodeFile(path)
	if err != nil {
		return Clip{}, err
	}
	if sampleRate > 0 && clip.SampleRate != sampleRate {
		clip.Samples = Resample(clip.Samples, clip.SampleRate, sampleRate)
		clip.SampleRate = sampleRate
	}
	return clip, nil
}

func decodeWAVReader(r io.Reader) (Clip, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Clip{}, err
	}
	return DecodeWAV(data)
}

// decodeMP3 decodes an MP3 stream. go-mp3 always yields 16-bit stereo.
func decodeMP3(r io.Reader) (Clip, error) {
	d, err := mp3.NewDecoder(r)
	if err != nil {
		return Clip{}, err
	}
	pcm, err := io.ReadAll(d)
	if err != nil {
		return Clip{}, err
	}
	return Clip{
		Samples:    Downmix(Int16ToFloat(pcm), 2),
		SampleRate: d.SampleRate(),
	}, nil
}

// decodeFLAC decodes a FLAC stream frame by frame.
func decodeFLAC(r io.Reader) (Clip, error) {
	stream, err := flac.New(r)
	if err != nil {
		return Clip{}, err
	}
	defer stream.Close()

	scale := float32(int64(1) << (stream.Info.BitsPerSample - 1))
	var samples []float32

	for {
		frame, err := stream.ParseNext()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Clip{}, err
		}
		if len(frame.Subframes) == 0 {
			continue
		}
		channels := len(frame.Subframes)
		n := len(frame.Subframes[0].Samples)
		for i := range n {
			var sum float32
			for _, sub := range frame.Subframes {
				sum += float32(sub.Samples[i]) / scale
			}
			samples = append(samples, sum/float32(channels))
		}
	}
	return Clip{Samples: samples, SampleRate: int(stream.Info.SampleRate)}, nil
}
