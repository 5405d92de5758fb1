package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

// WAV format tags understood by [DecodeWAV].
const (
	wavFormatPCM        = 1
	wavFormatFloat      = 3
	wavFormatExtensible = 0xFFFE
)

// ErrInvalidWAV is returned when a byte slice is not a decodable RIFF/WAVE file.
var ErrInvalidWAV = errors.New("audio: invalid WAV data")

// wavInfo holds the format metadata extracted from a RIFF/WAVE header.
type wavInfo struct {
	DataOffset    int // byte offset of the first sample
	DataSize      int // length of the data chunk in bytes
	Format        int // format tag (1 = PCM, 3 = IEEE float)
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// parseWAV walks the RIFF chunks in wav and returns the fmt metadata and the
// location of the data chunk. The fmt chunk size may vary, so offsets are
// never hardcoded.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 {
		return wavInfo{}, fmt.Errorf("%w: too short to be a RIFF file", ErrInvalidWAV)
	}
	if string(wav[0:4]) != "RIFF" {
		return wavInfo{}, fmt.Errorf("%w: missing RIFF header", ErrInvalidWAV)
	}
	if string(wav[8:12]) != "WAVE" {
		return wavInfo{}, fmt.Errorf("%w: missing WAVE identifier", ErrInvalidWAV)
	}

	var info wavInfo
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 || offset+8+16 > len(wav) {
				return wavInfo{}, fmt.Errorf("%w: truncated fmt chunk", ErrInvalidWAV)
			}
			f := wav[offset+8:]
			info.Format = int(binary.LittleEndian.Uint16(f[0:2]))
			info.Channels = int(binary.LittleEndian.Uint16(f[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(f[14:16]))
			// WAVE_FORMAT_EXTENSIBLE carries the real tag in the sub-format GUID.
			if info.Format == wavFormatExtensible && chunkSize >= 40 && offset+8+26 <= len(wav) {
				info.Format = int(binary.LittleEndian.Uint16(f[24:26]))
			}
			foundFmt = true
		case "data":
			if !foundFmt {
				return wavInfo{}, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalidWAV)
			}
			info.DataOffset = offset + 8
			info.DataSize = min(chunkSize, len(wav)-info.DataOffset)
			return info, nil
		}

		// Chunks are word-aligned: pad by 1 if odd size.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return wavInfo{}, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
}

// DecodeWAV decodes a RIFF/WAVE byte slice into a mono [Clip]. Integer PCM at
// 8, 16, 24, and 32 bits and 32/64-bit IEEE float are supported; multi-channel
// audio is averaged down to mono.
func DecodeWAV(wav []byte) (Clip, error) {
	info, err := parseWAV(wav)
	if err != nil {
		return Clip{}, err
	}
	if info.Channels <= 0 || info.SampleRate <= 0 {
		return Clip{}, fmt.Errorf("%w: channels=%d sample_rate=%d", ErrInvalidWAV, info.Channels, info.SampleRate)
	}

	data := wav[info.DataOffset : info.DataOffset+info.DataSize]
	bytesPerSample := info.BitsPerSample / 8
	if bytesPerSample == 0 {
		return Clip{}, fmt.Errorf("%w: bits per sample %d", ErrInvalidWAV, info.BitsPerSample)
	}
	n := len(data) / bytesPerSample
	interleaved := make([]float32, n)

	switch {
	case info.Format == wavFormatPCM && info.BitsPerSample == 8:
		for i := range n {
			interleaved[i] = (float32(data[i]) - 128) / 128
		}
	case info.Format == wavFormatPCM && info.BitsPerSample == 16:
		for i := range n {
			s := int16(binary.LittleEndian.Uint16(data[i*2:]))
			interleaved[i] = float32(s) / 32768
		}
	case info.Format == wavFormatPCM && info.BitsPerSample == 24:
		for i := range n {
			b := data[i*3:]
			s := int32(b[0]) | int32(b[1])<<8 | int32(int8(b[2]))<<16
			interleaved[i] = float32(s) / 8388608
		}
	case info.Format == wavFormatPCM && info.BitsPerSample == 32:
		for i := range n {
			s := int32(binary.LittleEndian.Uint32(data[i*4:]))
			interleaved[i] = float32(float64(s) / 2147483648)
		}
	case info.Format == wavFormatFloat && info.BitsPerSample == 32:
		for i := range n {
			interleaved[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	case info.Format == wavFormatFloat && info.BitsPerSample == 64:
		for i := range n {
			interleaved[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:])))
		}
	default:
		return Clip{}, fmt.Errorf("%w: unsupported encoding format=%d bits=%d", ErrInvalidWAV, info.Format, info.BitsPerSample)
	}

	return Clip{
		Samples:    Downmix(interleaved, info.Channels),
		SampleRate: info.SampleRate,
	}, nil
}

// EncodeWAV writes clip as 16-bit mono PCM WAV.
func EncodeWAV(w io.Writer, clip Clip) error {
	if clip.SampleRate <= 0 {
		return fmt.Errorf("audio: encode WAV: invalid sample rate %d", clip.SampleRate)
	}
	pcm := FloatToInt16(clip.Samples)
	le := binary.LittleEndian

	var hdr bytes.Buffer
	hdr.Grow(44)
	hdr.WriteString("RIFF")
	_ = binary.Write(&hdr, le, uint32(36+len(pcm)))
	hdr.WriteString("WAVE")
	hdr.WriteString("fmt ")
	_ = binary.Write(&hdr, le, uint32(16))
	_ = binary.Write(&hdr, le, uint16(wavFormatPCM))
	_ = binary.Write(&hdr, le, uint16(1))
	_ = binary.Write(&hdr, le, uint32(clip.SampleRate))
	_ = binary.Write(&hdr, le, uint32(clip.SampleRate*2))
	_ = binary.Write(&hdr, le, uint16(2))
	_ = binary.Write(&hdr, le, uint16(16))
	hdr.WriteString("data")
	_ = binary.Write(&hdr, le, uint32(len(pcm)))

	if _, err := w.Write(hdr.Bytes()); err != nil {
		return fmt.Errorf("audio: write WAV header: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("audio: write WAV data: %w", err)
	}
	return nil
}

// WriteWAVFile encodes clip to path, creating parent directories as needed.
// The file is written to a temporary sibling first and renamed into place so
// readers never observe a partial file.
func WriteWAVFile(path string, clip Clip) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("audio: create dir for %q: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*.wav")
	if err != nil {
		return fmt.Errorf("audio: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := EncodeWAV(tmp, clip); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("audio: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("audio: rename into %q: %w", path, err)
	}
	return nil
}
