// Package audio provides decoding, encoding, and sample-level helpers for the
// reference recordings handled by voxclone.
//
// All processing works on [Clip] values: mono float32 samples in the range
// [-1, 1] at a known sample rate. Decoders downmix multi-channel sources and
// callers resample to the working rate with [Resample] before analysis or
// concatenation.
package audio

import (
	"math"
	"time"
)

// Clip is a mono audio buffer with normalised float samples.
type Clip struct {
	// Samples holds mono PCM in the range [-1, 1].
	Samples []float32

	// SampleRate is the number of samples per second (e.g. 22050).
	SampleRate int
}

// Duration returns the playback length of the clip. A clip with a
// non-positive sample rate has zero duration.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(c.Samples)) / float64(c.SampleRate) * float64(time.Second))
}

// Seconds returns the playback length in (fractional) seconds.
func (c Clip) Seconds() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

// Peak returns the maximum absolute sample value.
func (c Clip) Peak() float64 {
	var peak float64
	for _, s := range c.Samples {
		if a := math.Abs(float64(s)); a > peak {
			peak = a
		}
	}
	return peak
}

// Silence returns a zero-filled clip of length d at the given sample rate.
func Silence(d time.Duration, sampleRate int) Clip {
	n := int(d.Seconds() * float64(sampleRate))
	if n < 0 {
		n = 0
	}
	return Clip{Samples: make([]float32, n), SampleRate: sampleRate}
}

// Concat joins clips in order, appending gap of silence after each one. All
// clips are resampled to sampleRate first.
func Concat(clips []Clip, gap time.Duration, sampleRate int) Clip {
	gapLen := int(gap.Seconds() * float64(sampleRate))
	total := 0
	resampled := make([][]float32, len(clips))
	for i, c := range clips {
		resampled[i] = Resample(c.Samples, c.SampleRate, sampleRate)
		total += len(resampled[i]) + gapLen
	}

	out := make([]float32, 0, total)
	for _, s := range resampled {
		out = append(out, s...)
		out = append(out, make([]float32, gapLen)...)
	}
	return Clip{Samples: out, SampleRate: sampleRate}
}
