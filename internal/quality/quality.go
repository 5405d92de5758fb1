// Package quality implements the heuristic audio quality gate used to accept
// or reject recorded speech samples.
//
// [Evaluate] scores a decoded clip against fixed duration, amplitude, noise
// and volume-consistency penalties. [ValidateUpload] is the coarser pre-check
// applied to uploaded reference audio before any scoring takes place.
package quality

import (
	"log/slog"
	"math"

	"github.com/MrWong99/voxclone/internal/apperr"
	"github.com/MrWong99/voxclone/pkg/audio"
)

// SuitableThreshold is the minimum score at which a sample is accepted.
const SuitableThreshold = 60.0

const (
	noiseThreshold  = 0.02
	noiseRatioLimit = 0.3
	rmsFrameSize    = 2048
	rmsStdLimit     = 0.1

	// degradedScore is reported when analysis itself fails.
	degradedScore = 50.0
)

// Issue strings reported in [Result.Issues].
const (
	IssueTooShort      = "Recording too short"
	IssueTooLong       = "Recording too long"
	IssueTooQuiet      = "Volume too low"
	IssueClipping      = "Audio may be clipped"
	IssueNoise         = "High background noise"
	IssueInconsistent  = "Inconsistent volume"
	IssueAnalysisError = "analysis failed"
)

// Result is the outcome of a quality evaluation.
type Result struct {
	Duration     float64  `json:"duration"`
	QualityScore float64  `json:"quality_score"`
	MaxAmplitude float64  `json:"max_amplitude"`
	NoiseRatio   float64  `json:"noise_ratio"`
	Issues       []string `json:"issues"`
	Suitable     bool     `json:"suitable"`
}

// degraded is the result returned when a sample cannot be analysed.
func degraded() Result {
	return Result{QualityScore: degradedScore, Issues: []string{IssueAnalysisError}}
}

// Evaluate scores mono samples at sampleRate. expectedText is informational
// and currently unused by the heuristics.
func Evaluate(samples []float32, sampleRate int, expectedText string) Result {
	if len(samples) == 0 || sampleRate <= 0 {
		return degraded()
	}

	r := Result{
		Duration:     float64(len(samples)) / float64(sampleRate),
		QualityScore: 100,
		Issues:       []string{},
	}

	switch {
	case r.Duration < 2:
		r.penalize(20, IssueTooShort)
	case r.Duration > 15:
		r.penalize(10, IssueTooLong)
	}

	var peak float64
	var quiet int
	for _, s := range samples {
		a := math.Abs(float64(s))
		peak = max(peak, a)
		if a < noiseThreshold {
			quiet++
		}
	}
	r.MaxAmplitude = peak
	switch {
	case peak < 0.1:
		r.penalize(25, IssueTooQuiet)
	case peak > 0.95:
		r.penalize(15, IssueClipping)
	}

	r.NoiseRatio = float64(quiet) / float64(len(samples))
	if r.NoiseRatio > noiseRatioLimit {
		r.penalize(20, IssueNoise)
	}

	if std, ok := frameRMSStdDev(samples, rmsFrameSize); ok && std > rmsStdLimit {
		r.penalize(10, IssueInconsistent)
	}

	r.QualityScore = max(0, r.QualityScore)
	r.Suitable = r.QualityScore >= SuitableThreshold
	return r
}

func (r *Result) penalize(points float64, issue string) {
	r.QualityScore -= points
	r.Issues = append(r.Issues, issue)
}

// frameRMSStdDev returns the population standard deviation of per-frame RMS
// values. Only frames starting strictly before len-frame are considered, so a
// clip no longer than one frame yields ok == false.
func frameRMSStdDev(samples []float32, frame int) (float64, bool) {
	var rms []float64
	for i := 0; i < len(samples)-frame; i += frame {
		var sum float64
		for _, s := range samples[i : i+frame] {
			sum += float64(s) * float64(s)
		}
		rms = append(rms, math.Sqrt(sum/float64(frame)))
	}
	if len(rms) == 0 {
		return 0, false
	}
	var mean float64
	for _, v := range rms {
		mean += v
	}
	mean /= float64(len(rms))
	var variance float64
	for _, v := range rms {
		variance += (v - mean) * (v - mean)
	}
	return math.Sqrt(variance / float64(len(rms))), true
}

// EvaluateFile decodes the file at path, resampled to sampleRate, and scores
// it. Decoding failures produce a degraded, unsuitable result instead of an
// error.
func EvaluateFile(path string, sampleRate int, expectedText string) Result {
	clip, err := audio.LoadFile(path, sampleRate)
	if err != nil {
		slog.Warn("quality analysis failed", "path", path, "err", err)
		return degraded()
	}
	return Evaluate(clip.Samples, clip.SampleRate, expectedText)
}

// UploadLimits bounds the duration accepted by [ValidateUpload], in seconds.
type UploadLimits struct {
	MinDuration float64
	MaxDuration float64
}

// minCloneDuration is the shortest reference accepted regardless of the
// configured minimum.
const minCloneDuration = 3.0

// minPeak rejects effectively silent uploads.
const minPeak = 0.01

// ValidateUpload checks that the audio file at path is long enough, short
// enough and not silent. It returns an AudioQualityPoor error describing the
// first failed check, or a ValidationError when the file cannot be decoded.
func ValidateUpload(path string, limits UploadLimits) error {
	clip, err := audio.DecodeFile(path)
	if err != nil {
		return apperr.Wrap(apperr.ValidationError, err, "quality: decode upload").
			WithCode(apperr.CodeAudioFormat).
			WithUserMessage("The audio file could not be decoded")
	}
	return ValidateClip(clip, limits)
}

// ValidateClip applies the upload checks to an already decoded clip.
func ValidateClip(clip audio.Clip, limits UploadLimits) error {
	d := clip.Seconds()
	if minDur := max(minCloneDuration, limits.MinDuration); d < minDur {
		return apperr.New(apperr.AudioQualityPoor, "audio too short: %.2fs < %.2fs", d, minDur).
			WithCode(apperr.CodeAudioTooShort).
			WithDetail("duration", d)
	}
	if limits.MaxDuration > 0 && d > limits.MaxDuration {
		return apperr.New(apperr.AudioQualityPoor, "audio too long: %.2fs > %.2fs", d, limits.MaxDuration).
			WithCode(apperr.CodeAudioTooLong).
			WithDetail("duration", d)
	}
	if p := clip.Peak(); p < minPeak {
		return apperr.New(apperr.AudioQualityPoor, "audio amplitude too low (peak=%.6f)", p).
			WithDetail("peak", p)
	}
	return nil
}
