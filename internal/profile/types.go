// Package profile holds the voice profile data model and its file-based
// persistence.
//
// A [Profile] is created in [StatusRecording] with a fixed list of
// [RecordingStep] prompts. It moves to [StatusProcessing] once every step is
// accepted and ends in either [StatusReady] or [StatusFailed]. State changes
// are driven by the recording package; this package only models and stores
// them.
package profile

import "time"

// Status is the lifecycle state of a voice profile.
type Status string

const (
	StatusRecording  Status = "recording"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// Quality is the tier derived from a profile's overall quality score.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
)

// QualityFor maps a 0-100 score to its tier.
func QualityFor(score float64) Quality {
	switch {
	case score >= 90:
		return QualityExcellent
	case score >= 75:
		return QualityGood
	case score >= 60:
		return QualityFair
	default:
		return QualityPoor
	}
}

// RecordingStep is one prompt the user must read aloud.
type RecordingStep struct {
	StepNumber   int     `json:"step_number"`
	TextPrompt   string  `json:"text_prompt"`
	Completed    bool    `json:"completed"`
	Duration     float64 `json:"duration,omitempty"`
	QualityScore float64 `json:"quality_score,omitempty"`
	RecordingURL string  `json:"recording_url,omitempty"`
}

// Profile is a user-owned voice profile. It is serialised as the meta.json
// record of its profile directory.
type Profile struct {
	ProfileID   string `json:"profile_id"`
	OwnerID     string `json:"owner_id"`
	ProfileName string `json:"profile_name"`
	Description string `json:"description,omitempty"`
	Status      Status `json:"status"`

	TotalSteps     int             `json:"total_steps"`
	CompletedSteps int             `json:"completed_steps"`
	RecordingSteps []RecordingStep `json:"recording_steps"`

	Quality             Quality `json:"quality,omitempty"`
	OverallQualityScore float64 `json:"overall_quality_score,omitempty"`
	TotalDuration       float64 `json:"total_duration,omitempty"`
	SampleRate          int     `json:"sample_rate"`
	VoiceEmbeddingPath  string  `json:"voice_embedding_path,omitempty"`

	// FailureReason is set when finalisation fails.
	FailureReason string `json:"failure_reason,omitempty"`

	TimesUsed int        `json:"times_used"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// CurrentStep is the 1-based number of the next step expected. It equals
// TotalSteps+1 once every step is complete.
func (p *Profile) CurrentStep() int { return p.CompletedSteps + 1 }

// Step returns the step with the given number, or nil.
func (p *Profile) Step(n int) *RecordingStep {
	if n < 1 || n > len(p.RecordingSteps) {
		return nil
	}
	return &p.RecordingSteps[n-1]
}

// NextPrompt returns the prompt of the expected step, or nil when no step
// remains.
func (p *Profile) NextPrompt() *string {
	if p.Status != StatusRecording {
		return nil
	}
	s := p.Step(p.CurrentStep())
	if s == nil {
		return nil
	}
	prompt := s.TextPrompt
	return &prompt
}

// ProgressPercentage is completed/total scaled to 0-100.
func (p *Profile) ProgressPercentage() float64 {
	if p.TotalSteps == 0 {
		return 0
	}
	return float64(p.CompletedSteps) / float64(p.TotalSteps) * 100
}

// Touch bumps UpdatedAt.
func (p *Profile) Touch(now time.Time) { p.UpdatedAt = now }

// Clone returns a deep copy of p.
func (p *Profile) Clone() *Profile {
	c := *p
	c.RecordingSteps = append([]RecordingStep(nil), p.RecordingSteps...)
	if p.LastUsed != nil {
		t := *p.LastUsed
		c.LastUsed = &t
	}
	return &c
}
