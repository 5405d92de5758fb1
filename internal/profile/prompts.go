package profile

// prompts is the fixed pool of sentences assigned to recording steps.
var prompts = []string{
	"Hello, this is my voice. I'm recording this sample for voice cloning.",
	"The quick brown fox jumps over the lazy dog near the riverbank.",
	"I love using technology to create amazing experiences for everyone.",
	"My voice is unique and I want to preserve its natural characteristics.",
	"Weather forecast shows sunny skies with temperatures reaching seventy degrees.",
	"Please remember to speak clearly and maintain consistent volume levels.",
	"Artificial intelligence is transforming how we interact with computers.",
	"This voice cloning technology will help me communicate more effectively.",
	"I'm excited to see how accurately this system can replicate my voice.",
	"Thank you for helping me create a digital version of my voice.",
	"Numbers and dates: January first, two thousand twenty-four, at 3:45 PM.",
	"Reading this text helps the system learn my pronunciation patterns.",
	"My voice has its own rhythm, tone, and unique speaking characteristics.",
	"The system analyzes vocal patterns to create an accurate voice model.",
	"This is the final recording sample for my voice profile creation.",
}

// PromptPoolSize is the number of distinct prompts.
func PromptPoolSize() int { return len(prompts) }

// NewSteps builds n uncompleted steps numbered 1..n. Prompts are taken from
// the pool in order, wrapping around when n exceeds the pool size.
func NewSteps(n int) []RecordingStep {
	steps := make([]RecordingStep, n)
	for i := range steps {
		steps[i] = RecordingStep{
			StepNumber: i + 1,
			TextPrompt: prompts[i%len(prompts)],
		}
	}
	return steps
}
