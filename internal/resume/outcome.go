package resume

import "github.com/vinayprograms/specpilot/internal/faults"

// Kind tags the result of running or resuming a specialist.
type Kind string

const (
	// Continued means the loop finished normally and produced output.
	Continued Kind = "specialist_continued"
	// InteractionRequired means the loop asked the user another question.
	InteractionRequired Kind = "user_interaction_required"
	// Failed means the loop could not finish. Cancellation also lands here.
	Failed Kind = "specialist_failed"
)

// Outcome is what a specialist run or resume produces. Callers must branch
// on Kind; a run that asked another question is just as successful as one
// that finished.
type Outcome struct {
	Kind Kind `json:"kind"`

	// Continued
	Output string `json:"output,omitempty"`

	// InteractionRequired. Continuation carries the question context and the
	// specialist payload; any plan executor state it holds is ignored.
	Continuation *Context `json:"continuation,omitempty"`

	// Failed
	Message   string       `json:"message,omitempty"`
	Cancelled bool         `json:"cancelled,omitempty"`
	Class     faults.Class `json:"class,omitempty"`
	Err       error        `json:"-"`

	// Loop is the specialist loop position when the outcome was produced.
	Loop *LoopState `json:"loop,omitempty"`
}

// Question returns the pending question text, or "" when there is none.
func (o *Outcome) Question() string {
	if o == nil || o.Continuation == nil || o.Continuation.AskQuestion == nil {
		return ""
	}
	return o.Continuation.AskQuestion.Question
}

// Options returns the suggested answers for the pending question.
func (o *Outcome) Options() []string {
	if o == nil || o.Continuation == nil || o.Continuation.AskQuestion == nil {
		return nil
	}
	return o.Continuation.AskQuestion.Options
}

// Normalize repairs an inconsistent outcome in place and reports whether it
// had to. An interaction outcome without a question cannot be shown to the
// user, so it is downgraded to Continued rather than left to hang.
func (o *Outcome) Normalize() bool {
	if o.Kind == InteractionRequired && o.Question() == "" {
		o.Kind = Continued
		o.Continuation = nil
		return true
	}
	return false
}

// Continue builds a Continued outcome.
func Continue(output string, loop *LoopState) Outcome {
	return Outcome{Kind: Continued, Output: output, Loop: loop}
}

// Ask builds an InteractionRequired outcome.
func Ask(cont *Context, loop *LoopState) Outcome {
	return Outcome{Kind: InteractionRequired, Continuation: cont, Loop: loop}
}

// Fail builds a Failed outcome from err. Cancellation is marked so callers
// can present it as a normal stop.
func Fail(err error, loop *LoopState) Outcome {
	class := faults.Classify(err)
	return Outcome{
		Kind:      Failed,
		Message:   err.Error(),
		Cancelled: class == faults.ClassCancelled,
		Class:     class,
		Err:       err,
		Loop:      loop,
	}
}
