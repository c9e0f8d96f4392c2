package resume

import (
	"fmt"
	"testing"

	"github.com/vinayprograms/specpilot/internal/faults"
)

func TestFail_MarksCancellation(t *testing.T) {
	o := Fail(fmt.Errorf("before iteration 3: %w", faults.ErrCancelled), nil)
	if o.Kind != Failed || !o.Cancelled {
		t.Errorf("expected cancelled failure, got %+v", o)
	}
	if o.Class != faults.ClassCancelled {
		t.Errorf("expected cancelled class, got %s", o.Class)
	}

	o = Fail(faults.ErrContextLength, nil)
	if o.Cancelled {
		t.Error("context length is not cancellation")
	}
	if o.Message != "context length exceeded" {
		t.Errorf("diagnostic not preserved: %q", o.Message)
	}
}

func TestNormalize_DowngradesQuestionlessInteraction(t *testing.T) {
	o := Ask(&Context{}, nil)
	if !o.Normalize() {
		t.Fatal("expected downgrade")
	}
	if o.Kind != Continued {
		t.Errorf("expected continued, got %s", o.Kind)
	}

	ok := Ask(&Context{AskQuestion: &AskQuestionContext{Question: "formal or casual?"}}, nil)
	if ok.Normalize() {
		t.Error("valid interaction downgraded")
	}
	if ok.Question() != "formal or casual?" {
		t.Errorf("unexpected question %q", ok.Question())
	}
}
