package faults

import (
	"fmt"
	"testing"
)

func TestClassify_Sentinels(t *testing.T) {
	tests := []struct {
		err  error
		want Class
	}{
		{ErrCancelled, ClassCancelled},
		{ErrContextLength, ClassResource},
		{ErrQuota, ClassResource},
		{ErrAuth, ClassResource},
		{ErrEmptyResponse, ClassProtocol},
		{ErrMalformedDirective, ClassProtocol},
		{ErrUnknownSpecialist, ClassInternal},
		{fmt.Errorf("step 2: %w", ErrContextLength), ClassResource},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestClassify_ProviderMessages(t *testing.T) {
	tests := []struct {
		msg  string
		want Class
	}{
		{"anthropic: 429 Too Many Requests", ClassTransient},
		{"openai: 503 service unavailable", ClassTransient},
		{"dial tcp: connection reset by peer", ClassTransient},
		{"prompt is too long: 210000 tokens > 200000 maximum", ClassResource},
		{"your credit balance is too low: billing", ClassResource},
		{"401 unauthorized", ClassResource},
		{"something odd", ClassInternal},
	}
	for _, tt := range tests {
		if got := Classify(New(tt.msg)); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.msg, got, tt.want)
		}
	}
}

func TestWrap_KeepsCauseAndClass(t *testing.T) {
	err := Wrap("chat", ErrQuota)
	if !Is(err, ErrQuota) {
		t.Fatal("wrapped error lost its cause")
	}
	if Classify(err) != ClassResource {
		t.Errorf("expected resource, got %s", Classify(err))
	}
	if err.Error() != "chat: quota exceeded" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if Wrap("chat", nil) != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestWithClass_Overrides(t *testing.T) {
	err := WithClass(ClassTransient, "chat", New("flaky"))
	if !IsRetryable(err) {
		t.Error("explicit transient class should be retryable")
	}
	if IsRetryable(ErrContextLength) {
		t.Error("context length must never be retried")
	}
}

func TestIsCancelled(t *testing.T) {
	if !IsCancelled(fmt.Errorf("loop: %w", ErrCancelled)) {
		t.Error("expected wrapped cancellation to be detected")
	}
	if IsCancelled(ErrAuth) {
		t.Error("auth failure is not cancellation")
	}
}
