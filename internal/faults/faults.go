// Package faults defines the error taxonomy shared by the execution engine.
//
// Every failure that crosses a component boundary is classified into one of
// a small number of classes. The class decides what happens next:
//
//   - Transient: network and service faults. Retried with backoff by the
//     specialist runner and only surfaced once retries are exhausted.
//   - Resource: context length, quota and authentication failures. Never
//     retried; the provider's diagnostic is preserved in the message.
//   - Protocol: empty model responses and malformed directives.
//   - Cancelled: user-driven cancellation. Not an error for the user.
//   - Internal: everything else (validation, unknown specialist, panics).
//
// Use Classify to map an arbitrary error onto a class, and IsRetryable to
// decide whether an operation should be attempted again.
package faults

import (
	"errors"
	"fmt"
	"strings"
)

// Re-exported so callers can import one package for error handling.
var (
	Is   = errors.Is
	As   = errors.As
	New  = errors.New
	Join = errors.Join
)

// Class is the category of a fault.
type Class int

const (
	ClassInternal Class = iota
	ClassTransient
	ClassResource
	ClassProtocol
	ClassCancelled
)

// String returns the lowercase name of the class.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassResource:
		return "resource"
	case ClassProtocol:
		return "protocol"
	case ClassCancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// Resource faults
var (
	// ErrContextLength indicates the prompt no longer fits the model's context window.
	ErrContextLength = New("context length exceeded")
	// ErrQuota indicates the provider refused the call for billing or quota reasons.
	ErrQuota = New("quota exceeded")
	// ErrAuth indicates missing or rejected credentials.
	ErrAuth = New("authentication failed")
)

// Protocol faults
var (
	// ErrEmptyResponse indicates the model returned neither content nor tool calls.
	ErrEmptyResponse = New("empty model response")
	// ErrMalformedDirective indicates a tool call the runner could not interpret.
	ErrMalformedDirective = New("malformed directive")
)

// Engine faults
var (
	ErrCancelled         = New("execution cancelled")
	ErrValidation        = New("validation failed")
	ErrUnknownSpecialist = New("unknown specialist")
	ErrIterationLimit    = New("iteration limit reached")
	ErrInvalidPlan       = New("invalid plan")
	ErrTaskInFlight      = New("a task is already in flight")
	ErrNotAwaiting       = New("no question is pending")
	ErrDisposed          = New("engine disposed")
)

// Fault is an error annotated with its class and the operation that produced it.
type Fault struct {
	Class Class
	Op    string
	Err   error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Op == "" {
		return f.Err.Error()
	}
	return fmt.Sprintf("%s: %v", f.Op, f.Err)
}

// Unwrap returns the underlying error.
func (f *Fault) Unwrap() error { return f.Err }

// Wrap annotates err with op and the class Classify assigns to it.
// Returns nil when err is nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Class: Classify(err), Op: op, Err: err}
}

// WithClass annotates err with an explicit class.
func WithClass(class Class, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Class: class, Op: op, Err: err}
}

// Classify returns the class of err. Explicit Fault annotations win,
// then sentinels, then heuristics over provider error text.
func Classify(err error) Class {
	if err == nil {
		return ClassInternal
	}

	var f *Fault
	if As(err, &f) {
		return f.Class
	}

	switch {
	case Is(err, ErrCancelled):
		return ClassCancelled
	case Is(err, ErrContextLength), Is(err, ErrQuota), Is(err, ErrAuth):
		return ClassResource
	case Is(err, ErrEmptyResponse), Is(err, ErrMalformedDirective):
		return ClassProtocol
	case Is(err, ErrValidation), Is(err, ErrUnknownSpecialist), Is(err, ErrInvalidPlan),
		Is(err, ErrIterationLimit):
		return ClassInternal
	}

	msg := strings.ToLower(err.Error())
	switch {
	case isContextLengthMessage(msg), isBillingMessage(msg), isAuthMessage(msg):
		return ClassResource
	case isRateLimitMessage(msg), isServerMessage(msg), isNetworkMessage(msg):
		return ClassTransient
	}
	return ClassInternal
}

// IsRetryable reports whether err is a transient fault worth retrying.
func IsRetryable(err error) bool {
	return err != nil && Classify(err) == ClassTransient
}

// IsCancelled reports whether err represents user-driven cancellation.
func IsCancelled(err error) bool {
	return err != nil && Classify(err) == ClassCancelled
}

func isContextLengthMessage(msg string) bool {
	return strings.Contains(msg, "context length") ||
		strings.Contains(msg, "context_length") ||
		strings.Contains(msg, "context window") ||
		strings.Contains(msg, "maximum context") ||
		strings.Contains(msg, "prompt is too long") ||
		strings.Contains(msg, "too many tokens")
}

func isBillingMessage(msg string) bool {
	return strings.Contains(msg, "billing") ||
		strings.Contains(msg, "payment") ||
		strings.Contains(msg, "credits") ||
		strings.Contains(msg, "quota exceeded") ||
		strings.Contains(msg, "insufficient") ||
		strings.Contains(msg, "402") ||
		strings.Contains(msg, "subscription")
}

func isAuthMessage(msg string) bool {
	return strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "invalid x-api-key") ||
		strings.Contains(msg, "permission denied")
}

func isRateLimitMessage(msg string) bool {
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "capacity")
}

func isServerMessage(msg string) bool {
	return strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "gateway timeout") ||
		strings.Contains(msg, "temporarily unavailable")
}

func isNetworkMessage(msg string) bool {
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "unexpected eof") ||
		strings.Contains(msg, "no such host")
}
