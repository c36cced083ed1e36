package generator

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a market could not be generated from an article.
type ErrorKind int

const (
	// CallFailed means the LLM call itself failed (network, timeout, quota).
	// It is the only retryable kind.
	CallFailed ErrorKind = iota + 1
	// MalformedResponse means the response did not parse or lacked fields.
	MalformedResponse
	// LowConfidence means the model declined or produced a non-question.
	LowConfidence
)

func (k ErrorKind) String() string {
	switch k {
	case CallFailed:
		return "call_failed"
	case MalformedResponse:
		return "malformed_response"
	case LowConfidence:
		return "low_confidence"
	default:
		return "unknown"
	}
}

// GenerationError is returned by Generate for every non-success outcome
// other than context cancellation.
type GenerationError struct {
	Kind     ErrorKind
	Attempts int
	Err      error
}

func (e *GenerationError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s after %d attempts: %v", e.Kind, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed.
func (e *GenerationError) Retryable() bool { return e.Kind == CallFailed }

// KindOf returns the ErrorKind of err, or zero if err is not a GenerationError.
func KindOf(err error) ErrorKind {
	var ge *GenerationError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return 0
}

func malformed(format string, args ...interface{}) error {
	return &GenerationError{Kind: MalformedResponse, Attempts: 1, Err: fmt.Errorf(format, args...)}
}

func lowConfidence(format string, args ...interface{}) error {
	return &GenerationError{Kind: LowConfidence, Attempts: 1, Err: fmt.Errorf(format, args...)}
}
