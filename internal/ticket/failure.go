package ticket

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// FailureCode classifies why processing failed.
type FailureCode string

const (
	CodeUnknownTaskKind       FailureCode = "unknown_task_kind"
	CodeInvalidInput          FailureCode = "invalid_input"
	CodeUpstreamFetch         FailureCode = "upstream_fetch_error"
	CodeUpstreamAI            FailureCode = "upstream_ai_error"
	CodeUnsupportedFileFormat FailureCode = "unsupported_file_format"
	CodeExtraction            FailureCode = "extraction_error"
	CodeQueryTranslation      FailureCode = "query_translation_error"
	CodeQueryExecution        FailureCode = "query_execution_error"
	CodeTimeout               FailureCode = "timeout"
	CodeCancelled             FailureCode = "cancelled"
	CodeInternal              FailureCode = "internal_error"
)

// Failure is the normalized error recorded on a FAILED ticket.
type Failure struct {
	Code      FailureCode `json:"code"`
	Reason    string      `json:"reason"`
	Retryable bool        `json:"retryable"`

	cause error
}

// NewFailure builds a failure with a formatted reason.
func NewFailure(code FailureCode, retryable bool, format string, args ...any) *Failure {
	return &Failure{Code: code, Reason: fmt.Sprintf(format, args...), Retryable: retryable}
}

// Wrap builds a failure from an underlying error, keeping it for errors.Is/As.
func Wrap(code FailureCode, retryable bool, err error) *Failure {
	return &Failure{Code: code, Reason: err.Error(), Retryable: retryable, cause: err}
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Reason)
}

func (f *Failure) Unwrap() error {
	return f.cause
}

// AsFailure normalizes any error into a Failure. Errors that are already
// failures pass through; deadline and network errors are retryable; anything
// else is an internal, non-retryable failure.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(CodeTimeout, true, err)
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(CodeCancelled, true, err)
	}
	if errors.Is(err, ErrInvalidInput) {
		return Wrap(CodeInvalidInput, false, err)
	}
	if errors.Is(err, ErrUnknownTaskKind) {
		return Wrap(CodeUnknownTaskKind, false, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Wrap(CodeInternal, true, err)
	}
	return Wrap(CodeInternal, false, err)
}
