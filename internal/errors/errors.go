package errors

import (
	"fmt"
)

// FathomError is the structured error type for the engine.
// It provides rich context for error handling, logging, and user presentation.
type FathomError struct {
	// Code is the unique error code (e.g., "ERR_205_CORRUPT_SEGMENT").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Validation, Internal).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error
}

// Error implements the error interface.
func (e *FathomError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *FathomError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with FathomError.
func (e *FathomError) Is(target error) bool {
	if t, ok := target.(*FathomError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *FathomError) WithDetail(key, value string) *FathomError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new FathomError with the given code and message.
// Category and severity are derived from the code.
func New(code string, message string, cause error) *FathomError {
	return &FathomError{
		Code:     code,
		Message:  message,
		Category: categoryFromCode(code),
		Severity: severityFromCode(code),
		Cause:    cause,
	}
}

// Newf creates a new FathomError with a formatted message.
func Newf(code string, format string, args ...any) *FathomError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// Wrap creates a FathomError from an existing error.
// The error's message becomes the FathomError message.
func Wrap(code string, err error) *FathomError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// IOFailure creates a storage-related error. Fatal for the operation in
// progress; the previously committed state stays intact.
func IOFailure(message string, cause error) *FathomError {
	return New(ErrCodeIOFailure, message, cause)
}

// MalformedDocument creates a per-document validation error.
// Recovered locally: the document is skipped, ingestion continues.
func MalformedDocument(message string) *FathomError {
	return New(ErrCodeMalformedDocument, message, nil)
}

// CorruptSegment creates a segment checksum/structure error.
func CorruptSegment(message string, cause error) *FathomError {
	return New(ErrCodeCorruptSegment, message, cause)
}

// QuerySyntax creates a query parse error, surfaced immediately to the
// caller with no partial results.
func QuerySyntax(message string) *FathomError {
	return New(ErrCodeQuerySyntax, message, nil)
}

// EmbeddingUnavailable creates a non-fatal embedding error; the document
// is still indexed without a vector field.
func EmbeddingUnavailable(cause error) *FathomError {
	return New(ErrCodeEmbeddingUnavailable, "embedding unavailable", cause)
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if fe, ok := err.(*FathomError); ok {
		return fe.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from a FathomError.
// Returns empty string if not a FathomError.
func GetCode(err error) string {
	if fe, ok := err.(*FathomError); ok {
		return fe.Code
	}
	return ""
}

// GetCategory extracts the category from a FathomError.
// Returns empty string if not a FathomError.
func GetCategory(err error) Category {
	if fe, ok := err.(*FathomError); ok {
		return fe.Category
	}
	return ""
}
