// Package errors provides structured error handling for Fathom.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: IO and storage errors
//   - 4XX: Validation and query errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates file and disk I/O errors.
	CategoryIO Category = "IO"
	// CategoryValidation indicates document and query validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// IO errors (200-299)
	ErrCodeIOFailure      = "ERR_201_IO_FAILURE"
	ErrCodeSourceNotFound = "ERR_202_SOURCE_NOT_FOUND"
	ErrCodeIndexLocked    = "ERR_203_INDEX_LOCKED"
	ErrCodeNoCommit       = "ERR_204_NO_COMMIT"
	ErrCodeCorruptSegment = "ERR_205_CORRUPT_SEGMENT"
	ErrCodeCorruptIndex   = "ERR_206_CORRUPT_INDEX"

	// Validation errors (400-499)
	ErrCodeInvalidInput      = "ERR_401_INVALID_INPUT"
	ErrCodeMalformedDocument = "ERR_402_MALFORMED_DOCUMENT"
	ErrCodeQuerySyntax       = "ERR_403_QUERY_SYNTAX"
	ErrCodeDimensionMismatch = "ERR_404_DIMENSION_MISMATCH"

	// Internal errors (500-599)
	ErrCodeInternal             = "ERR_501_INTERNAL"
	ErrCodeEmbeddingUnavailable = "ERR_502_EMBEDDING_UNAVAILABLE"
	ErrCodeWriterClosed         = "ERR_503_WRITER_CLOSED"
	ErrCodeReaderClosed         = "ERR_504_READER_CLOSED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeCorruptIndex, ErrCodeIOFailure:
		return SeverityFatal
	case ErrCodeMalformedDocument, ErrCodeEmbeddingUnavailable:
		// Recovered locally during ingestion, the batch continues.
		return SeverityWarning
	}
	return SeverityError
}
