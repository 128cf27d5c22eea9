// Package errors provides structured error types for the Tabula engine.
// All errors include a category, code, message, and retryable flag so that
// callers can tell schema, plan, evaluation, storage and query failures apart.
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCategory classifies errors by the stage that produced them.
type ErrorCategory string

const (
	ErrCategorySchema           ErrorCategory = "SCHEMA"
	ErrCategoryPlan             ErrorCategory = "PLAN"
	ErrCategoryEvaluation       ErrorCategory = "EVALUATION"
	ErrCategoryStorage          ErrorCategory = "STORAGE"
	ErrCategoryUnsupportedQuery ErrorCategory = "UNSUPPORTED_QUERY"
	ErrCategoryInternal         ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Schema codes
	CodeTypeMismatch    = "TYPE_MISMATCH"
	CodeRowArity        = "ROW_ARITY"
	CodeNullViolation   = "NULL_VIOLATION"
	CodeDuplicateColumn = "DUPLICATE_COLUMN"
	CodeInvalidSchema   = "INVALID_SCHEMA"
	CodeUnknownType     = "UNKNOWN_TYPE"
	CodeHeaderMismatch  = "HEADER_MISMATCH"

	// Plan codes
	CodeUnknownColumn    = "UNKNOWN_COLUMN"
	CodeUnknownTable     = "UNKNOWN_TABLE"
	CodeUnknownFunction  = "UNKNOWN_FUNCTION"
	CodeTypeIncompatible = "TYPE_INCOMPATIBLE"
	CodeInvalidPlan      = "INVALID_PLAN"

	// Evaluation codes
	CodeDivisionByZero = "DIVISION_BY_ZERO"
	CodeInvalidValue   = "INVALID_VALUE"
	CodeOverflow       = "OVERFLOW"

	// Storage codes
	CodePathNotFound     = "PATH_NOT_FOUND"
	CodeUnencodableValue = "UNENCODABLE_VALUE"
	CodeWriteCollision   = "WRITE_COLLISION"
	CodeSchemaMismatch   = "SCHEMA_MISMATCH"
	CodeCorruptLayout    = "CORRUPT_LAYOUT"
	CodeIOFailure        = "IO_FAILURE"
	CodeObjectNotFound   = "OBJECT_NOT_FOUND"

	// Unsupported query codes
	CodeUnsupportedConstruct = "UNSUPPORTED_CONSTRUCT"
	CodeSyntaxError          = "SYNTAX_ERROR"

	// Internal codes
	CodeUnexpected = "INTERNAL_ERROR"
)

// TabulaError is the structured error type used throughout the engine.
type TabulaError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string. Details are rendered in key order
// so messages stay stable across runs.
func (e *TabulaError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s:%s] %s", e.Category, e.Code, e.Message)
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, e.Details[k])
		}
		sb.WriteString(")")
	}
	if e.Cause != nil {
		fmt.Fprintf(&sb, ": %v", e.Cause)
	}
	return sb.String()
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *TabulaError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *TabulaError) Is(target error) bool {
	var t *TabulaError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new TabulaError.
func New(category ErrorCategory, code, message string) *TabulaError {
	return &TabulaError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new TabulaError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *TabulaError {
	return &TabulaError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with the given details merged in.
func (e *TabulaError) WithDetails(details map[string]interface{}) *TabulaError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+len(details))
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	for k, v := range details {
		cp.Details[k] = v
	}
	return &cp
}

// WithDetail is WithDetails for a single key.
func (e *TabulaError) WithDetail(key string, value interface{}) *TabulaError {
	return e.WithDetails(map[string]interface{}{key: value})
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var te *TabulaError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a TabulaError.
func GetCategory(err error) ErrorCategory {
	var te *TabulaError
	if errors.As(err, &te) {
		return te.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a TabulaError.
func GetCode(err error) string {
	var te *TabulaError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// As is a convenience wrapper around errors.As for TabulaError.
func As(err error) (*TabulaError, bool) {
	var te *TabulaError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// isRetryable reports whether an error code describes a transient condition.
// Only a lock held by a concurrent writer qualifies; everything else is
// deterministic given the same input.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeWriteCollision:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewSchemaError(code, message string) *TabulaError {
	return New(ErrCategorySchema, code, message)
}

func NewPlanError(code, message string) *TabulaError {
	return New(ErrCategoryPlan, code, message)
}

func NewEvaluationError(code, message string) *TabulaError {
	return New(ErrCategoryEvaluation, code, message)
}

func NewStorageError(code, message string, cause error) *TabulaError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewUnsupportedQueryError(code, message string) *TabulaError {
	return New(ErrCategoryUnsupportedQuery, code, message)
}

func NewInternalError(message string, cause error) *TabulaError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
