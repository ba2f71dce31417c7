package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass groups error kinds by pipeline stage
type ErrorClass string

const (
	ClassAdmission      ErrorClass = "admission"
	ClassExtraction     ErrorClass = "extraction"
	ClassTransformation ErrorClass = "transformation"
	ClassLoad           ErrorClass = "load"
	ClassTimeout        ErrorClass = "timeout"
	ClassCancellation   ErrorClass = "cancellation"
)

// ErrorKind is the machine-readable failure tag
type ErrorKind string

const (
	FeatureNotAvailable ErrorKind = "FeatureNotAvailable"
	SizeLimitExceeded   ErrorKind = "SizeLimitExceeded"
	QuotaExceeded       ErrorKind = "QuotaExceeded"
	RateLimited         ErrorKind = "RateLimited"

	NotFound          ErrorKind = "NotFound"
	MalformedInput    ErrorKind = "MalformedInput"
	UnsupportedFormat ErrorKind = "UnsupportedFormat"

	UnknownOperation       ErrorKind = "UnknownOperation"
	InvalidParameters      ErrorKind = "InvalidParameters"
	ColumnNotFound         ErrorKind = "ColumnNotFound"
	OperationFailedAtIndex ErrorKind = "OperationFailedAtIndex"

	UnsupportedTarget ErrorKind = "UnsupportedTarget"
	WriteFailure      ErrorKind = "WriteFailure"

	TimeoutError ErrorKind = "TimeoutError"

	// Cancelled marks a run stopped by its caller
	Cancelled ErrorKind = "Cancelled"
)

var kindClass = map[ErrorKind]ErrorClass{
	FeatureNotAvailable:    ClassAdmission,
	SizeLimitExceeded:      ClassAdmission,
	QuotaExceeded:          ClassAdmission,
	RateLimited:            ClassAdmission,
	NotFound:               ClassExtraction,
	MalformedInput:         ClassExtraction,
	UnsupportedFormat:      ClassExtraction,
	UnknownOperation:       ClassTransformation,
	InvalidParameters:      ClassTransformation,
	ColumnNotFound:         ClassTransformation,
	OperationFailedAtIndex: ClassTransformation,
	UnsupportedTarget:      ClassLoad,
	WriteFailure:           ClassLoad,
	TimeoutError:           ClassTimeout,
	Cancelled:              ClassCancellation,
}

// Error is the single error type returned by every engine component
type Error struct {
	Class     ErrorClass `json:"class"`
	Kind      ErrorKind  `json:"kind"`
	Message   string     `json:"message"`
	Index     *int       `json:"index,omitempty"` // failing operation index
	Operation string     `json:"operation,omitempty"`
	Column    string     `json:"column,omitempty"`
	Feature   string     `json:"feature,omitempty"`
	Limit     int64      `json:"limit,omitempty"`
	Actual    int64      `json:"actual,omitempty"`
	Retryable bool       `json:"retryable"`
	Err       error      `json:"-"`
}

// NewError builds an error of the given kind; the class follows from the kind
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Class: kindClass[kind], Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an error of the given kind around a cause
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	e := NewError(kind, format, args...)
	e.Err = err
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Index != nil {
		fmt.Fprintf(&b, "[%d]", *e.Index)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// WithColumn records the offending column
func (e *Error) WithColumn(col string) *Error {
	e.Column = col
	return e
}

// WithLimit records the configured limit and the observed value
func (e *Error) WithLimit(limit, actual int64) *Error {
	e.Limit = limit
	e.Actual = actual
	return e
}

// AtIndex wraps err as the failure of operation i
func AtIndex(i int, op string, err error) *Error {
	idx := i
	out := &Error{
		Class:     ClassTransformation,
		Kind:      OperationFailedAtIndex,
		Message:   fmt.Sprintf("operation %q failed", op),
		Index:     &idx,
		Operation: op,
		Err:       err,
	}
	var inner *Error
	if errors.As(err, &inner) {
		out.Column = inner.Column
	}
	return out
}

// KindOf returns the kind of the outermost engine error in the chain
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether any engine error in the chain has the given kind
func IsKind(err error, kind ErrorKind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// AsError converts any error into an engine error for reporting
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Message: err.Error(), Err: err}
}
