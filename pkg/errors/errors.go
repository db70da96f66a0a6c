package errors

import (
	stdErrors "errors"
	"fmt"
)

type Code string

const (
	// CodeTransient covers infrastructure hiccups that are retried silently.
	CodeTransient Code = "TRANSIENT"
	// CodeMalformed marks input that can never be processed and is skipped.
	CodeMalformed Code = "MALFORMED"
	// CodeHandler marks a business failure retried with backoff, then dead-lettered.
	CodeHandler Code = "HANDLER_FAILURE"
	// CodeFatal marks failures that should take the process down.
	CodeFatal      Code = "FATAL"
	CodeValidation Code = "VALIDATION_ERROR"
	CodeNotFound   Code = "NOT_FOUND"
	CodeConflict   Code = "CONFLICT"
	CodeInternal   Code = "INTERNAL_ERROR"
)

// Metadata describes how the pipeline reacts to a code.
type Metadata struct {
	Retryable bool
	// Skip means the unit of work is dropped without retry.
	Skip bool
	// Escalate means the process supervisor should exit.
	Escalate bool
}

var metadataByCode = map[Code]Metadata{
	CodeTransient:  {Retryable: true},
	CodeMalformed:  {Skip: true},
	CodeHandler:    {Retryable: true},
	CodeFatal:      {Escalate: true},
	CodeValidation: {},
	CodeNotFound:   {},
	CodeConflict:   {},
	CodeInternal:   {Retryable: true},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

// Malformed wraps err as a skip-and-forget input failure.
func Malformed(err error, message string) *Error {
	return Wrap(CodeMalformed, err, message)
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// HasCode reports whether any typed error in the chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		typed := As(err)
		if typed == nil {
			return false
		}
		if typed.code == code {
			return true
		}
		err = typed.cause
	}
	return false
}

// IsMalformed reports whether err should be skipped rather than retried.
func IsMalformed(err error) bool {
	return HasCode(err, CodeMalformed)
}
