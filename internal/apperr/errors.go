package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a business or infrastructure failure.
type Code string

const (
	CodeValidation           Code = "VALIDATION_ERROR"
	CodeNotFound             Code = "NOT_FOUND"
	CodeUnauthorized         Code = "UNAUTHORIZED"
	CodeForbidden            Code = "FORBIDDEN"
	CodeInvalidTransition    Code = "INVALID_TRANSITION"
	CodeConflict             Code = "CONFLICT"
	CodeDuplicateReturn      Code = "DUPLICATE_RETURN"
	CodeReturnWindowExpired  Code = "RETURN_WINDOW_EXPIRED"
	CodeSignatureInvalid     Code = "SIGNATURE_INVALID"
	CodeRefundAmountExceeded Code = "REFUND_AMOUNT_EXCEEDED"
	CodeGatewayTimeout       Code = "GATEWAY_TIMEOUT"
	CodeInternal             Code = "INTERNAL_ERROR"
	CodeDependency           Code = "DEPENDENCY_ERROR"
)

var statusByCode = map[Code]int{
	CodeValidation:           http.StatusBadRequest,
	CodeNotFound:             http.StatusNotFound,
	CodeUnauthorized:         http.StatusUnauthorized,
	CodeForbidden:            http.StatusForbidden,
	CodeInvalidTransition:    http.StatusUnprocessableEntity,
	CodeConflict:             http.StatusConflict,
	CodeDuplicateReturn:      http.StatusConflict,
	CodeReturnWindowExpired:  http.StatusUnprocessableEntity,
	CodeSignatureInvalid:     http.StatusUnauthorized,
	CodeRefundAmountExceeded: http.StatusUnprocessableEntity,
	CodeGatewayTimeout:       http.StatusGatewayTimeout,
	CodeInternal:             http.StatusInternalServerError,
	CodeDependency:           http.StatusServiceUnavailable,
}

// retryable codes surface transient infrastructure failures the caller may
// retry with backoff. Business-rule violations are never retryable.
var retryableByCode = map[Code]bool{
	CodeGatewayTimeout: true,
	CodeInternal:       true,
	CodeDependency:     true,
}

// Error is the typed error returned by all services.
type Error struct {
	code    Code
	message string
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
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

// CodeOf extracts the code from any error chain, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code()
	}
	return CodeInternal
}

// HTTPStatus maps a code to its response status.
func HTTPStatus(code Code) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Retryable reports whether the caller may retry the failed operation.
func Retryable(err error) bool {
	return retryableByCode[CodeOf(err)]
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
