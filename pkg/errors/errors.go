package errors

import (
	"errors"
	"fmt"
)

// Pipeline error taxonomy. Decode and validation failures are contained to a
// single message, transport and dispatch failures are retryable, and
// configuration failures are fatal before the subscription starts.
var (
	ErrDecode        = NewError("DECODE_ERROR", "malformed notification payload")
	ErrValidation    = NewError("VALIDATION_ERROR", "notification failed schema validation")
	ErrTransport     = NewError("TRANSPORT_ERROR", "broker connection lost")
	ErrDispatch      = NewError("DISPATCH_ERROR", "downstream sink rejected notification")
	ErrConfiguration = NewError("CONFIGURATION_ERROR", "invalid configuration")
)

type RetryableError interface {
	error
	IsRetryable() bool
}

type FatalError interface {
	error
	IsFatal() bool
}

type Error struct {
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	retryable *bool
}

func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

func (e *Error) Error() string {
	msg := e.Message

	if len(e.Details) > 0 {
		if detailMsg, ok := e.Details["message"].(string); ok && detailMsg != "" {
			msg = detailMsg
		}
	}

	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) IsRetryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	if e.Cause != nil {
		var retryableErr RetryableError
		if errors.As(e.Cause, &retryableErr) {
			return retryableErr.IsRetryable()
		}
		var fatalErr FatalError
		if errors.As(e.Cause, &fatalErr) {
			return !fatalErr.IsFatal()
		}
	}
	return e.Code == ErrTransport.Code || e.Code == ErrDispatch.Code
}

func (e *Error) IsFatal() bool {
	if e.retryable != nil {
		return !*e.retryable
	}

	if e.Cause != nil {
		var fatalErr FatalError
		if errors.As(e.Cause, &fatalErr) {
			return fatalErr.IsFatal()
		}
	}

	return !e.IsRetryable()
}

func (e *Error) WithCause(cause error) *Error {
	err := *e
	err.Cause = cause
	return &err
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	err := *e
	if err.Details == nil {
		err.Details = make(map[string]interface{})
	}
	err.Details[key] = value
	return &err
}

func (e *Error) AsRetryable() *Error {
	err := *e
	retryable := true
	err.retryable = &retryable
	return &err
}

func (e *Error) AsFatal() *Error {
	err := *e
	retryable := false
	err.retryable = &retryable
	return &err
}

func Wrap(err error, appErr *Error) *Error {
	if err == nil {
		return nil
	}
	return appErr.WithCause(err)
}

func IsDecode(err error) bool {
	return hasCode(err, ErrDecode.Code)
}

func IsValidation(err error) bool {
	return hasCode(err, ErrValidation.Code)
}

func IsTransport(err error) bool {
	return hasCode(err, ErrTransport.Code)
}

func IsDispatch(err error) bool {
	return hasCode(err, ErrDispatch.Code)
}

func IsConfiguration(err error) bool {
	return hasCode(err, ErrConfiguration.Code)
}

func hasCode(err error, code string) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
