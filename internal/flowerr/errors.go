// Package flowerr defines the error taxonomy used across node execution.
package flowerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind is the top-level error category.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindProvider      Kind = "provider"
	KindNetwork       Kind = "network"
	KindSecurity      Kind = "security"
	KindSystem        Kind = "system"
	KindCodeExecution Kind = "code_execution"
)

// Code narrows a Kind.
type Code string

const (
	CodeMissingParameter Code = "missing_parameter"
	CodeInvalidParameter Code = "invalid_parameter"
	CodeInvalidFormat    Code = "invalid_format"

	CodeProviderUnavailable Code = "provider_unavailable"
	CodeProviderRejected    Code = "provider_rejected"
	CodeModelUnavailable    Code = "model_unavailable"

	CodeConnectionFailed Code = "connection_failed"
	CodeTimeout          Code = "timeout"

	CodeAuthenticationFailed Code = "authentication_failed"
	CodePermissionDenied     Code = "permission_denied"

	CodeInternal        Code = "internal"
	CodeUnexpectedState Code = "unexpected_state"

	CodeEntryFunctionMissing    Code = "entry_function_missing"
	CodeDependencyInstallFailed Code = "dependency_install_failed"
	CodeCompileFailed           Code = "compile_failed"
	CodeRuntimeFailed           Code = "runtime_failed"
	CodeResultParseFailed       Code = "result_parse_failed"
)

var codeKinds = map[Code]Kind{
	CodeMissingParameter:        KindValidation,
	CodeInvalidParameter:        KindValidation,
	CodeInvalidFormat:           KindValidation,
	CodeProviderUnavailable:     KindProvider,
	CodeProviderRejected:        KindProvider,
	CodeModelUnavailable:        KindProvider,
	CodeConnectionFailed:        KindNetwork,
	CodeTimeout:                 KindNetwork,
	CodeAuthenticationFailed:    KindSecurity,
	CodePermissionDenied:        KindSecurity,
	CodeInternal:                KindSystem,
	CodeUnexpectedState:         KindSystem,
	CodeEntryFunctionMissing:    KindCodeExecution,
	CodeDependencyInstallFailed: KindCodeExecution,
	CodeCompileFailed:           KindCodeExecution,
	CodeRuntimeFailed:           KindCodeExecution,
	CodeResultParseFailed:       KindCodeExecution,
}

// KindOf returns the kind a code belongs to.
func KindOf(code Code) Kind {
	if k, ok := codeKinds[code]; ok {
		return k
	}
	return KindSystem
}

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Details map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an error for a code.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindOf(code), Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an error for a code around a cause.
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	e := New(code, format, args...)
	e.Cause = cause
	return e
}

// WithDetails attaches details, scrubbed of sensitive keys.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = Scrub(details)
	return e
}

// As extracts a classified error from a chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// statusCoder matches HTTP-ish errors from provider adapters and tools.
type statusCoder interface {
	StatusCode() int
}

// Classify maps any error onto the taxonomy. Already classified errors are
// returned unchanged; anything unrecognized becomes system/internal.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	if fe, ok := As(err); ok {
		return fe
	}

	wrap := func(code Code) *Error {
		return &Error{Kind: KindOf(code), Code: code, Message: err.Error(), Cause: err}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return wrap(CodeTimeout)
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EHOSTUNREACH):
		return wrap(CodeConnectionFailed)
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return wrap(CodePermissionDenied)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return wrap(CodeTimeout)
		}
		return wrap(CodeConnectionFailed)
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		if code, ok := classifyStatus(sc.StatusCode()); ok {
			return wrap(code)
		}
	}

	msg := strings.ToLower(err.Error())
	for _, m := range messageRules {
		for _, needle := range m.needles {
			if strings.Contains(msg, needle) {
				return wrap(m.code)
			}
		}
	}
	return wrap(CodeInternal)
}

func classifyStatus(status int) (Code, bool) {
	switch {
	case status == 401:
		return CodeAuthenticationFailed, true
	case status == 403:
		return CodePermissionDenied, true
	case status == 404:
		return CodeModelUnavailable, true
	case status == 408 || status == 504:
		return CodeTimeout, true
	case status == 400 || status == 422:
		return CodeInvalidParameter, true
	case status == 429:
		return CodeProviderRejected, true
	case status >= 500:
		return CodeProviderUnavailable, true
	}
	return "", false
}

var messageRules = []struct {
	code    Code
	needles []string
}{
	{CodeTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{CodeConnectionFailed, []string{"connection refused", "connection reset", "no such host", "econnrefused"}},
	{CodeAuthenticationFailed, []string{"unauthorized", "invalid api key", "authentication"}},
	{CodePermissionDenied, []string{"forbidden", "permission denied"}},
	{CodeModelUnavailable, []string{"model not found", "does not exist"}},
	{CodeProviderRejected, []string{"rate limit", "quota", "content policy"}},
	{CodeProviderUnavailable, []string{"service unavailable", "overloaded", "bad gateway"}},
	{CodeMissingParameter, []string{"is required", "missing"}},
	{CodeInvalidFormat, []string{"invalid character", "cannot unmarshal", "unexpected end of json"}},
}
