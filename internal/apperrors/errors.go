// Package apperrors defines the error taxonomy shared by the broker core.
//
// Every error that crosses a package boundary towards a caller is either an
// *Error carrying a Kind or a *ProviderError describing an upstream failure.
// The HTTP layer maps both onto status codes with HTTPStatus.
package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation decisions.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindForbidden           Kind = "forbidden"
	KindCredential          Kind = "credential"
	KindInvalidState        Kind = "invalid_state"
	KindInsufficientCredits Kind = "insufficient_credits"
	KindRateLimited         Kind = "rate_limited"
	KindProvider            Kind = "provider"
	KindInternal            Kind = "internal"
)

// Error is a classified broker error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so errors.Is(err, &Error{Kind: KindNotFound}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation reports bad caller input.
func Validation(format string, args ...any) error {
	return newError(KindValidation, format, args...)
}

// NotFound reports an unknown or inactive entity.
func NotFound(format string, args ...any) error {
	return newError(KindNotFound, format, args...)
}

// Forbidden reports an entity the caller may not use.
func Forbidden(format string, args ...any) error {
	return newError(KindForbidden, format, args...)
}

// Credential reports a missing or unusable provider secret.
func Credential(format string, args ...any) error {
	return newError(KindCredential, format, args...)
}

// InvalidState reports an illegal job state transition.
func InvalidState(format string, args ...any) error {
	return newError(KindInvalidState, format, args...)
}

// InsufficientCreditsOrSuspended reports a team that cannot transact.
func InsufficientCreditsOrSuspended(format string, args ...any) error {
	return newError(KindInsufficientCredits, format, args...)
}

// RateLimited reports a caller over its call rate.
func RateLimited(format string, args ...any) error {
	return newError(KindRateLimited, format, args...)
}

// Internal wraps an unexpected failure.
func Internal(err error, format string, args ...any) error {
	e := newError(KindInternal, format, args...)
	e.Err = err
	return e
}

// ProviderError is an upstream provider failure.
type ProviderError struct {
	Provider  string
	Status    int
	Message   string
	Transient bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider %s returned status %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError classifies an upstream status code. 429 and 5xx are
// transient, everything else is terminal.
func NewProviderError(provider string, status int, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Status:    status,
		Message:   message,
		Transient: status == http.StatusTooManyRequests || status >= 500,
	}
}

// KindOf returns the Kind of err, KindInternal when it carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return KindProvider
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTimeout reports whether err stems from a deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// HTTPStatus maps err onto the status code returned to API callers.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindCredential:
		return http.StatusFailedDependency
	case KindInvalidState:
		return http.StatusConflict
	case KindInsufficientCredits:
		return http.StatusPaymentRequired
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindProvider:
		var pe *ProviderError
		if errors.As(err, &pe) && pe.Transient {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the caller-facing message. Internal errors are not echoed.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindInternal {
			return "internal error"
		}
		return e.Message
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Error()
	}
	return "internal error"
}
