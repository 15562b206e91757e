// Package conductorerr classifies errors produced across the control plane
// into the kinds defined by the error handling design, each with a stable
// HTTP status mapping.
package conductorerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the classified error kinds.
type Kind string

const (
	KindAuthnMissing    Kind = "authn_missing"
	KindForbidden       Kind = "forbidden"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindValidation      Kind = "validation"
	KindQuotaExceeded   Kind = "quota_exceeded"
	KindRateLimited     Kind = "rate_limited"
	KindAdapterTransient Kind = "adapter_transient"
	KindAdapterTerminal Kind = "adapter_terminal"
	KindApprovalExpired Kind = "approval_expired"
	KindInternal        Kind = "internal"
)

// Error is a classified control-plane error.
type Error struct {
	Kind    Kind
	Message string
	// Detail carries kind-specific structured context, e.g. {metric, limit,
	// current} for QuotaExceeded.
	Detail any
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status code this error kind surfaces as.
func (e *Error) Status() int {
	switch e.Kind {
	case KindAuthnMissing:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindQuotaExceeded:
		return http.StatusPaymentRequired
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func new_(kind Kind, msg string, detail any, err error) *Error {
	return &Error{Kind: kind, Message: msg, Detail: detail, Err: err}
}

func AuthnMissing(msg string) *Error            { return new_(KindAuthnMissing, msg, nil, nil) }
func Forbidden(msg string) *Error               { return new_(KindForbidden, msg, nil, nil) }
func NotFound(msg string) *Error                { return new_(KindNotFound, msg, nil, nil) }
func Conflict(msg string) *Error                { return new_(KindConflict, msg, nil, nil) }
func Validation(msg string) *Error              { return new_(KindValidation, msg, nil, nil) }
func ApprovalExpired(msg string) *Error         { return new_(KindApprovalExpired, msg, nil, nil) }
func Internal(msg string, err error) *Error     { return new_(KindInternal, msg, nil, err) }
func AdapterTerminal(msg string, err error) *Error {
	return new_(KindAdapterTerminal, msg, nil, err)
}
func AdapterTransient(msg string, err error) *Error {
	return new_(KindAdapterTransient, msg, nil, err)
}

// QuotaDetail is the structured body attached to a QuotaExceeded error.
type QuotaDetail struct {
	Metric  string  `json:"metric"`
	Limit   float64 `json:"limit"`
	Current float64 `json:"current"`
}

func QuotaExceeded(metric string, limit, current float64) *Error {
	return new_(KindQuotaExceeded, fmt.Sprintf("%s exceeded", metric),
		QuotaDetail{Metric: metric, Limit: limit, Current: current}, nil)
}

func RateLimited(msg string) *Error { return new_(KindRateLimited, msg, nil, nil) }

// As reports whether err (or any error it wraps) is a *Error of the given
// kind.
func As(err error, kind Kind) bool {
	var ce *Error
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Kind == kind
}
