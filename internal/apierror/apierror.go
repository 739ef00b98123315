// Package apierror is the closed error taxonomy for calls to external APIs.
// Every transport or HTTP failure from a third-party dependency is mapped
// here, and only here, into an ExternalAPIError.
package apierror

import (
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindRateLimited    Kind = "rateLimited"
	KindQuotaExceeded  Kind = "quotaExceeded"
	KindNetwork        Kind = "network"
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "notFound"
	KindConflict       Kind = "conflict"
	KindServerError    Kind = "serverError"
	KindTimeout        Kind = "timeout"
	KindUnknown        Kind = "unknown"
)

// Kinds lists every member of the taxonomy.
var Kinds = []Kind{
	KindAuthentication, KindAuthorization, KindRateLimited, KindQuotaExceeded,
	KindNetwork, KindValidation, KindNotFound, KindConflict,
	KindServerError, KindTimeout, KindUnknown,
}

// TransientKinds are the kinds the classifier marks retryable.
var TransientKinds = []Kind{KindRateLimited, KindNetwork, KindServerError, KindTimeout}

// ExternalAPIError is built once per failure by Classify and never mutated.
type ExternalAPIError struct {
	kind       Kind
	retryable  bool
	retryAfter time.Duration
	statusCode int
	context    string
	cause      error
}

func (e *ExternalAPIError) Kind() Kind                { return e.kind }
func (e *ExternalAPIError) Retryable() bool           { return e.retryable }
func (e *ExternalAPIError) RetryAfter() time.Duration { return e.retryAfter }
func (e *ExternalAPIError) StatusCode() int           { return e.statusCode }
func (e *ExternalAPIError) Context() string           { return e.context }
func (e *ExternalAPIError) Unwrap() error             { return e.cause }

func (e *ExternalAPIError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.kind))
	if e.context != "" {
		b.WriteString(" during ")
		b.WriteString(e.context)
	}
	if e.statusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.statusCode)
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

// ResponseError is what an HTTP client adapter returns for a non-2xx reply.
// Reason carries the machine readable reason from the error body, if any.
type ResponseError struct {
	StatusCode int
	Reason     string
	Message    string
	RetryAfter string
}

func (e *ResponseError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "request failed"
	}
	if e.Reason != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Reason, msg)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, msg)
}
